package supervisor

import (
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultKillTimeout  = 5 * time.Second
)

type Config struct {
	// PollInterval is how often OnContinue is asked.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// KillTimeout bounds the wait for streams held open by orphaned
	// descendants after the process exited.
	KillTimeout time.Duration `mapstructure:"kill_timeout"`
}

// ParseConfig reads the supervisor section from viper.
func ParseConfig(key string) (Config, error) {
	var cfg Config
	err := viper.UnmarshalKey(key, &cfg)
	// UnmarshalKey does not see env overrides of nested keys
	if d := viper.GetDuration(key + ".poll_interval"); d > 0 {
		cfg.PollInterval = d
	}
	if d := viper.GetDuration(key + ".kill_timeout"); d > 0 {
		cfg.KillTimeout = d
	}
	return cfg.withDefaults(), err
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.KillTimeout <= 0 {
		c.KillTimeout = DefaultKillTimeout
	}
	return c
}
