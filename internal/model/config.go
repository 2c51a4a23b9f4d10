package model

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/google/uuid"

	_ "embed"
)

const (
	DefaultListen = "127.0.0.1:8787"
	DefaultDBName = "history.db"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int               `json:"version" yaml:"version"` // fixed 0 for now
	CacheDir  string            `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`
	TempDir   string            `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`
	ContextID string            `json:"context_id,omitempty" yaml:"context_id,omitempty"`
	Engines   map[string]string `json:"engines,omitempty" yaml:"engines,omitempty"` // engine name -> command line
	History   *History          `json:"history,omitempty" yaml:"history,omitempty"`
	Server    Server            `json:"server" yaml:"server"`
	Service   Service           `json:"service" yaml:"service"`
}

// History configures the sqlite log of chunk runs.
type History struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Path      string    `json:"path,omitempty" yaml:"path,omitempty"`           // empty => <cache_dir>/history.db
	Retention string    `json:"retention,omitempty" yaml:"retention,omitempty"` // e.g. 7d
	Prune     *Schedule `json:"prune,omitempty" yaml:"prune,omitempty"`
}

// Schedule is either a cron expression or an ISO8601 duration.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Server struct {
	Listen string `json:"listen" yaml:"listen"`
}

type Service struct {
	Verbose bool `json:"verbose" yaml:"verbose"`
}

// DefaultConfig returns the configuration stored when no config file exists.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Engines: map[string]string{
			"python": "python3",
		},
		History: &History{
			Enabled:   true,
			Retention: "7d",
			Prune:     &Schedule{Cron: "@daily"},
		},
		Server: Server{Listen: DefaultListen},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if out.Server.Listen == "" {
		out.Server.Listen = DefaultListen
	}
	if out.History != nil && out.History.Prune != nil {
		if err := out.History.Prune.Validate(); err != nil {
			return Config{}, err
		}
	}

	return out, nil
}

// CacheRoot returns the chunk output cache directory.
func (c Config) CacheRoot() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	d, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "nbexec", "chunks"), nil
}

// HistoryPath returns the sqlite database path, or empty string when
// the history is disabled.
func (c Config) HistoryPath() (string, error) {
	if c.History == nil || !c.History.Enabled {
		return "", nil
	}
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	root, err := c.CacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(root), DefaultDBName), nil
}

// NotebookContextID returns the configured context id or a fresh one.
func (c Config) NotebookContextID() string {
	if c.ContextID != "" {
		return c.ContextID
	}
	return uuid.NewString()
}
