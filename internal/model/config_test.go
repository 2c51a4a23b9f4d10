package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/nbexec/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
cache_dir: /var/cache/nbexec
context_id: ctx-1
engines:
  python: python3 -u
history:
  enabled: true
  retention: 7d
  prune:
    cron: "@hourly"
server:
  listen: 127.0.0.1:9000
service:
  verbose: true
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/var/cache/nbexec", cfg.CacheDir)
	require.Equal(t, "ctx-1", cfg.NotebookContextID())
	require.Equal(t, map[string]string{"python": "python3 -u"}, cfg.Engines)
	require.NotNil(t, cfg.History)
	require.True(t, cfg.History.Enabled)
	require.Equal(t, "7d", cfg.History.Retention)
	require.Equal(t, "@hourly", cfg.History.Prune.Cron)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	require.True(t, cfg.Service.Verbose)

	root, err := cfg.CacheRoot()
	require.NoError(t, err)
	require.Equal(t, "/var/cache/nbexec", root)

	path, err := cfg.HistoryPath()
	require.NoError(t, err)
	require.Equal(t, "/var/cache/history.db", path)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)
	require.Equal(t, model.DefaultListen, cfg.Server.Listen)
	require.False(t, cfg.Service.Verbose)
	require.Nil(t, cfg.History)

	path, err := cfg.HistoryPath()
	require.NoError(t, err)
	require.Empty(t, path)
	require.NotEmpty(t, cfg.NotebookContextID())
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Run("unsupported version", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader("version: 1\n"))
		require.Error(t, err)
		require.True(t, hasDetail(model.CueErrDetails(err), func(d model.CueErrorDetail) bool {
			return d.Path == "version"
		}))
	})
	t.Run("unknown field", func(t *testing.T) {
		_, err := model.LoadConfig(strings.NewReader("version: 0\nfoo: bar\n"))
		require.Error(t, err)
		require.True(t, hasDetail(model.CueErrDetails(err), func(d model.CueErrorDetail) bool {
			return d.Code == "unknown_field"
		}))
	})
	t.Run("bad poll interval", func(t *testing.T) {
		yml := `
version: 0
supervisor:
  poll_interval: fast
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
	})
	t.Run("both prune schedules", func(t *testing.T) {
		yml := `
version: 0
history:
  enabled: true
  prune:
    cron: "@daily"
    duration: PT1H
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.EqualError(t, err, "history.prune: cron and duration are mutually exclusive")
	})
}

func TestParseRetention(t *testing.T) {
	t.Parallel()
	cases := []struct {
		given string
		then  time.Duration
		err   string
	}{
		{"7d", 7 * 24 * time.Hour, ""},
		{"1d12h", 36 * time.Hour, ""},
		{"90m", 90 * time.Minute, ""},
		{"1h30m15s", time.Hour + 30*time.Minute + 15*time.Second, ""},
		{"", 0, "empty duration"},
		{"12h1d", 0, "invalid duration format"},
		{"abc", 0, "invalid duration format"},
	}
	for _, tc := range cases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseRetention(tc.given)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, model.Schedule{Cron: "*/15 * * * *"}.Validate())
	require.NoError(t, model.Schedule{Cron: "@every 5m"}.Validate())
	require.NoError(t, model.Schedule{Duration: "PT1H"}.Validate())
	require.NoError(t, model.Schedule{Duration: "P1D"}.Validate())
	require.ErrorIs(t, model.Schedule{}.Validate(), model.ErrEmptySchedule)
	require.Error(t, model.Schedule{Cron: "* * 32 * *"}.Validate())
	require.Error(t, model.Schedule{Duration: "1h"}.Validate())
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	d, err := model.ParseISODuration("PT1H30M")
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, d)

	d, err = model.ParseISODuration("P2D")
	require.NoError(t, err)
	require.Equal(t, 48*time.Hour, d)

	_, err = model.ParseISODuration("P2M")
	require.ErrorIs(t, err, model.ErrISOFormat)
}

func TestStreamKind(t *testing.T) {
	t.Parallel()
	k, err := model.ParseStreamKind(1)
	require.NoError(t, err)
	require.Equal(t, model.StreamStderr, k)
	require.Equal(t, "stderr", k.String())

	_, err = model.ParseStreamKind(7)
	require.ErrorIs(t, err, model.ErrStreamKind)
}

func hasDetail(details []model.CueErrorDetail, fn func(model.CueErrorDetail) bool) bool {
	for _, d := range details {
		if fn(d) {
			return true
		}
	}
	return false
}
