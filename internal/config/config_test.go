package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/treemirror/internal/dispatch"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaults(t)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, DefaultServers, cfg.Servers)
	assert.Equal(t, 60*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.Retry.BaseSleep)
	assert.Equal(t, 10, cfg.Retry.MaxRetries)
	assert.Equal(t, 256, cfg.Dispatch.QueueSize)
	assert.Equal(t, "block", cfg.Dispatch.Overflow)
	assert.Equal(t, "200-S", cfg.Server.RateLimit)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 5*time.Second, policy.BaseSleep)
	assert.Equal(t, 60*time.Second, policy.MaxSleep)
	assert.Equal(t, 10, policy.MaxRetries)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: zk
servers:
  - zk1:2181
  - zk2:2181
session_timeout: 30s
retry:
  base_sleep: 1s
  max_retries: 3
dispatch:
  workers: 4
  overflow: drop_oldest
`), 0o644))
	t.Setenv("TREEMIRROR_LOG_LEVEL", "debug")
	t.Setenv("TREEMIRROR_DISPATCH_QUEUE_SIZE", "16")

	v := viper.New()
	SetDefaults(v)
	require.NoError(t, ReadFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, BackendZooKeeper, cfg.Backend)
	assert.Equal(t, []string{"zk1:2181", "zk2:2181"}, cfg.Servers)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout)
	assert.Equal(t, time.Second, cfg.Retry.BaseSleep)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxSleep)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 16, cfg.Dispatch.QueueSize)

	opts, pool := cfg.Dispatch.Options()
	require.NotNil(t, pool)
	defer pool.Close()
	assert.Equal(t, 4, pool.Workers())
	assert.Len(t, opts, 3)
}

func TestReadFile_Missing(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	assert.NoError(t, ReadFile(v, filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		err    error
	}{
		{"unknown backend", func(c *Config) { c.Backend = "etcd" }, ErrUnknownBackend},
		{"zk without servers", func(c *Config) { c.Backend = BackendZooKeeper; c.Servers = nil }, ErrNoServers},
		{"remote bad url", func(c *Config) { c.Backend = BackendRemote; c.RemoteURL = "ws:/nohost" }, ErrInvalidURL},
		{"zero session timeout", func(c *Config) { c.SessionTimeout = 0 }, ErrInvalidValue},
		{"max sleep below base", func(c *Config) { c.Retry.MaxSleep = time.Millisecond }, ErrInvalidValue},
		{"negative workers", func(c *Config) { c.Dispatch.Workers = -1 }, ErrInvalidValue},
		{"bad overflow", func(c *Config) { c.Dispatch.Overflow = "spill" }, ErrInvalidValue},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults(t)
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.err)
		})
	}

	t.Run("remote ok", func(t *testing.T) {
		cfg := defaults(t)
		cfg.Backend = BackendRemote
		cfg.RemoteURL = "https://tree.example.com"
		assert.NoError(t, cfg.Validate())
	})
}

func TestDispatchOptions_Inline(t *testing.T) {
	opts, pool := DispatchConfig{QueueSize: 8, Overflow: "drop-oldest"}.Options()
	assert.Nil(t, pool)
	assert.Len(t, opts, 2)

	l := dispatch.New[int](opts...)
	defer l.Close()
	assert.True(t, l.Publish(1))
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("verbose")
	assert.ErrorIs(t, err, ErrInvalidValue)
}
