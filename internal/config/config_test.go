package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the default config search at an empty home.
func isolate(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		isolate(t)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "http://localhost:8081/api", cfg.Remote.BaseURL)
		assert.Equal(t, 30*time.Second, cfg.Remote.Timeout)
		assert.Zero(t, cfg.Remote.RateLimit)

		assert.Equal(t, 10*time.Second, cfg.Poll.Interval)
		assert.Zero(t, cfg.Poll.Timeout)
		assert.Zero(t, cfg.Poll.MaxPolls)
		assert.Equal(t, "jobwatch/last-status", cfg.Poll.StoreKey)
		assert.Equal(t, 1, cfg.Poll.Retry.MaxAttempts)
		assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, cfg.Poll.Retry.Backoff)

		assert.Equal(t, BackendFile, cfg.Store.Backend)
		assert.NotEmpty(t, cfg.Store.Path)
		assert.Equal(t, "jobwatch/", cfg.Store.S3.Prefix)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8081, cfg.Server.Port)
		assert.Equal(t, 3, cfg.Server.Steps)
		assert.Equal(t, 10000, cfg.Server.MaxJobs)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "structured", cfg.Logging.Profile)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"poll": map[string]any{
				"interval": "250ms",
				"retry":    map[string]any{"max_attempts": 3},
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
		assert.Equal(t, 3, cfg.Poll.Retry.MaxAttempts)
		assert.Equal(t, "debug", cfg.Logging.Level)

		assert.Equal(t, "structured", cfg.Logging.Profile)
		assert.Equal(t, 3, cfg.Server.Steps)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("JOBWATCH_SERVER_PORT", "3000")
		t.Setenv("JOBWATCH_LOGGING_LEVEL", "warn")
		t.Setenv("JOBWATCH_POLL_MAX_POLLS", "7")
		t.Setenv("JOBWATCH_STORE_BACKEND", "memory")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 7, cfg.Poll.MaxPolls)
		assert.Equal(t, BackendMemory, cfg.Store.Backend)
		assert.Empty(t, cfg.Store.Path)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("JOBWATCH_SERVER_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		isolate(t)
		path := filepath.Join(t.TempDir(), "jobwatch.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
remote:
  base_url: https://jobs.example.com/api
  rate_limit: 2.5
poll:
  interval: 2s
  timeout: 10m
store:
  backend: s3
  s3:
    bucket: sessions
    region: us-west-2
`), 0o600))
		SetConfigFile(path)
		t.Setenv("JOBWATCH_POLL_INTERVAL", "3s")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "https://jobs.example.com/api", cfg.Remote.BaseURL)
		assert.Equal(t, 2.5, cfg.Remote.RateLimit)
		assert.Equal(t, 3*time.Second, cfg.Poll.Interval, "env wins over file")
		assert.Equal(t, 10*time.Minute, cfg.Poll.Timeout)
		assert.Equal(t, BackendS3, cfg.Store.Backend)
		assert.Equal(t, "sessions", cfg.Store.S3.Bucket)
		assert.Equal(t, "us-west-2", cfg.Store.S3.Region)
	})

	t.Run("MissingConfigFile", func(t *testing.T) {
		isolate(t)
		SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))

		_, err := Load(ctx)
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("JOBWATCH_REMOTE_TIMEOUT", "45s")
	t.Setenv("JOBWATCH_POLL_RETRY_BACKOFF", "1s,3s,10s")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Remote.Timeout)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}, cfg.Poll.Retry.Backoff)
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"server": map[string]any{"steps": 9}})
	require.NoError(t, err)

	current := GetConfig()
	require.NotNil(t, current)
	assert.Equal(t, cfg.Server.Steps, current.Server.Steps)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Remote:  RemoteConfig{BaseURL: "http://localhost:8081/api", Timeout: time.Second},
			Poll:    PollConfig{Interval: time.Second, Retry: RetryConfig{MaxAttempts: 1}},
			Store:   StoreConfig{Backend: BackendMemory},
			Server:  ServerConfig{Host: "localhost", Port: 8081, Steps: 3},
			Logging: LoggingConfig{Level: "info", Profile: "structured"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantKey string
	}{
		{"valid", func(*Config) {}, ""},
		{"relative base url", func(c *Config) { c.Remote.BaseURL = "/api" }, "remote.base_url"},
		{"ftp base url", func(c *Config) { c.Remote.BaseURL = "ftp://x/api" }, "remote.base_url"},
		{"zero interval", func(c *Config) { c.Poll.Interval = 0 }, "poll.interval"},
		{"negative timeout", func(c *Config) { c.Poll.Timeout = -time.Second }, "poll.timeout"},
		{"zero attempts", func(c *Config) { c.Poll.Retry.MaxAttempts = 0 }, "poll.retry.max_attempts"},
		{"negative backoff", func(c *Config) { c.Poll.Retry.Backoff = []time.Duration{-1} }, "poll.retry.backoff[0]"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "store.backend"},
		{"s3 without bucket", func(c *Config) { c.Store.Backend = BackendS3 }, "store.s3.bucket"},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero steps", func(c *Config) { c.Server.Steps = 0 }, "server.steps"},
		{"negative max jobs", func(c *Config) { c.Server.MaxJobs = -1 }, "server.max_jobs"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad profile", func(c *Config) { c.Logging.Profile = "xml" }, "logging.profile"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantKey == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var fe *FieldError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.wantKey, fe.Key)
		})
	}
}

func TestValidate_ReportsAllFields(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"remote.base_url", "poll.interval", "store.backend", "server.steps", "logging.level"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "JOBWATCH_POLL_RETRY_MAX_ATTEMPTS", EnvName("poll.retry.max_attempts"))
	assert.Equal(t, "JOBWATCH_REMOTE_BASE_URL", EnvName("remote.base_url"))
}
