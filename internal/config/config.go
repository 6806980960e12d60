// Package config loads jobwatch configuration with viper.
//
// Precedence (highest first): runtime overrides, JOBWATCH_* environment
// variables, the config file, defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName is the binary and config name.
	AppName = "jobwatch"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "JOBWATCH"
)

// Config is the full jobwatch configuration.
type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Poll    PollConfig    `mapstructure:"poll"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RemoteConfig configures the job service client.
type RemoteConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

// PollConfig configures status polling.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxPolls int           `mapstructure:"max_polls"`
	StoreKey string        `mapstructure:"store_key"`
	Retry    RetryConfig   `mapstructure:"retry"`
}

// RetryConfig configures per-tick fetch retries.
type RetryConfig struct {
	MaxAttempts int             `mapstructure:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	// Backend is one of file, sqlite, memory, s3.
	Backend string   `mapstructure:"backend"`
	Path    string   `mapstructure:"path"`
	S3      S3Config `mapstructure:"s3"`
}

// S3Config configures the s3 session store backend.
type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ServerConfig configures the local job service simulator.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Steps is how many status polls a simulated job takes to finish.
	Steps int `mapstructure:"steps"`
	// MaxJobs caps the simulator job table; 0 means no cap.
	MaxJobs int `mapstructure:"max_jobs"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// Store backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
	BackendS3     = "s3"
)

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile sets an explicit config file for subsequent Load calls.
// An empty path restores the default search.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers every key with its default value. Keys must be
// registered for environment variables to be picked up on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("remote.base_url", "http://localhost:8081/api")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.rate_limit", 0)

	v.SetDefault("poll.interval", "10s")
	v.SetDefault("poll.timeout", "0s")
	v.SetDefault("poll.max_polls", 0)
	v.SetDefault("poll.store_key", "jobwatch/last-status")
	v.SetDefault("poll.retry.max_attempts", 1)
	v.SetDefault("poll.retry.backoff", []string{"2s", "5s"})

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.path", "")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.prefix", "jobwatch/")
	v.SetDefault("store.s3.region", "")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.profile", "")
	v.SetDefault("store.s3.force_path_style", false)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.steps", 3)
	v.SetDefault("server.max_jobs", 10000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
}

// Load reads configuration and stores it for GetConfig. Each override map
// uses nested keys ({"poll": {"interval": "1s"}}) and wins over every
// other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	for _, dir := range userConfigPaths() {
		path := filepath.Join(dir, AppName+".yaml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// userConfigPaths lists directories searched for jobwatch.yaml.
func userConfigPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+AppName))
	}
	return paths
}

// DefaultStorePath returns the file/sqlite store location used when
// store.path is empty.
func DefaultStorePath(backend string) string {
	dir := filepath.Join(gfconfig.GetAppDataDir(AppName), "sessions")
	if backend == BackendSQLite {
		return filepath.Join(dir, "sessions.db")
	}
	return dir
}

func (c *Config) normalize() {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	if c.Store.Path == "" && (c.Store.Backend == BackendFile || c.Store.Backend == BackendSQLite) {
		c.Store.Path = DefaultStorePath(c.Store.Backend)
	}
}

// FieldError reports one invalid configuration value.
type FieldError struct {
	Key     string
	Message string
}

func (e *FieldError) Error() string {
	return e.Key + ": " + e.Message
}

// Validate reports every invalid field, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(key, format string, args ...any) {
		errs = append(errs, &FieldError{Key: key, Message: fmt.Sprintf(format, args...)})
	}

	if u, err := url.Parse(c.Remote.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("remote.base_url", "must be an absolute http(s) URL, got %q", c.Remote.BaseURL)
	}
	if c.Remote.Timeout < 0 {
		add("remote.timeout", "must not be negative")
	}
	if c.Remote.RateLimit < 0 {
		add("remote.rate_limit", "must not be negative")
	}

	if c.Poll.Interval <= 0 {
		add("poll.interval", "must be positive")
	}
	if c.Poll.Timeout < 0 {
		add("poll.timeout", "must not be negative")
	}
	if c.Poll.MaxPolls < 0 {
		add("poll.max_polls", "must not be negative")
	}
	if c.Poll.Retry.MaxAttempts < 1 {
		add("poll.retry.max_attempts", "must be at least 1")
	}
	for i, d := range c.Poll.Retry.Backoff {
		if d < 0 {
			add(fmt.Sprintf("poll.retry.backoff[%d]", i), "must not be negative")
		}
	}

	switch c.Store.Backend {
	case BackendFile, BackendSQLite, BackendMemory:
	case BackendS3:
		if strings.TrimSpace(c.Store.S3.Bucket) == "" {
			add("store.s3.bucket", "is required for the s3 backend")
		}
	default:
		add("store.backend", "must be one of file, sqlite, memory, s3, got %q", c.Store.Backend)
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port", "must be between 0 and 65535")
	}
	if c.Server.Steps < 1 {
		add("server.steps", "must be at least 1")
	}
	if c.Server.MaxJobs < 0 {
		add("server.max_jobs", "must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Profile {
	case "structured", "console":
	default:
		add("logging.profile", "must be structured or console, got %q", c.Logging.Profile)
	}

	return errors.Join(errs...)
}

// EnvName returns the environment variable that sets key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
