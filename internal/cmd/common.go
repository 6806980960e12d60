package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/output"
	"github.com/3leaps/jobwatch/pkg/poller"
	"github.com/3leaps/jobwatch/pkg/remote"
	"github.com/3leaps/jobwatch/pkg/sessionstore"
)

// currentConfig returns the config loaded by the root command, loading
// defaults when a command runs without it (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	return config.Load(ctx)
}

func newClient(cfg *config.Config) (*remote.Client, error) {
	c, err := remote.New(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   cfg.Remote.Timeout,
		RateLimit: cfg.Remote.RateLimit,
	}, observability.CLILogger)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid remote configuration", err)
	}
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config) (sessionstore.Store, error) {
	store, err := sessionstore.Open(ctx, sessionstore.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		S3: sessionstore.S3Config{
			Bucket:         cfg.Store.S3.Bucket,
			Prefix:         cfg.Store.S3.Prefix,
			Region:         cfg.Store.S3.Region,
			Endpoint:       cfg.Store.S3.Endpoint,
			Profile:        cfg.Store.S3.Profile,
			ForcePathStyle: cfg.Store.S3.ForcePathStyle,
		},
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open session store", err)
	}
	return store, nil
}

func pollConfig(cfg *config.Config) poller.Config {
	pc := poller.DefaultConfig()
	pc.Interval = cfg.Poll.Interval
	pc.Timeout = cfg.Poll.Timeout
	pc.MaxPolls = cfg.Poll.MaxPolls
	pc.StoreKey = cfg.Poll.StoreKey
	pc.Retry = poller.RetryPolicy{
		MaxAttempts: cfg.Poll.Retry.MaxAttempts,
		Backoff:     cfg.Poll.Retry.Backoff,
		Retryable:   remote.IsRetryable,
	}
	return pc
}

// openOutput returns the JSONL destination. "-" and "" mean stdout.
func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, f.Close, nil
}

// loadParams builds job parameters from an optional YAML/JSON file ("-"
// reads stdin) and key=value overrides. Override values are parsed as YAML
// scalars, so "3" becomes an int and "true" a bool. Dotted keys nest.
func loadParams(path string, pairs []string, stdin io.Reader) (map[string]any, error) {
	params := map[string]any{}

	if path = strings.TrimSpace(path); path != "" {
		var data []byte
		var err error
		if path == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(path)
		}
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := yaml.Unmarshal(data, &params); err != nil {
				return nil, fmt.Errorf("parse params: %w", err)
			}
		}
		if params == nil {
			params = map[string]any{}
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		setParam(params, strings.Split(key, "."), value)
	}
	return params, nil
}

func setParam(m map[string]any, path []string, value any) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[path[0]] = child
	}
	setParam(child, path[1:], value)
}

// errorCode maps an error to an ErrorRecord code.
func errorCode(err error) string {
	switch {
	case remote.IsNotFound(err):
		return output.ErrCodeNotFound
	case remote.IsThrottled(err):
		return output.ErrCodeThrottled
	case remote.IsUnavailable(err):
		return output.ErrCodeUnavailable
	case errors.Is(err, remote.ErrInvalidRequest):
		return output.ErrCodeInvalidRequest
	case errors.Is(err, context.DeadlineExceeded):
		return output.ErrCodeTimeout
	default:
		return output.ErrCodeInternal
	}
}

// remoteExitCode maps a remote failure to a process exit code.
func remoteExitCode(err error) int {
	switch {
	case remote.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return foundry.ExitExternalServiceUnavailable
	case remote.IsNotFound(err):
		return foundry.ExitFileNotFound
	default:
		return foundry.ExitInvalidArgument
	}
}
