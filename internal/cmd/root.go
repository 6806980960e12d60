// Package cmd implements the jobwatch command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/internal/observability"
)

// VersionInfo is stamped at build time.
type VersionInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = VersionInfo{Version: "dev", Commit: "HEAD", BuildDate: "unknown"}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity names the binary and its configuration surface.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity set during root command setup, or nil.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var (
	cfgFile  string
	verbose  bool
	logLevel string
	baseURL  string

	// appConfig is loaded in PersistentPreRunE.
	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jobwatch",
	Short: "Start, poll and cancel remote analysis jobs",
	Long: `jobwatch starts long-running jobs on a remote analysis service, polls their
status until they finish and streams lifecycle records as JSONL.

Configuration is read from jobwatch.yaml (or --config), JOBWATCH_* environment
variables and flags, in increasing order of precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	appIdentity = &AppIdentity{
		BinaryName: config.AppName,
		EnvPrefix:  config.EnvPrefix,
		ConfigName: config.AppName,
	}
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: <user config dir>/jobwatch/jobwatch.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Job service base URL")
}

// setDefaults registers config defaults on the global viper instance so
// they are visible to commands that read viper directly.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	config.SetConfigFile(cfgFile)
	overrides := map[string]any{}
	if baseURL != "" {
		overrides["remote"] = map[string]any{"base_url": baseURL}
	}
	switch {
	case logLevel != "":
		overrides["logging"] = map[string]any{"level": logLevel}
	case verbose:
		overrides["logging"] = map[string]any{"level": "debug"}
	}
	mergeOverrides(overrides, commandOverrides(cmd))

	cfg, err := config.Load(ctx, overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	profile := cfg.Logging.Profile
	if verbose {
		profile = observability.ProfileConsole
	}
	if err := observability.Configure(config.AppName, cfg.Logging.Level, profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("base_url", cfg.Remote.BaseURL),
		zap.String("store_backend", cfg.Store.Backend))
	return nil
}

// overrideSource is implemented by commands that turn their flags into
// config overrides.
type overrideSource func(cmd *cobra.Command) map[string]any

var commandOverrideSources = map[string]overrideSource{}

func commandOverrides(cmd *cobra.Command) map[string]any {
	if src, ok := commandOverrideSources[cmd.Name()]; ok {
		return src(cmd)
	}
	return nil
}

func mergeOverrides(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				mergeOverrides(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// Execute runs the root command and exits with the mapped code on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ExitWithCode(observability.CLILogger, exitCodeOf(err), "Command failed", err)
	}
}

// ExitWithCode logs err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
		_ = logger.Sync()
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(code)
}

// cliError carries an exit code through cobra.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

func exitCodeOf(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return foundry.ExitInvalidArgument
}
