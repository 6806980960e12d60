package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/config"
	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/remote"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, the job service and the session
store, and suggest fixes for common issues.

Examples:
  jobwatch doctor
  jobwatch doctor --base-url http://localhost:8081/api`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

// doctorProbeTimeout bounds each network check.
const doctorProbeTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().String("store-backend", "", "Session store backend: file, sqlite, memory, s3")
	doctorCmd.Flags().String("store-path", "", "Session store directory or database path")

	commandOverrideSources[doctorCmd.Name()] = runOverrides
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := observability.CLILogger

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	totalChecks := 4
	if cfg.Store.Backend == config.BackendS3 {
		totalChecks = 5
	}
	checkNum := 1
	allChecks := true

	goVersion := runtime.Version()
	log.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))
	checkNum++

	if configDir, err := os.UserConfigDir(); err != nil {
		log.Warn(fmt.Sprintf("[%d/%d] Checking config directory... ⚠️  not found", checkNum, totalChecks), zap.Error(err))
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	if err := checkService(ctx, cfg); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking job service... ❌ %s", checkNum, totalChecks, cfg.Remote.BaseURL), zap.Error(err))
		log.Info("  Start a local simulator with 'jobwatch serve' or set --base-url / JOBWATCH_REMOTE_BASE_URL")
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking job service... ✅ %s", checkNum, totalChecks, cfg.Remote.BaseURL))
	}
	checkNum++

	if cfg.Store.Backend == config.BackendS3 {
		if err := checkAWSCredentials(ctx, cfg.Store.S3.Profile); err != nil {
			log.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌", checkNum, totalChecks), zap.Error(err))
			printAWSCredentialsHelp()
			allChecks = false
		} else {
			log.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅", checkNum, totalChecks))
		}
		checkNum++
	}

	if n, err := checkStore(ctx, cfg); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking session store... ❌ %s", checkNum, totalChecks, cfg.Store.Backend), zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking session store... ✅ %s (%d sessions)", checkNum, totalChecks, cfg.Store.Backend, n),
			zap.String("path", cfg.Store.Path))
	}

	if !allChecks {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("one or more checks failed"))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	return nil
}

// checkService asks the service for a job that cannot exist. A not-found
// answer proves the service is reachable and speaks the API.
func checkService(ctx context.Context, cfg *config.Config) error {
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()

	_, err = client.Status(ctx, jobstatus.JobTypeEstimator, "jobwatch-doctor-probe")
	if err == nil || remote.IsNotFound(err) {
		return nil
	}
	return err
}

func checkStore(ctx context.Context, cfg *config.Config) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func checkAWSCredentials(ctx context.Context, profile string) error {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve credentials: %w", err)
	}
	observability.CLILogger.Debug("Found AWS credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	return nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("To configure AWS credentials for the s3 session store:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	log.Info("  2. Set store.s3.profile to a configured profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("For S3-compatible storage also set store.s3.endpoint and store.s3.force_path_style.")
}
