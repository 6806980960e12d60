package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local job service simulator",
	Long: `Run an HTTP server that implements the job service API with simulated jobs.
Each job reports pending, then started with rising progress, then success
after --steps status polls.

Send {"fail": true} as the start body to make a job fail, or {"steps": n}
to override the step count.

Example:
  jobwatch serve --port 8081 --steps 5
  jobwatch run estimate_effect --base-url http://localhost:8081/api`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().Int("steps", 0, "Polls until a simulated job finishes (overrides server.steps)")

	commandOverrideSources[serveCmd.Name()] = serveOverrides
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	flags := cmd.Flags()
	srv := map[string]any{}
	if flags.Changed("host") {
		s, _ := flags.GetString("host")
		srv["host"] = s
	}
	if flags.Changed("port") {
		n, _ := flags.GetInt("port")
		srv["port"] = n
	}
	if flags.Changed("steps") {
		n, _ := flags.GetInt("steps")
		srv["steps"] = n
	}
	if len(srv) == 0 {
		return nil
	}
	return map[string]any{"server": srv}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Options{
		Steps:   cfg.Server.Steps,
		MaxJobs: cfg.Server.MaxJobs,
		Version: versionInfo.Version,
		Logger:  observability.CLILogger,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	observability.CLILogger.Info("Starting job service simulator",
		zap.String("addr", srv.Addr()),
		zap.Int("steps", cfg.Server.Steps))

	if err := srv.Start(sigCtx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	observability.CLILogger.Info("Server stopped")
	return nil
}
