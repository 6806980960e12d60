package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_type> <job_id>",
	Short: "Cancel a job on the remote service",
	Long: `Ask the remote service to cancel a job. The job's next status poll reports
it as revoked.

Example:
  jobwatch cancel estimate_effect 3f6c1a52-3f0e-4d8e-9d0b-7d1e0c3b9a11`,
	Args: cobra.ExactArgs(2),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	jobType, err := jobstatus.ParseJobType(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job type", err)
	}
	jobID := strings.TrimSpace(args[1])
	if jobID == "" {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("job_id is required"))
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	if err := client.Cancel(ctx, jobType, jobID); err != nil {
		observability.CLILogger.Error("Failed to cancel job",
			zap.String("job_type", jobType.String()),
			zap.String("job_id", jobID),
			zap.Error(err))
		return exitError(remoteExitCode(err), "Failed to cancel job", err)
	}

	observability.CLILogger.Info("Job cancelled",
		zap.String("job_type", jobType.String()),
		zap.String("job_id", jobID))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cancelled=%s\n", jobID)
	return nil
}
