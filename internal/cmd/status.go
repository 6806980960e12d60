package cmd

import (
	"context"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/output"
	"github.com/3leaps/jobwatch/pkg/sessionstore"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_type]",
	Short: "Show the last persisted status of jobs",
	Long: `Show the last status update persisted by "jobwatch run" for each job type.

Records are written as jobwatch.session.v1 JSONL. With --refresh the current
status of each job is fetched from the service and written as an update
record after its session record.

Examples:
  jobwatch status
  jobwatch status discover
  jobwatch status --pattern 'jobwatch/last-status/*'
  jobwatch status estimate_effect --refresh`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusPattern string
	statusRefresh bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusPattern, "pattern", "", "Doublestar pattern over store keys (default: all)")
	statusCmd.Flags().BoolVar(&statusRefresh, "refresh", false, "Fetch the current status from the service")
	statusCmd.Flags().String("store-backend", "", "Session store backend: file, sqlite, memory, s3")
	statusCmd.Flags().String("store-path", "", "Session store directory or database path")

	commandOverrideSources[statusCmd.Name()] = runOverrides
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	pattern := statusPattern
	var jobType jobstatus.JobType
	if len(args) == 1 {
		jobType, err = jobstatus.ParseJobType(args[0])
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid job type", err)
		}
		if pattern == "" {
			pattern = sessionstore.KeyFor(cfg.Poll.StoreKey, jobType)
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.List(ctx, pattern)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list sessions", err)
	}

	writer := output.NewJSONLWriter(cmd.OutOrStdout(), "", string(jobType))
	defer func() { _ = writer.Close() }()

	var refresh func(context.Context, jobstatus.JobType, string) (*jobstatus.Envelope, error)
	if statusRefresh {
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		refresh = client.Status
	}

	for _, e := range entries {
		u := e.Update
		if jobType != "" && u.JobType != jobType {
			continue
		}
		if err := writer.WriteSession(ctx, &output.SessionRecord{
			Key:        e.Key,
			JobID:      u.JobID,
			JobType:    string(u.JobType),
			UpdateID:   u.UpdateID,
			SavedAt:    u.SavedAt,
			Processing: u.Response.IsProcessing(),
			Envelope:   u.Response,
		}); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to write output", err)
		}

		if refresh == nil || u.JobID == "" {
			continue
		}
		env, err := refresh(ctx, u.JobType, u.JobID)
		if err != nil {
			observability.CLILogger.Warn("Failed to refresh job status",
				zap.String("job_type", string(u.JobType)),
				zap.String("job_id", u.JobID),
				zap.Error(err))
			_ = writer.WriteError(ctx, &output.ErrorRecord{
				Code:    errorCode(err),
				Message: err.Error(),
				JobID:   u.JobID,
				Details: map[string]any{"job_type": string(u.JobType)},
			})
			continue
		}
		if err := writer.WriteUpdate(ctx, &output.UpdateRecord{JobID: u.JobID, Envelope: env}); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to write output", err)
		}
	}

	observability.CLILogger.Debug("Listed sessions",
		zap.String("pattern", pattern),
		zap.Int("count", len(entries)))
	if len(entries) == 0 && len(args) == 1 {
		return exitError(foundry.ExitFileNotFound, "No session found",
			fmt.Errorf("nothing stored for job type %s", jobType))
	}
	return nil
}
