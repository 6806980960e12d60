package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/observability"
	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/orchestrator"
	"github.com/3leaps/jobwatch/pkg/output"
)

var runCmd = &cobra.Command{
	Use:   "run <job_type>",
	Short: "Start a job and poll it until it finishes",
	Long: `Start a job on the remote service and poll its status until it reaches a
terminal state. Lifecycle records are written as JSONL.

Job types: estimate_effect, significance_test, confidence_interval, discover,
shap_interpreter, refute_estimate.

SIGINT/SIGTERM cancel the run. SIGHUP re-reads --params and restarts the job
with the new parameters; records of the replaced run stop immediately.

Examples:
  jobwatch run estimate_effect --params params.yaml
  jobwatch run discover --param method=pc --param alpha=0.05
  cat params.json | jobwatch run significance_test --params - --output run.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runParamsFile   string
	runParams       []string
	runOutput       string
	runRemoteCancel bool
	runNoPersist    bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runParamsFile, "params", "p", "", "Job parameters file (YAML or JSON, - for stdin)")
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "Job parameter key=value (repeatable, dotted keys nest)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Write JSONL records to file (default stdout)")
	runCmd.Flags().BoolVar(&runRemoteCancel, "remote-cancel", false, "Cancel the remote job when the run is cancelled")
	runCmd.Flags().BoolVar(&runNoPersist, "no-persist", false, "Do not persist poll updates to the session store")
	runCmd.Flags().Duration("interval", 0, "Poll interval (overrides poll.interval)")
	runCmd.Flags().Duration("timeout", 0, "Give up polling after this long (overrides poll.timeout)")
	runCmd.Flags().Int("max-polls", 0, "Stop after this many polls (overrides poll.max_polls)")
	runCmd.Flags().String("store-backend", "", "Session store backend: file, sqlite, memory, s3")
	runCmd.Flags().String("store-path", "", "Session store directory or database path")

	commandOverrideSources[runCmd.Name()] = runOverrides
}

func runOverrides(cmd *cobra.Command) map[string]any {
	flags := cmd.Flags()
	poll := map[string]any{}
	store := map[string]any{}
	if flags.Changed("interval") {
		d, _ := flags.GetDuration("interval")
		poll["interval"] = d.String()
	}
	if flags.Changed("timeout") {
		d, _ := flags.GetDuration("timeout")
		poll["timeout"] = d.String()
	}
	if flags.Changed("max-polls") {
		n, _ := flags.GetInt("max-polls")
		poll["max_polls"] = n
	}
	if flags.Changed("store-backend") {
		s, _ := flags.GetString("store-backend")
		store["backend"] = s
	}
	if flags.Changed("store-path") {
		s, _ := flags.GetString("store-path")
		store["path"] = s
	}

	out := map[string]any{}
	if len(poll) > 0 {
		out["poll"] = poll
	}
	if len(store) > 0 {
		out["store"] = store
	}
	return out
}

// runSession turns orchestrator callbacks into JSONL records.
type runSession struct {
	ctx     context.Context
	out     *output.JSONLWriter
	baseURL string

	// reason is reported in cancel records.
	reason atomic.Value

	// interrupted reports that a signal ended the run.
	interrupted func() bool

	failed atomic.Bool
}

func newRunSession(ctx context.Context, out *output.JSONLWriter, baseURL string) *runSession {
	s := &runSession{ctx: context.WithoutCancel(ctx), out: out, baseURL: baseURL}
	s.reason.Store("cancelled")
	return s
}

func (s *runSession) callbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnStart: func(h orchestrator.Handle) {
			s.write(s.out.WithRun(h.RunID.String()).WriteStart(s.ctx, &output.StartRecord{
				JobID:   h.JobID,
				BaseURL: s.baseURL,
			}))
		},
		OnUpdate: func(h orchestrator.Handle, env *jobstatus.Envelope) {
			s.write(s.out.WithRun(h.RunID.String()).WriteUpdate(s.ctx, &output.UpdateRecord{
				JobID:    h.JobID,
				Envelope: env,
			}))
		},
		OnComplete: func(h orchestrator.Handle, env *jobstatus.Envelope) {
			state := orchestrator.StateFor(env.Status)
			if state == orchestrator.StateFailed {
				s.failed.Store(true)
			}
			s.write(s.out.WithRun(h.RunID.String()).WriteComplete(s.ctx, &output.UpdateRecord{
				JobID:    h.JobID,
				Envelope: env,
				State:    string(state),
			}))
		},
		OnCancel: func(h orchestrator.Handle) {
			reason, _ := s.reason.Load().(string)
			if reason == "cancelled" && s.interrupted != nil && s.interrupted() {
				reason = "interrupted"
			}
			s.write(s.out.WithRun(h.RunID.String()).WriteCancel(s.ctx, &output.CancelRecord{
				JobID:  h.JobID,
				Reason: reason,
			}))
		},
	}
}

func (s *runSession) write(err error) {
	if err != nil {
		observability.CLILogger.Warn("Failed to write record", zap.Error(err))
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	jobType, err := jobstatus.ParseJobType(args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job type", err)
	}

	params, err := loadParams(runParamsFile, runParams, cmd.InOrStdin())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid job parameters", err)
	}

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	opts := orchestrator.Options{
		Poll:         pollConfig(cfg),
		RemoteCancel: runRemoteCancel,
		Logger:       observability.CLILogger,
	}
	if !runNoPersist {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		opts.Store = store
	}

	dst, closeOutput, err := openOutput(runOutput, cmd.OutOrStdout())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid output destination", err)
	}
	writer := output.NewJSONLWriter(dst, "", string(jobType))
	defer func() {
		_ = writer.Close()
		_ = closeOutput()
	}()

	session := newRunSession(ctx, writer, client.BaseURL())
	registry := orchestrator.NewRegistry(orchestrator.NewFactory(client, opts))
	orch := registry.Get(jobType, session.callbacks())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	session.interrupted = func() bool { return sigCtx.Err() != nil }
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	observability.CLILogger.Info("Starting job",
		zap.String("job_type", jobType.String()),
		zap.String("base_url", client.BaseURL()))

	run := orch.Run(sigCtx, params)
	for {
		select {
		case <-run.Done():
			return finishRun(ctx, run, writer, session)

		case <-reload:
			next, err := loadParams(runParamsFile, runParams, cmd.InOrStdin())
			if err != nil {
				observability.CLILogger.Warn("Ignoring reload with invalid parameters", zap.Error(err))
				continue
			}
			session.reason.Store("preempted")
			observability.CLILogger.Info("Restarting job with reloaded parameters",
				zap.String("previous_run_id", run.Metadata().RunID.String()))
			run, err = orch.Preempt(sigCtx, next)
			session.reason.Store("cancelled")
			if err != nil {
				observability.CLILogger.Warn("Previous run did not stop cleanly", zap.Error(err))
			}
		}
	}
}

// finishRun reports the outcome of the last run and maps it to an exit code.
func finishRun(ctx context.Context, run *orchestrator.Run, writer *output.JSONLWriter, session *runSession) error {
	env, err := run.Wait(context.WithoutCancel(ctx))
	meta := run.Metadata()
	log := observability.CLILogger.With(
		zap.String("run_id", meta.RunID.String()),
		zap.String("job_id", meta.JobID))

	switch {
	case errors.Is(err, orchestrator.ErrRunCancelled):
		// Let --remote-cancel finish before the process exits.
		<-run.Drained()
		log.Info("Run cancelled")
		return exitError(foundry.ExitSignalInt, "Run cancelled", err)

	case errors.Is(err, orchestrator.ErrPollStopped):
		if env != nil {
			log = log.With(zap.String("status", string(env.Status)))
		}
		log.Warn("Polling stopped before the job finished")
		return exitError(foundry.ExitExternalServiceUnavailable, "Job still running", err)

	case err != nil:
		log.Error("Failed to start job", zap.Error(err))
		session.write(writer.WithRun(meta.RunID.String()).WriteError(context.WithoutCancel(ctx), &output.ErrorRecord{
			Code:    errorCode(err),
			Message: err.Error(),
		}))
		return exitError(remoteExitCode(err), "Failed to start job", err)
	}

	log.Info("Job finished", zap.String("status", string(env.Status)), zap.String("state", string(run.State())))
	if session.failed.Load() {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job failed",
			errors.New("job finished with status "+string(env.Status)))
	}
	return nil
}
