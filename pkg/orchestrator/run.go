package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/poller"
)

// State is the lifecycle state of a Run.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// IsTerminal reports whether s is absorbing.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

var (
	// ErrRunCancelled is returned by Wait for a Run cancelled locally
	// before it settled.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrPollStopped is returned by Wait when polling ended before the job
	// reached a terminal status (activity predicate or max polls).
	ErrPollStopped = errors.New("polling stopped before job finished")
)

// Metadata describes a Run.
type Metadata struct {
	JobType jobstatus.JobType
	// JobID is empty until the service accepted the job.
	JobID     string
	RunID     uuid.UUID
	StartedAt time.Time
}

// Run is one start-and-poll lifecycle. It is owned by whoever requested it;
// the Registry never holds Runs.
type Run struct {
	o      *Orchestrator
	params any

	runID     uuid.UUID
	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelCauseFunc
	done    chan struct{}
	drained chan struct{}

	mu        sync.Mutex
	state     State
	jobID     string
	cancelled bool
	settled   bool
	result    *jobstatus.Envelope
	err       error
}

func newRun(ctx context.Context, o *Orchestrator, params any) *Run {
	rctx, cancel := context.WithCancelCause(ctx)
	return &Run{
		o:         o,
		params:    params,
		runID:     uuid.New(),
		startedAt: time.Now().UTC(),
		ctx:       rctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
		state:     StateIdle,
	}
}

// Metadata returns the run's identity.
func (r *Run) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Metadata{
		JobType:   r.o.jobType,
		JobID:     r.jobID,
		RunID:     r.runID,
		StartedAt: r.startedAt,
	}
}

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the run's goroutine has exited.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Drained is closed after Done, once the best-effort remote cancel request
// (Options.RemoteCancel) has finished. Without a remote cancel it closes
// together with Done.
func (r *Run) Drained() <-chan struct{} {
	return r.drained
}

// Wait blocks until the run settles or ctx ends.
//
// It returns the terminal envelope with a nil error for completed,
// remotely cancelled and failed jobs. A start failure returns the start
// error. A local cancellation returns the last delivered envelope (possibly
// nil) with ErrRunCancelled.
func (r *Run) Wait(ctx context.Context) (*jobstatus.Envelope, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// BeginCancel cancels the run without waiting. OnCancel is invoked before
// BeginCancel returns, unless the run had already settled. The returned
// channel is closed once the run's goroutine exited.
//
// BeginCancel waits for a callback or status save already in progress on
// this Orchestrator. It is idempotent.
func (r *Run) BeginCancel() <-chan struct{} {
	r.markCancelled()
	r.cancel(ErrRunCancelled)
	return r.done
}

// Cancel cancels the run and waits until its goroutine exited or ctx ends.
func (r *Run) Cancel(ctx context.Context) error {
	done := r.BeginCancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Run) handle() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Handle{JobType: r.o.jobType, JobID: r.jobID, RunID: r.runID}
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.IsTerminal() {
		r.state = s
	}
}

// markCancelled flips the cancelled flag and fires OnCancel once. A run
// that already settled is left alone.
func (r *Run) markCancelled() {
	o := r.o
	o.cbMu.Lock()
	defer o.cbMu.Unlock()

	r.mu.Lock()
	if r.cancelled || r.settled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.state = StateCancelled
	h := Handle{JobType: o.jobType, JobID: r.jobID, RunID: r.runID}
	r.mu.Unlock()

	o.logger.Debug("Run cancelled", zap.String("run_id", h.RunID.String()), zap.String("job_id", h.JobID))
	if o.cb.OnCancel != nil {
		o.cb.OnCancel(h)
	}
}

func (r *Run) loop() {
	o := r.o
	log := o.logger.With(zap.String("run_id", r.runID.String()))

	// remoteJobID is set when the run ends in a local cancellation that
	// should be propagated to the service. The request is issued after done
	// closes so waiters are not held up by it.
	var remoteJobID string
	defer func() {
		r.cancel(nil)
		close(r.done)
		if remoteJobID != "" {
			r.cancelRemote(remoteJobID, log)
		}
		close(r.drained)
	}()

	r.setState(StateStarting)
	jobID, err := o.api.Start(r.ctx, o.jobType, r.params)
	if err != nil {
		if r.ctx.Err() != nil {
			remoteJobID = r.finishCancelled(nil)
			return
		}
		log.Warn("Job start failed", zap.Error(err))
		r.finish(StateFailed, nil, err)
		return
	}

	r.mu.Lock()
	r.jobID = jobID
	r.mu.Unlock()
	log = log.With(zap.String("job_id", jobID))
	log.Info("Job started")

	h := r.handle()
	started := o.dispatch(r, func() {
		r.setState(StatePolling)
		if o.cb.OnStart != nil {
			o.cb.OnStart(h)
		}
	})
	if !started {
		remoteJobID = r.finishCancelled(nil)
		return
	}

	env, err := o.poller.Poll(r.ctx, poller.Request{
		JobType:   o.jobType,
		JobID:     jobID,
		IsActive:  r.isActive,
		IsViewing: o.opts.IsViewing,
		// Persistence and OnUpdate run under the callback mutex, so a
		// cancelled run can no longer write its stale status over the one
		// of the run that replaced it.
		Deliver: func(emit func()) { o.dispatch(r, emit) },
		OnUpdate: func(_ string, env *jobstatus.Envelope) {
			if o.cb.OnUpdate != nil {
				o.cb.OnUpdate(h, env)
			}
		},
	})
	if err != nil || r.isCancelled() {
		remoteJobID = r.finishCancelled(env)
		return
	}

	if env.IsProcessing() {
		log.Info("Polling stopped before job finished", zap.String("status", string(env.Status)))
		r.finish(StateCancelled, env, ErrPollStopped)
		return
	}

	remoteJobID = r.settle(h, env, log)
}

func (r *Run) isActive() bool {
	if r.isCancelled() {
		return false
	}
	return r.o.opts.IsActive == nil || r.o.opts.IsActive()
}

// settle records a terminal envelope and fires OnComplete, unless the run
// was cancelled in the meantime. It returns the job id to cancel remotely,
// if any.
func (r *Run) settle(h Handle, env *jobstatus.Envelope, log *zap.Logger) string {
	o := r.o
	o.cbMu.Lock()

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		o.cbMu.Unlock()
		return r.finishCancelled(env)
	}
	r.settled = true
	r.state = StateFor(env.Status)
	r.result = env
	state := r.state
	r.mu.Unlock()

	log.Info("Job finished", zap.String("status", string(env.Status)), zap.String("state", string(state)))
	if o.cb.OnComplete != nil {
		o.cb.OnComplete(h, env)
	}
	o.cbMu.Unlock()
	return ""
}

// finishCancelled records a local cancellation. A cancellation that came
// from the caller's context rather than BeginCancel still fires OnCancel.
// It returns the job id to cancel remotely, or "".
func (r *Run) finishCancelled(last *jobstatus.Envelope) string {
	r.markCancelled()
	r.finish(StateCancelled, last, ErrRunCancelled)

	if !r.o.opts.RemoteCancel {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobID
}

func (r *Run) finish(s State, env *jobstatus.Envelope, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		s, err = StateCancelled, ErrRunCancelled
	}
	r.settled = true
	r.state = s
	r.result = env
	r.err = err
}

func (r *Run) cancelRemote(jobID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.o.opts.RemoteCancelTimeout)
	defer cancel()

	if err := r.o.api.Cancel(ctx, r.o.jobType, jobID); err != nil {
		log.Warn("Remote cancel failed", zap.Error(err))
		return
	}
	log.Info("Remote job cancelled")
}

// StateFor maps a terminal job status to the run state it settles in.
func StateFor(s jobstatus.Status) State {
	switch {
	case jobstatus.IsSuccess(s):
		return StateCompleted
	case jobstatus.IsCancelled(s):
		return StateCancelled
	default:
		return StateFailed
	}
}
