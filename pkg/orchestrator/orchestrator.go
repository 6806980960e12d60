// Package orchestrator drives remote jobs through their lifecycle: start,
// poll until terminal, and report progress through caller-supplied
// callbacks.
//
// An Orchestrator exists per job type and owns at most one current Run.
// Registry caches one Orchestrator per job type. Preempt replaces the
// current Run with a new one without leaving a window in which neither is
// current.
//
// Callback rules:
//   - Callbacks of one Orchestrator never overlap; they are serialized under
//     a single mutex.
//   - Once a Run is cancelled none of its OnUpdate or OnComplete callbacks
//     run, even if an in-flight fetch resolves afterwards.
//   - Callbacks must not call back into the same Orchestrator or its Runs
//     synchronously. Hand the work to another goroutine instead.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/poller"
	"github.com/3leaps/jobwatch/pkg/sessionstore"
)

// API is the remote job service as seen by an Orchestrator.
// pkg/remote.Client satisfies it.
type API interface {
	Start(ctx context.Context, jobType jobstatus.JobType, params any) (string, error)
	Status(ctx context.Context, jobType jobstatus.JobType, jobID string) (*jobstatus.Envelope, error)
	Cancel(ctx context.Context, jobType jobstatus.JobType, jobID string) error
}

// Handle identifies one started job.
type Handle struct {
	JobType jobstatus.JobType
	JobID   string
	RunID   uuid.UUID
}

// Callbacks is the lifecycle callback set bound to an Orchestrator at
// construction. Nil callbacks are skipped.
type Callbacks struct {
	// OnStart runs once after the remote job was accepted.
	OnStart func(h Handle)

	// OnUpdate runs for every poll tick, including the final one.
	OnUpdate func(h Handle, env *jobstatus.Envelope)

	// OnComplete runs once with the terminal envelope. It receives
	// successful, remotely cancelled and failed jobs alike.
	OnComplete func(h Handle, env *jobstatus.Envelope)

	// OnCancel runs once when a Run is cancelled locally before it settled.
	OnCancel func(h Handle)
}

// Options configures an Orchestrator.
type Options struct {
	// Poll configures the status poller.
	Poll poller.Config

	// Store receives every poll tick. Nil disables persistence.
	Store sessionstore.Store

	// IsActive is consulted before every poll tick. Nil means always active.
	IsActive func() bool

	// IsViewing reports that live results are already on screen, which
	// skips persistence for that tick. Nil means never viewing.
	IsViewing func() bool

	// RemoteCancel issues a best-effort cancel request to the service after
	// a started Run is cancelled locally.
	RemoteCancel bool

	// RemoteCancelTimeout bounds the remote cancel request.
	// Default: 10s
	RemoteCancelTimeout time.Duration

	Logger *zap.Logger
}

const defaultRemoteCancelTimeout = 10 * time.Second

// Orchestrator starts and tracks jobs of one type.
type Orchestrator struct {
	jobType jobstatus.JobType
	api     API
	poller  *poller.Poller
	cb      Callbacks
	opts    Options
	logger  *zap.Logger

	// cbMu serializes callbacks and the cancellation checks guarding them.
	cbMu sync.Mutex

	mu      sync.Mutex
	current *Run
}

// New creates an Orchestrator for jobType.
func New(jobType jobstatus.JobType, api API, cb Callbacks, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RemoteCancelTimeout <= 0 {
		opts.RemoteCancelTimeout = defaultRemoteCancelTimeout
	}
	logger = logger.With(zap.String("job_type", jobType.String()))

	p := poller.New(api, opts.Poll).WithLogger(logger)
	if opts.Store != nil {
		p = p.WithStore(opts.Store)
	}

	return &Orchestrator{
		jobType: jobType,
		api:     api,
		poller:  p,
		cb:      cb,
		opts:    opts,
		logger:  logger,
	}
}

// JobType returns the job type this orchestrator runs.
func (o *Orchestrator) JobType() jobstatus.JobType {
	return o.jobType
}

// Current returns the current Run, or nil if none was started.
func (o *Orchestrator) Current() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Run starts a new job with params and makes it the current Run. A
// previously current Run keeps going; use Preempt to replace it.
//
// ctx bounds the Run's lifetime: cancelling it cancels the Run.
func (o *Orchestrator) Run(ctx context.Context, params any) *Run {
	r := newRun(ctx, o, params)

	o.mu.Lock()
	o.current = r
	o.mu.Unlock()

	go r.loop()
	return r
}

// Cancel cancels the current Run, if any, and waits for it to stop.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	r := o.Current()
	if r == nil {
		return nil
	}
	return r.Cancel(ctx)
}

// dispatch runs fn under the callback mutex unless r was cancelled.
// Reports whether fn ran.
func (o *Orchestrator) dispatch(r *Run, fn func()) bool {
	o.cbMu.Lock()
	defer o.cbMu.Unlock()

	if r.isCancelled() {
		return false
	}
	fn()
	return true
}
