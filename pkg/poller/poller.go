// Package poller repeatedly fetches a remote job's status envelope until the
// job reaches a terminal status, the caller loses interest, or the poll is
// cancelled.
//
// Failure policy: a status fetch that cannot be completed is never returned
// as an error. After the configured attempts are exhausted the poller
// substitutes jobstatus.FailureEnvelope, delivers it like any other tick and
// stops. The only error Poll returns is the caller's own cancellation.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/sessionstore"
)

// DefaultInterval is the delay between status fetches after the first one.
const DefaultInterval = 10 * time.Second

// ErrTimeout is the cancellation cause recorded when Config.Timeout elapses.
var ErrTimeout = errors.New("poll timeout exceeded")

// Fetcher returns the current status envelope of a job.
//
// Implementations must honour ctx cancellation; pkg/remote.Client satisfies it.
type Fetcher interface {
	Status(ctx context.Context, jobType jobstatus.JobType, jobID string) (*jobstatus.Envelope, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, jobType jobstatus.JobType, jobID string) (*jobstatus.Envelope, error)

func (f FetcherFunc) Status(ctx context.Context, jobType jobstatus.JobType, jobID string) (*jobstatus.Envelope, error) {
	return f(ctx, jobType, jobID)
}

// RetryPolicy controls how a single tick reacts to a failed fetch.
type RetryPolicy struct {
	// MaxAttempts is the number of fetch attempts per tick.
	// Default: 1 (a failed fetch ends the poll)
	MaxAttempts int

	// Backoff is the delay before attempt i+2. The last entry repeats.
	// Empty means retry immediately.
	Backoff []time.Duration

	// Retryable filters which errors are retried. Nil retries every error.
	Retryable func(error) bool
}

// Config configures a Poller.
type Config struct {
	// Interval is the delay between fetches. The first fetch is immediate.
	// Default: 10s
	Interval time.Duration

	Retry RetryPolicy

	// Timeout is a hard ceiling on a whole Poll call. When it elapses the
	// poll ends with a synthesized failure envelope.
	// Zero means no ceiling.
	Timeout time.Duration

	// MaxPolls caps the number of ticks. When reached, Poll returns the
	// last (possibly non-terminal) envelope.
	// Zero means unlimited.
	MaxPolls int

	// RateLimit is the maximum fetches per second across all polls sharing
	// this Poller. Zero means unlimited.
	RateLimit float64

	// StoreKey is the key prefix for persisted updates; the job type is
	// appended. Default: sessionstore.DefaultKey
	StoreKey string
}

// DefaultConfig returns the default poll configuration: 10s interval, no
// retry, no timeout.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Retry:    RetryPolicy{MaxAttempts: 1},
		StoreKey: sessionstore.DefaultKey,
	}
}

// Request describes one Poll call.
type Request struct {
	JobType jobstatus.JobType
	JobID   string

	// IsActive is consulted before every tick after the first. Returning
	// false ends the poll with the last envelope. Nil means always active.
	IsActive func() bool

	// IsViewing reports that the caller is already showing live results,
	// in which case the tick is not persisted. Nil means never viewing.
	IsViewing func() bool

	// OnUpdate is invoked for every tick, including the final one.
	OnUpdate func(jobID string, env *jobstatus.Envelope)

	// Deliver, when set, runs each tick's persistence and OnUpdate. The
	// caller may serialize emit with its own state or skip it entirely
	// (for example once it considers the poll cancelled). Nil runs emit
	// directly.
	Deliver func(emit func())
}

func (r Request) active() bool {
	return r.IsActive == nil || r.IsActive()
}

func (r Request) viewing() bool {
	return r.IsViewing != nil && r.IsViewing()
}

// Poller drives status polling for any number of jobs.
//
// A Poller is safe for concurrent use; each Poll call runs its own loop.
type Poller struct {
	fetcher Fetcher
	store   sessionstore.Store
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a poller. Zero config fields take their defaults.
//
// Use WithStore and WithLogger to attach optional collaborators.
func New(f Fetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if strings.TrimSpace(cfg.StoreKey) == "" {
		cfg.StoreKey = sessionstore.DefaultKey
	}

	p := &Poller{
		fetcher: f,
		config:  cfg,
		logger:  zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return p
}

// WithStore persists every tick to s. Returns the poller for chaining.
func (p *Poller) WithStore(s sessionstore.Store) *Poller {
	p.store = s
	return p
}

// WithLogger sets the logger. Returns the poller for chaining.
func (p *Poller) WithLogger(l *zap.Logger) *Poller {
	if l != nil {
		p.logger = l
	}
	return p
}

// Config returns the effective configuration.
func (p *Poller) Config() Config {
	return p.config
}

// Poll fetches the job's status immediately and then every Interval while
// the status is processing and req.IsActive holds. It returns the last
// envelope delivered.
//
// ctx is checked at every suspension point. Once its cancellation is
// observed nothing further is delivered or persisted and Poll returns the
// last delivered envelope (possibly nil) together with ctx.Err().
func (p *Poller) Poll(ctx context.Context, req Request) (*jobstatus.Envelope, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, p.config.Timeout, ErrTimeout)
		defer cancel()
	}

	log := p.logger.With(
		zap.String("job_type", req.JobType.String()),
		zap.String("job_id", req.JobID))

	var (
		last         *jobstatus.Envelope
		lastProgress float64
	)

	for polls := 0; ; polls++ {
		if polls > 0 {
			if !last.IsProcessing() {
				log.Debug("Poll finished", zap.String("status", string(last.Status)), zap.Int("polls", polls))
				return last, nil
			}
			if !req.active() {
				log.Debug("Poll stopped by activity predicate", zap.Int("polls", polls))
				return last, nil
			}
			if p.config.MaxPolls > 0 && polls >= p.config.MaxPolls {
				log.Warn("Poll stopped at max polls", zap.Int("max_polls", p.config.MaxPolls))
				return last, nil
			}
			if err := sleep(ctx, p.config.Interval); err != nil {
				return p.interrupted(ctx, req, last, log)
			}
			if !req.active() {
				log.Debug("Poll stopped by activity predicate", zap.Int("polls", polls))
				return last, nil
			}
		}

		env, err := p.fetch(ctx, req, log)
		if ctx.Err() != nil {
			return p.interrupted(ctx, req, last, log)
		}
		if err != nil {
			log.Warn("Status fetch failed; treating job as failed", zap.Error(err))
			env = jobstatus.FailureEnvelope(req.JobID)
		}

		env, lastProgress = carryProgress(env, lastProgress)
		if env.JobID == "" {
			env.JobID = req.JobID
		}

		p.deliver(ctx, req, env, log)
		last = env
	}
}

// interrupted handles an observed ctx cancellation. A Config.Timeout expiry
// is reported through the normal channel as a failure envelope; anything
// else is the caller's cancellation and suppresses delivery.
func (p *Poller) interrupted(ctx context.Context, req Request, last *jobstatus.Envelope, log *zap.Logger) (*jobstatus.Envelope, error) {
	if errors.Is(context.Cause(ctx), ErrTimeout) {
		log.Warn("Poll timed out; treating job as failed", zap.Duration("timeout", p.config.Timeout))
		env := jobstatus.FailureEnvelope(req.JobID)
		p.deliver(context.WithoutCancel(ctx), req, env, log)
		return env, nil
	}
	log.Debug("Poll cancelled")
	return last, ctx.Err()
}

func (p *Poller) fetch(ctx context.Context, req Request, log *zap.Logger) (*jobstatus.Envelope, error) {
	var lastErr error
	for attempt := 1; attempt <= p.config.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		env, err := p.fetcher.Status(ctx, req.JobType, req.JobID)
		if err == nil && env == nil {
			err = fmt.Errorf("empty status response")
		}
		if err == nil {
			return env, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		if p.config.Retry.Retryable != nil && !p.config.Retry.Retryable(err) {
			break
		}
		if attempt < p.config.Retry.MaxAttempts {
			log.Debug("Status fetch failed; retrying", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return nil, lastErr
}

// backoff returns the delay before retry number n (1-based).
func (p *Poller) backoff(n int) time.Duration {
	b := p.config.Retry.Backoff
	if len(b) == 0 {
		return 0
	}
	if n > len(b) {
		return b[len(b)-1]
	}
	return b[n-1]
}

func (p *Poller) deliver(ctx context.Context, req Request, env *jobstatus.Envelope, log *zap.Logger) {
	emit := func() {
		if p.store != nil && !req.viewing() {
			key := sessionstore.KeyFor(p.config.StoreKey, req.JobType)
			u := sessionstore.NewUpdate(req.JobType, req.JobID, env)
			if err := p.store.Put(context.WithoutCancel(ctx), key, u); err != nil {
				log.Warn("Failed to persist status update", zap.String("key", key), zap.Error(err))
			}
		}
		if req.OnUpdate != nil {
			req.OnUpdate(req.JobID, env)
		}
	}
	if req.Deliver != nil {
		req.Deliver(emit)
		return
	}
	emit()
}

// carryProgress keeps reported progress monotonic across ticks. The
// returned envelope is a copy when it had to be adjusted.
func carryProgress(env *jobstatus.Envelope, last float64) (*jobstatus.Envelope, float64) {
	if env.Progress == nil {
		return env, last
	}
	if *env.Progress >= last {
		return env, *env.Progress
	}
	c := env.Clone()
	*c.Progress = last
	return c, last
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
