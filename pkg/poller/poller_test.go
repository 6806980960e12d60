package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/sessionstore"
)

var errTransport = errors.New("connection reset by peer")

// step is one scripted fetch result.
type step struct {
	status   jobstatus.Status
	progress *float64
	err      error
}

// scriptedFetcher replays steps in order; the last step repeats.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []step
	calls atomic.Int32
}

func (f *scriptedFetcher) Status(ctx context.Context, _ jobstatus.JobType, jobID string) (*jobstatus.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int(f.calls.Add(1)) - 1

	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.steps) {
		n = len(f.steps) - 1
	}
	s := f.steps[n]
	if s.err != nil {
		return nil, s.err
	}
	return &jobstatus.Envelope{JobID: jobID, Status: s.status, Progress: s.progress}, nil
}

func pct(v float64) *float64 { return &v }

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	return cfg
}

type recorder struct {
	mu      sync.Mutex
	updates []*jobstatus.Envelope
}

func (r *recorder) onUpdate(_ string, env *jobstatus.Envelope) {
	r.mu.Lock()
	r.updates = append(r.updates, env)
	r.mu.Unlock()
}

func (r *recorder) statuses() []jobstatus.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]jobstatus.Status, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func TestPoll_RunsUntilTerminal(t *testing.T) {
	f := &scriptedFetcher{steps: []step{
		{status: jobstatus.StatusPending},
		{status: jobstatus.StatusRunning},
		{status: jobstatus.StatusCompleted},
	}}
	rec := &recorder{}

	env, err := New(f, fastConfig()).Poll(context.Background(), Request{
		JobType:  jobstatus.JobTypeDiscovery,
		JobID:    "job-1",
		OnUpdate: rec.onUpdate,
	})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusCompleted, env.Status)
	assert.EqualValues(t, 3, f.calls.Load())
	assert.Equal(t, []jobstatus.Status{jobstatus.StatusPending, jobstatus.StatusRunning, jobstatus.StatusCompleted}, rec.statuses())
}

func TestPoll_TransportErrorIsTerminalFailure(t *testing.T) {
	f := &scriptedFetcher{steps: []step{
		{status: jobstatus.StatusRunning},
		{err: errTransport},
	}}
	rec := &recorder{}

	env, err := New(f, fastConfig()).Poll(context.Background(), Request{
		JobType:  jobstatus.JobTypeEstimator,
		JobID:    "job-1",
		OnUpdate: rec.onUpdate,
	})

	require.NoError(t, err)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.Equal(t, jobstatus.StatusFailure, env.Status)
	assert.Equal(t, "job-1", env.JobID)
	assert.Zero(t, env.Completed)
	assert.Zero(t, env.Pending)
	assert.Zero(t, env.Failed)
	assert.Equal(t, []jobstatus.Status{jobstatus.StatusRunning, jobstatus.StatusFailure}, rec.statuses())
}

func TestPoll_FirstFetchFailure(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{err: errTransport}}}

	env, err := New(f, fastConfig()).Poll(context.Background(), Request{JobType: jobstatus.JobTypeEstimator, JobID: "job-1"})

	require.NoError(t, err)
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, jobstatus.StatusFailure, env.Status)
}

func TestPoll_ActivityPredicateStopsLoop(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusRunning}}}
	var active atomic.Bool
	active.Store(true)
	rec := &recorder{}

	env, err := New(f, fastConfig()).Poll(context.Background(), Request{
		JobType:  jobstatus.JobTypeDiscovery,
		JobID:    "job-1",
		IsActive: active.Load,
		OnUpdate: func(jobID string, env *jobstatus.Envelope) {
			rec.onUpdate(jobID, env)
			if f.calls.Load() == 2 {
				active.Store(false)
			}
		},
	})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusRunning, env.Status)
	assert.EqualValues(t, 2, f.calls.Load())
	assert.Len(t, rec.statuses(), 2)
}

func TestPoll_InactiveFromStartStillFetchesOnce(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusPending}}}

	env, err := New(f, fastConfig()).Poll(context.Background(), Request{
		JobType:  jobstatus.JobTypeDiscovery,
		JobID:    "job-1",
		IsActive: func() bool { return false },
	})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusPending, env.Status)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestPoll_CancelDuringWaitSuppressesDelivery(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusRunning}}}
	cfg := fastConfig()
	cfg.Interval = time.Hour
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var env *jobstatus.Envelope
	var err error
	go func() {
		defer close(done)
		env, err = New(f, cfg).Poll(ctx, Request{JobType: jobstatus.JobTypeDiscovery, JobID: "job-1", OnUpdate: rec.onUpdate})
	}()

	require.Eventually(t, func() bool { return len(rec.statuses()) == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, env)
	assert.Equal(t, jobstatus.StatusRunning, env.Status)
	assert.Len(t, rec.statuses(), 1)
}

func TestPoll_CancelDuringFetchDropsLateResponse(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, _ jobstatus.JobType, jobID string) (*jobstatus.Envelope, error) {
		calls.Add(1)
		<-release
		// Simulates a transport that completes even though ctx was cancelled.
		return &jobstatus.Envelope{JobID: jobID, Status: jobstatus.StatusSuccess}, nil
	})
	rec := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = New(f, fastConfig()).Poll(ctx, Request{JobType: jobstatus.JobTypeDiscovery, JobID: "job-1", OnUpdate: rec.onUpdate})
	}()

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	close(release)
	<-done

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.statuses())
}

func TestPoll_RetryPolicy(t *testing.T) {
	f := &scriptedFetcher{steps: []step{
		{err: errTransport},
		{err: errTransport},
		{status: jobstatus.StatusSuccess},
	}}
	cfg := fastConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond}}

	env, err := New(f, cfg).Poll(context.Background(), Request{JobType: jobstatus.JobTypeEstimator, JobID: "job-1"})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusSuccess, env.Status)
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestPoll_RetryableFilter(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{err: errTransport}, {status: jobstatus.StatusSuccess}}}
	cfg := fastConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 5, Retryable: func(error) bool { return false }}

	env, err := New(f, cfg).Poll(context.Background(), Request{JobType: jobstatus.JobTypeEstimator, JobID: "job-1"})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusFailure, env.Status)
	assert.EqualValues(t, 1, f.calls.Load())
}

func TestPoll_TimeoutSynthesizesFailure(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusRunning}}}
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	rec := &recorder{}

	env, err := New(f, cfg).Poll(context.Background(), Request{JobType: jobstatus.JobTypeDiscovery, JobID: "job-1", OnUpdate: rec.onUpdate})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusFailure, env.Status)
	statuses := rec.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, jobstatus.StatusFailure, statuses[len(statuses)-1])
}

func TestPoll_MaxPolls(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusRunning}}}
	cfg := fastConfig()
	cfg.MaxPolls = 3

	env, err := New(f, cfg).Poll(context.Background(), Request{JobType: jobstatus.JobTypeDiscovery, JobID: "job-1"})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusRunning, env.Status)
	assert.EqualValues(t, 3, f.calls.Load())
}

func TestPoll_ProgressIsMonotonic(t *testing.T) {
	f := &scriptedFetcher{steps: []step{
		{status: jobstatus.StatusRunning, progress: pct(50)},
		{status: jobstatus.StatusRunning, progress: pct(30)},
		{status: jobstatus.StatusSuccess, progress: pct(100)},
	}}
	rec := &recorder{}

	_, err := New(f, fastConfig()).Poll(context.Background(), Request{JobType: jobstatus.JobTypeDiscovery, JobID: "job-1", OnUpdate: rec.onUpdate})
	require.NoError(t, err)

	require.Len(t, rec.updates, 3)
	assert.Equal(t, 50.0, rec.updates[0].ProgressValue())
	assert.Equal(t, 50.0, rec.updates[1].ProgressValue())
	assert.Equal(t, 100.0, rec.updates[2].ProgressValue())
}

func TestPoll_PersistsEveryTick(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusRunning}, {status: jobstatus.StatusSuccess}}}
	store := &countingStore{MemoryStore: sessionstore.NewMemoryStore()}

	_, err := New(f, fastConfig()).WithStore(store).Poll(context.Background(), Request{JobType: jobstatus.JobTypeSignificanceTest, JobID: "job-9"})
	require.NoError(t, err)

	assert.EqualValues(t, 2, store.puts.Load())
	u, err := store.Get(context.Background(), sessionstore.KeyFor("", jobstatus.JobTypeSignificanceTest))
	require.NoError(t, err)
	assert.Equal(t, "job-9", u.JobID)
	assert.Equal(t, jobstatus.JobTypeSignificanceTest, u.JobType)
	assert.NotEmpty(t, u.UpdateID)
	assert.Equal(t, jobstatus.StatusSuccess, u.Response.Status)
}

func TestPoll_PersistsSynthesizedFailure(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{err: errTransport}}}
	store := sessionstore.NewMemoryStore()

	_, err := New(f, fastConfig()).WithStore(store).Poll(context.Background(), Request{JobType: jobstatus.JobTypeDiscovery, JobID: "job-1"})
	require.NoError(t, err)

	u, err := store.Get(context.Background(), sessionstore.KeyFor("", jobstatus.JobTypeDiscovery))
	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusFailure, u.Response.Status)
}

func TestPoll_SkipsPersistenceWhileViewing(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusRunning}, {status: jobstatus.StatusSuccess}}}
	store := sessionstore.NewMemoryStore()

	_, err := New(f, fastConfig()).WithStore(store).Poll(context.Background(), Request{
		JobType:   jobstatus.JobTypeDiscovery,
		JobID:     "job-1",
		IsViewing: func() bool { return true },
	})
	require.NoError(t, err)
	assert.Zero(t, store.Len())
}

func TestPoll_DeliverGatesPersistenceAndUpdates(t *testing.T) {
	f := &scriptedFetcher{steps: []step{
		{status: jobstatus.StatusRunning},
		{status: jobstatus.StatusRunning},
		{status: jobstatus.StatusSuccess},
	}}
	store := sessionstore.NewMemoryStore()

	var mu sync.Mutex
	var delivered, updates int
	env, err := New(f, fastConfig()).WithStore(store).Poll(context.Background(), Request{
		JobType: jobstatus.JobTypeDiscovery,
		JobID:   "job-1",
		OnUpdate: func(string, *jobstatus.Envelope) {
			updates++
		},
		Deliver: func(emit func()) {
			mu.Lock()
			defer mu.Unlock()
			delivered++
			// Only the first tick is wanted.
			if delivered == 1 {
				emit()
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusSuccess, env.Status)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 1, updates)

	u, err := store.Get(context.Background(), sessionstore.KeyFor("", jobstatus.JobTypeDiscovery))
	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusRunning, u.Response.Status)
}

func TestPoll_StoreFailureDoesNotStopLoop(t *testing.T) {
	f := &scriptedFetcher{steps: []step{{status: jobstatus.StatusRunning}, {status: jobstatus.StatusSuccess}}}

	env, err := New(f, fastConfig()).WithStore(failingStore{}).Poll(context.Background(), Request{JobType: jobstatus.JobTypeDiscovery, JobID: "job-1"})

	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusSuccess, env.Status)
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestPoll_RequiresJobID(t *testing.T) {
	_, err := New(&scriptedFetcher{}, fastConfig()).Poll(context.Background(), Request{JobType: jobstatus.JobTypeDiscovery})
	assert.Error(t, err)
}

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(&scriptedFetcher{}, Config{})
	cfg := p.Config()
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, 1, cfg.Retry.MaxAttempts)
	assert.Equal(t, sessionstore.DefaultKey, cfg.StoreKey)
}

func TestBackoff(t *testing.T) {
	p := New(&scriptedFetcher{}, Config{Retry: RetryPolicy{MaxAttempts: 4, Backoff: []time.Duration{time.Second, 5 * time.Second}}})
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 5*time.Second, p.backoff(2))
	assert.Equal(t, 5*time.Second, p.backoff(3))
}

type countingStore struct {
	*sessionstore.MemoryStore
	puts atomic.Int32
}

func (s *countingStore) Put(ctx context.Context, key string, u *sessionstore.Update) error {
	s.puts.Add(1)
	return s.MemoryStore.Put(ctx, key, u)
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, *sessionstore.Update) error {
	return errors.New("disk full")
}

func (failingStore) Get(context.Context, string) (*sessionstore.Update, error) {
	return nil, sessionstore.ErrNotFound
}

func (failingStore) List(context.Context, string) ([]sessionstore.Entry, error) { return nil, nil }

func (failingStore) Close() error { return nil }
