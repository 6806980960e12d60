package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
	"github.com/3leaps/jobwatch/pkg/sessionstore"
)

// viewState mimics caller-owned state that callbacks write into.
type viewState struct {
	mu         sync.Mutex
	jobID      string
	status     jobstatus.Status
	startedCur []bool
}

func (v *viewState) set(jobID string, s jobstatus.Status) {
	v.mu.Lock()
	v.jobID, v.status = jobID, s
	v.mu.Unlock()
}

func (v *viewState) get() (string, jobstatus.Status) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.jobID, v.status
}

func TestPreempt_SlowOldResponseDoesNotOverwriteNewRun(t *testing.T) {
	releaseA := make(chan struct{})
	api := newFakeAPI(func(_ context.Context, jobID string, call int) (*jobstatus.Envelope, error) {
		switch {
		case jobID == "job-1" && call == 1:
			return &jobstatus.Envelope{JobID: jobID, Status: jobstatus.StatusRunning}, nil
		case jobID == "job-1":
			// Slow response for the old run that lands after the new one started.
			<-releaseA
			return &jobstatus.Envelope{JobID: jobID, Status: jobstatus.StatusSuccess}, nil
		default:
			return &jobstatus.Envelope{JobID: jobID, Status: jobstatus.StatusSuccess}, nil
		}
	})

	view := &viewState{}
	ev := &events{}
	var o *Orchestrator
	cb := Callbacks{
		OnStart: func(h Handle) {
			cur := o.Current()
			view.mu.Lock()
			view.startedCur = append(view.startedCur, cur != nil && cur.Metadata().RunID == h.RunID)
			view.mu.Unlock()
			ev.add("start:" + h.JobID)
		},
		OnUpdate: func(h Handle, env *jobstatus.Envelope) { view.set(h.JobID, env.Status) },
		OnComplete: func(h Handle, env *jobstatus.Envelope) {
			view.set(h.JobID, env.Status)
			ev.add("complete:" + h.JobID)
		},
		OnCancel: func(h Handle) { ev.add("cancel:" + h.JobID) },
	}
	o = New(jobstatus.JobTypeDiscovery, api, cb, fastOptions())

	a := o.Run(context.Background(), "a")
	require.Eventually(t, func() bool { return api.statusCalls("job-1") == 2 }, 5*time.Second, time.Millisecond)

	type result struct {
		run *Run
		err error
	}
	preempted := make(chan result, 1)
	go func() {
		r, err := o.Preempt(context.Background(), "b")
		preempted <- result{r, err}
	}()

	require.Eventually(t, func() bool {
		cur := o.Current()
		return cur != nil && cur != a && cur.State() == StateCompleted
	}, 5*time.Second, time.Millisecond)
	b := o.Current()

	jobID, status := view.get()
	assert.Equal(t, "job-2", jobID)
	assert.Equal(t, jobstatus.StatusSuccess, status)

	close(releaseA)
	res := <-preempted
	require.NoError(t, res.err)
	assert.Same(t, b, res.run)

	jobID, status = view.get()
	assert.Equal(t, "job-2", jobID, "old run must not overwrite state owned by the new run")
	assert.Equal(t, jobstatus.StatusSuccess, status)

	_, err := waitRun(t, a)
	assert.ErrorIs(t, err, ErrRunCancelled)
	assert.Equal(t, StateCancelled, a.State())
	assert.NotContains(t, ev.all(), "complete:job-1")
	assert.Contains(t, ev.all(), "cancel:job-1")
	assert.Contains(t, ev.all(), "complete:job-2")

	view.mu.Lock()
	defer view.mu.Unlock()
	assert.Equal(t, []bool{true, true}, view.startedCur, "each run is current before its OnStart fires")
}

// gatedStore holds the save of one job's terminal status until released.
type gatedStore struct {
	*sessionstore.MemoryStore
	jobID   string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, key string, u *sessionstore.Update) error {
	if u.JobID == g.jobID && !u.Response.IsProcessing() {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.MemoryStore.Put(ctx, key, u)
}

func TestPreempt_InFlightStatusSaveDoesNotOverwriteNewRun(t *testing.T) {
	api := newFakeAPI(func(_ context.Context, jobID string, call int) (*jobstatus.Envelope, error) {
		if jobID == "job-1" && call == 1 {
			return &jobstatus.Envelope{JobID: jobID, Status: jobstatus.StatusRunning}, nil
		}
		return &jobstatus.Envelope{JobID: jobID, Status: jobstatus.StatusSuccess}, nil
	})
	store := &gatedStore{
		MemoryStore: sessionstore.NewMemoryStore(),
		jobID:       "job-1",
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	opts := fastOptions()
	opts.Store = store
	o := New(jobstatus.JobTypeDiscovery, api, Callbacks{}, opts)

	a := o.Run(context.Background(), "a")
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("old run never saved its terminal status")
	}

	preempted := make(chan *Run, 1)
	go func() {
		r, _ := o.Preempt(context.Background(), "b")
		preempted <- r
	}()

	// The old run's save is still in flight; the new run cannot start yet.
	select {
	case <-preempted:
		t.Fatal("preempt returned while the old run was still saving")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, api.statusCalls("job-2"))

	close(store.release)
	var b *Run
	select {
	case b = <-preempted:
	case <-time.After(5 * time.Second):
		t.Fatal("preempt did not return")
	}

	env, err := waitRun(t, b)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusSuccess, env.Status)
	_, _ = waitRun(t, a)

	u, err := store.Get(context.Background(), sessionstore.KeyFor("", jobstatus.JobTypeDiscovery))
	require.NoError(t, err)
	assert.Equal(t, "job-2", u.JobID, "a replaced run must not leave its status in the store")
}

func TestPreempt_CancelsBeforeNewRunStarts(t *testing.T) {
	api := newFakeAPI(sequence(jobstatus.StatusRunning))
	ev := &events{}
	o := New(jobstatus.JobTypeDiscovery, api, ev.callbacks(), Options{})

	a := o.Run(context.Background(), nil)
	require.Eventually(t, func() bool { return len(ev.all()) == 2 }, 5*time.Second, time.Millisecond)

	b, err := o.Preempt(context.Background(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return api.statusCalls("job-2") == 1 }, 5*time.Second, time.Millisecond)

	log := ev.all()
	assert.Equal(t, []string{"start:job-1", "update:job-1:running", "cancel:job-1"}, log[:3])
	assert.Equal(t, StateCancelled, a.State())
	assert.Same(t, b, o.Current())

	require.NoError(t, o.Cancel(context.Background()))
	assert.Equal(t, StateCancelled, b.State())
}

func TestPreempt_WithoutPreviousRun(t *testing.T) {
	api := newFakeAPI(sequence(jobstatus.StatusSuccess))
	o := New(jobstatus.JobTypeEstimator, api, Callbacks{}, fastOptions())

	r, err := o.Preempt(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, r, o.Current())

	env, err := waitRun(t, r)
	require.NoError(t, err)
	assert.Equal(t, jobstatus.StatusSuccess, env.Status)
}

func TestPreempt_ContextEndsBeforeOldRunUnwinds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	api := newFakeAPI(func(_ context.Context, jobID string, _ int) (*jobstatus.Envelope, error) {
		if jobID == "job-1" {
			<-release
		}
		return &jobstatus.Envelope{JobID: jobID, Status: jobstatus.StatusRunning}, nil
	})
	o := New(jobstatus.JobTypeDiscovery, api, Callbacks{}, fastOptions())

	o.Run(context.Background(), nil)
	require.Eventually(t, func() bool { return api.statusCalls("job-1") == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r, err := o.Preempt(ctx, nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, r)
	assert.Same(t, r, o.Current())
}
