package orchestrator

import (
	"sync"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

// Factory builds the Orchestrator for a job type bound to cb.
type Factory func(jobType jobstatus.JobType, cb Callbacks) *Orchestrator

// NewFactory returns a Factory that builds orchestrators sharing api and opts.
func NewFactory(api API, opts Options) Factory {
	return func(jobType jobstatus.JobType, cb Callbacks) *Orchestrator {
		return New(jobType, api, cb, opts)
	}
}

// Registry caches one Orchestrator per job type.
//
// A cached Orchestrator keeps the callbacks it was built with; callbacks
// passed to later Get calls are ignored until the entry is evicted.
// Evicting does not cancel the evicted Orchestrator's runs.
type Registry struct {
	factory Factory

	mu    sync.Mutex
	byJob map[jobstatus.JobType]*Orchestrator
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		byJob:   make(map[jobstatus.JobType]*Orchestrator),
	}
}

// Get returns the cached Orchestrator for jobType, creating it bound to cb
// if none exists.
func (r *Registry) Get(jobType jobstatus.JobType, cb Callbacks) *Orchestrator {
	return r.GetOrReplace(jobType, cb, false)
}

// Evict drops the cached Orchestrator for jobType.
func (r *Registry) Evict(jobType jobstatus.JobType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byJob, jobType)
}

// GetOrReplace is Get, evicting the cached entry first when replace is set.
func (r *Registry) GetOrReplace(jobType jobstatus.JobType, cb Callbacks, replace bool) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()

	if o, ok := r.byJob[jobType]; ok && !replace {
		return o
	}
	o := r.factory(jobType, cb)
	r.byJob[jobType] = o
	return o
}

func (r *Registry) Estimator(cb Callbacks, replace bool) *Orchestrator {
	return r.GetOrReplace(jobstatus.JobTypeEstimator, cb, replace)
}

func (r *Registry) SignificanceTest(cb Callbacks, replace bool) *Orchestrator {
	return r.GetOrReplace(jobstatus.JobTypeSignificanceTest, cb, replace)
}

func (r *Registry) ConfidenceInterval(cb Callbacks, replace bool) *Orchestrator {
	return r.GetOrReplace(jobstatus.JobTypeConfidenceInterval, cb, replace)
}

func (r *Registry) Discovery(cb Callbacks, replace bool) *Orchestrator {
	return r.GetOrReplace(jobstatus.JobTypeDiscovery, cb, replace)
}
