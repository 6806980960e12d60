package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobwatch/internal/server/middleware"
	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

// maxParamsBody caps the start request body.
const maxParamsBody = 1 << 20

// Simulator fakes the remote job service. Every job walks pending ->
// started -> success over Steps status polls. A DELETE revokes the job.
//
// Start bodies may carry two control fields:
//
//	{"fail": true}          the final poll reports failure
//	{"steps": 5}            overrides Steps for this job
type Simulator struct {
	steps   int
	maxJobs int
	logger  *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	jobs map[string]*simJob
}

type simJob struct {
	jobType jobstatus.JobType
	steps   int
	fail    bool
	polls   int
	revoked bool
	created time.Time
	updated time.Time
	params  json.RawMessage
}

type startControls struct {
	Fail  bool `json:"fail"`
	Steps int  `json:"steps"`
}

// NewSimulator creates a simulator whose jobs finish after steps polls.
func NewSimulator(steps int, logger *zap.Logger) *Simulator {
	if steps < 1 {
		steps = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		steps:  steps,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		jobs:   make(map[string]*simJob),
	}
}

// Routes mounts the job endpoints on r.
func (s *Simulator) Routes(r chi.Router) {
	r.Post("/{jobType}", s.Start)
	r.Get("/{jobType}/{jobID}", s.Status)
	r.Delete("/{jobType}/{jobID}", s.Cancel)
}

// SetMaxJobs caps the job table. Once full, new jobs are rejected with 503
// and CheckHealth fails. Zero means no cap.
func (s *Simulator) SetMaxJobs(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxJobs = n
}

// CheckHealth reports the simulator unhealthy while its job table is full.
func (s *Simulator) CheckHealth(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full() {
		return fmt.Errorf("job table full (%d jobs)", len(s.jobs))
	}
	return nil
}

func (s *Simulator) full() bool {
	return s.maxJobs > 0 && len(s.jobs) >= s.maxJobs
}

// Len returns the number of known jobs.
func (s *Simulator) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start handles POST /{jobType}.
func (s *Simulator) Start(w http.ResponseWriter, r *http.Request) {
	jobType, ok := s.jobType(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxParamsBody))
	if err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "read body: "+err.Error())
		return
	}
	var ctl startControls
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &ctl); err != nil {
			middleware.WriteError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "params must be a JSON object: "+err.Error())
			return
		}
	}

	steps := s.steps
	if ctl.Steps > 0 {
		steps = ctl.Steps
	}

	id := uuid.NewString()
	now := s.now()
	s.mu.Lock()
	if s.full() {
		s.mu.Unlock()
		middleware.WriteError(w, r, http.StatusServiceUnavailable, "CAPACITY_EXCEEDED", "simulator job table is full")
		return
	}
	s.jobs[id] = &simJob{
		jobType: jobType,
		steps:   steps,
		fail:    ctl.Fail,
		created: now,
		updated: now,
		params:  body,
	}
	s.mu.Unlock()

	s.logger.Info("Job accepted", zap.String("job_type", jobType.String()), zap.String("job_id", id), zap.Int("steps", steps))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// Status handles GET /{jobType}/{jobID}. Each call advances the job one step.
func (s *Simulator) Status(w http.ResponseWriter, r *http.Request) {
	job, id, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	env := s.advance(job, id)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, env)
}

// Cancel handles DELETE /{jobType}/{jobID}.
func (s *Simulator) Cancel(w http.ResponseWriter, r *http.Request) {
	job, id, ok := s.lookup(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	job.revoked = true
	job.updated = s.now()
	s.mu.Unlock()

	s.logger.Info("Job revoked", zap.String("job_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// advance moves job one poll forward and returns its envelope. Callers hold s.mu.
func (s *Simulator) advance(job *simJob, id string) *jobstatus.Envelope {
	env := &jobstatus.Envelope{JobID: id, CreatedTime: job.created}

	if job.revoked {
		env.Status = jobstatus.StatusRevoked
		env.Completed, env.Pending = job.polls, job.steps-job.polls
		env.LastUpdatedTime = job.updated
		return env
	}

	if job.polls < job.steps {
		job.polls++
		job.updated = s.now()
	}
	env.LastUpdatedTime = job.updated

	done := job.polls
	switch {
	case done >= job.steps && job.fail:
		env.Status = jobstatus.StatusFailure
		env.Completed, env.Failed = done-1, 1
	case done >= job.steps:
		env.Status = jobstatus.StatusSuccess
		env.Completed = done
		env.PartialResult = json.RawMessage(fmt.Sprintf(`{"steps":%d}`, done))
	case done == 1:
		env.Status = jobstatus.StatusPending
		env.Pending = job.steps
	default:
		env.Status = jobstatus.StatusStarted
		env.Completed, env.Pending = done-1, job.steps-done+1
		env.PartialResult = json.RawMessage(fmt.Sprintf(`{"steps":%d}`, done-1))
	}

	progress := 100 * float64(env.Completed) / float64(job.steps)
	if jobstatus.IsSuccess(env.Status) {
		progress = 100
	}
	env.Progress = &progress
	return env
}

func (s *Simulator) jobType(w http.ResponseWriter, r *http.Request) (jobstatus.JobType, bool) {
	jobType, err := jobstatus.ParseJobType(chi.URLParam(r, "jobType"))
	if err != nil {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
		return "", false
	}
	return jobType, true
}

func (s *Simulator) lookup(w http.ResponseWriter, r *http.Request) (*simJob, string, bool) {
	jobType, ok := s.jobType(w, r)
	if !ok {
		return nil, "", false
	}
	id := chi.URLParam(r, "jobID")

	s.mu.Lock()
	job, found := s.jobs[id]
	s.mu.Unlock()
	if !found || job.jobType != jobType {
		middleware.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("job %s/%s not found", jobType, id))
		return nil, "", false
	}
	return job, id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
