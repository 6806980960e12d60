// Package jobstatus defines the job types, status values and status envelope
// shared by the remote client, the poller and the orchestrator.
package jobstatus

import (
	"fmt"
	"strings"
)

// JobType identifies the logical kind of remote computation.
//
// NOTE: The string value is also the path segment used by the remote
// service, so these values are part of the wire contract.
type JobType string

const (
	JobTypeEstimator          JobType = "estimate_effect"
	JobTypeSignificanceTest   JobType = "significance_test"
	JobTypeConfidenceInterval JobType = "confidence_interval"
	JobTypeDiscovery          JobType = "discover"
	JobTypeShapInterpreter    JobType = "shap_interpreter"
	JobTypeRefuteEstimate     JobType = "refute_estimate"
)

// JobTypes lists every known job type in a stable order.
var JobTypes = []JobType{
	JobTypeEstimator,
	JobTypeSignificanceTest,
	JobTypeConfidenceInterval,
	JobTypeDiscovery,
	JobTypeShapInterpreter,
	JobTypeRefuteEstimate,
}

// ParseJobType validates s against the closed set of job types.
func ParseJobType(s string) (JobType, error) {
	jt := JobType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range JobTypes {
		if jt == known {
			return jt, nil
		}
	}
	return "", fmt.Errorf("unknown job type: %q", s)
}

func (t JobType) String() string { return string(t) }

// Status is the state reported by the remote service for a job.
//
// The remote service is not consistent about casing, so values are compared
// after Normalize.
type Status string

const (
	StatusPending    Status = "pending"
	StatusStarted    Status = "started"
	StatusRunning    Status = "running"
	StatusProcessing Status = "processing"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSuccess    Status = "success"
	StatusTerminated Status = "terminated"
	StatusRevoked    Status = "revoked"
	StatusFailure    Status = "failure"
	StatusError      Status = "error"
)

// Statuses lists every status value the engine knows about.
var Statuses = []Status{
	StatusPending,
	StatusStarted,
	StatusRunning,
	StatusProcessing,
	StatusInProgress,
	StatusCompleted,
	StatusSuccess,
	StatusTerminated,
	StatusRevoked,
	StatusFailure,
	StatusError,
}

// Normalize lowercases the status and maps the camel-case spelling
// "inprogress" onto StatusInProgress.
func (s Status) Normalize() Status {
	n := Status(strings.ToLower(strings.TrimSpace(string(s))))
	if n == "inprogress" {
		return StatusInProgress
	}
	return n
}

// IsProcessing reports whether s is non-terminal. It is the only predicate
// the poll loop uses to decide whether to keep going: every status outside
// the processing set, including unknown values, is terminal.
func IsProcessing(s Status) bool {
	switch s.Normalize() {
	case StatusPending, StatusStarted, StatusRunning, StatusProcessing, StatusInProgress:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether s is a successful terminal status.
func IsSuccess(s Status) bool {
	switch s.Normalize() {
	case StatusCompleted, StatusSuccess:
		return true
	default:
		return false
	}
}

// IsCancelled reports whether the remote service stopped the job on request.
func IsCancelled(s Status) bool {
	switch s.Normalize() {
	case StatusTerminated, StatusRevoked:
		return true
	default:
		return false
	}
}

// IsFailure reports whether s is terminal but neither successful nor cancelled.
func IsFailure(s Status) bool {
	return !IsProcessing(s) && !IsSuccess(s) && !IsCancelled(s)
}
