// Package output provides JSONL output for job lifecycle events.
//
// Output is structured as typed record envelopes containing start,
// update, completion, cancellation and error events. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: jobwatch.<type>.v<version>
const (
	// TypeStart identifies records emitted once the service accepted a job.
	TypeStart = "jobwatch.start.v1"

	// TypeUpdate identifies per-poll status records.
	TypeUpdate = "jobwatch.update.v1"

	// TypeComplete identifies the terminal status record of a job.
	TypeComplete = "jobwatch.complete.v1"

	// TypeCancel identifies local cancellation records.
	TypeCancel = "jobwatch.cancel.v1"

	// TypeError identifies error records.
	TypeError = "jobwatch.error.v1"

	// TypeSession identifies persisted last-status records read back from
	// the session store.
	TypeSession = "jobwatch.session.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field.
type Record struct {
	// Type identifies the record type (e.g., "jobwatch.update.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates all records of one local run.
	RunID string `json:"run_id,omitempty"`

	// JobType is the remote job type the record belongs to.
	JobType string `json:"job_type,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// StartRecord is the data payload for an accepted job.
type StartRecord struct {
	JobID   string `json:"job_id"`
	BaseURL string `json:"base_url,omitempty"`
}

// UpdateRecord is the data payload for one poll tick and for the terminal
// record. Envelope is passed through as received.
type UpdateRecord struct {
	JobID    string              `json:"job_id"`
	Envelope *jobstatus.Envelope `json:"envelope"`

	// State is the local run state; set on terminal records only.
	State string `json:"state,omitempty"`
}

// CancelRecord is the data payload for a local cancellation.
type CancelRecord struct {
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if known.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeNotFound indicates the service does not know the job.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeThrottled indicates rate limiting.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeUnavailable indicates the service could not be reached.
	ErrCodeUnavailable = "UNAVAILABLE"

	// ErrCodeInvalidRequest indicates the service rejected the request.
	ErrCodeInvalidRequest = "INVALID_REQUEST"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SessionRecord is the data payload for a stored last-status update.
type SessionRecord struct {
	Key        string              `json:"key"`
	JobID      string              `json:"job_id"`
	JobType    string              `json:"job_type"`
	UpdateID   string              `json:"update_id"`
	SavedAt    time.Time           `json:"saved_at"`
	Processing bool                `json:"processing"`
	Envelope   *jobstatus.Envelope `json:"envelope"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
