package remote

import (
	"errors"
	"fmt"

	"github.com/3leaps/jobwatch/pkg/jobstatus"
)

// Sentinel errors for remote job operations.
var (
	// ErrNotFound indicates the service does not know the job id.
	ErrNotFound = errors.New("job not found")

	// ErrThrottled indicates the request was rate limited by the service.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the service could not be reached or returned a 5xx.
	ErrUnavailable = errors.New("service unavailable")

	// ErrInvalidRequest indicates the service rejected the request (4xx).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBadResponse indicates the response body could not be understood.
	ErrBadResponse = errors.New("bad response")
)

// Error wraps remote operation failures with context.
type Error struct {
	// Op is the operation that failed ("Start", "Status", "Cancel").
	Op string

	JobType jobstatus.JobType

	// JobID is empty for Start.
	JobID string

	// StatusCode is the HTTP status, or zero when no response was received.
	StatusCode int

	// Err is the underlying error, usually one of the sentinels above.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("remote %s %s/%s: %v", e.Op, e.JobType, e.JobID, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.JobType, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates an unknown job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsUnavailable returns true if the service could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRetryable returns true for failures that may succeed on a later attempt.
func IsRetryable(err error) bool {
	return IsThrottled(err) || IsUnavailable(err)
}
