package jobstatus

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope is the polled snapshot of a remote job.
//
// PartialResult is kept as raw JSON: the engine never interprets domain
// payloads. Use DecodePartial to read it.
type Envelope struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`

	// Progress is a percentage in [0,100] when the service reports one.
	Progress *float64 `json:"progress,omitempty"`

	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`

	PartialResult json.RawMessage `json:"partial_result,omitempty"`

	CreatedTime     time.Time `json:"created_time"`
	LastUpdatedTime time.Time `json:"last_updated_time"`
}

// FailureEnvelope returns the degraded envelope substituted for a status
// fetch that could not be completed.
func FailureEnvelope(jobID string) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		JobID:           jobID,
		Status:          StatusFailure,
		CreatedTime:     now,
		LastUpdatedTime: now,
	}
}

// IsProcessing is shorthand for IsProcessing(e.Status). A nil envelope is
// treated as terminal.
func (e *Envelope) IsProcessing() bool {
	return e != nil && IsProcessing(e.Status)
}

// ProgressValue returns the reported progress or zero.
func (e *Envelope) ProgressValue() float64 {
	if e == nil || e.Progress == nil {
		return 0
	}
	return *e.Progress
}

// Clone returns a copy that shares no mutable state with e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Progress != nil {
		p := *e.Progress
		c.Progress = &p
	}
	if e.PartialResult != nil {
		c.PartialResult = append(json.RawMessage(nil), e.PartialResult...)
	}
	return &c
}

// ErrNoPartialResult is returned by DecodePartial when the envelope carries
// no partial result.
var ErrNoPartialResult = errors.New("envelope has no partial result")

// DecodePartial unmarshals the envelope's partial result into T.
func DecodePartial[T any](e *Envelope) (T, error) {
	var out T
	if e == nil || len(e.PartialResult) == 0 || string(e.PartialResult) == "null" {
		return out, ErrNoPartialResult
	}
	if err := json.Unmarshal(e.PartialResult, &out); err != nil {
		return out, err
	}
	return out, nil
}
