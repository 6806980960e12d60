package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL lifecycle records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteStart(ctx context.Context, start *StartRecord) error
	WriteUpdate(ctx context.Context, update *UpdateRecord) error
	WriteComplete(ctx context.Context, complete *UpdateRecord) error
	WriteCancel(ctx context.Context, cancel *CancelRecord) error
	WriteError(ctx context.Context, err *ErrorRecord) error
	WriteSession(ctx context.Context, session *SessionRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w       io.Writer
	runID   string
	jobType string
	mu      sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - runID: Correlation ID for this run (may be empty)
//   - jobType: Remote job type (may be empty)
func NewJSONLWriter(w io.Writer, runID, jobType string) *JSONLWriter {
	return &JSONLWriter{
		w:       w,
		runID:   runID,
		jobType: jobType,
	}
}

// WithRun returns a writer sharing the underlying output and lock but
// stamping records with a different run id. Used when a run is preempted
// by a new one on the same stream.
func (jw *JSONLWriter) WithRun(runID string) *RunWriter {
	return &RunWriter{parent: jw, runID: runID}
}

func (jw *JSONLWriter) WriteStart(ctx context.Context, start *StartRecord) error {
	return jw.writeRecord(ctx, jw.runID, TypeStart, start)
}

func (jw *JSONLWriter) WriteUpdate(ctx context.Context, update *UpdateRecord) error {
	return jw.writeRecord(ctx, jw.runID, TypeUpdate, update)
}

func (jw *JSONLWriter) WriteComplete(ctx context.Context, complete *UpdateRecord) error {
	return jw.writeRecord(ctx, jw.runID, TypeComplete, complete)
}

func (jw *JSONLWriter) WriteCancel(ctx context.Context, cancel *CancelRecord) error {
	return jw.writeRecord(ctx, jw.runID, TypeCancel, cancel)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, jw.runID, TypeError, err)
}

// WriteSession emits a stored last-status record.
func (jw *JSONLWriter) WriteSession(ctx context.Context, session *SessionRecord) error {
	return jw.writeRecord(ctx, jw.runID, TypeSession, session)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire write to ensure atomic
// line writes.
func (jw *JSONLWriter) writeRecord(ctx context.Context, runID, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:    recordType,
		TS:      time.Now().UTC(),
		RunID:   runID,
		JobType: jw.jobType,
		Data:    dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// RunWriter stamps records with its own run id on a shared JSONLWriter.
type RunWriter struct {
	parent *JSONLWriter
	runID  string
}

func (rw *RunWriter) WriteStart(ctx context.Context, start *StartRecord) error {
	return rw.parent.writeRecord(ctx, rw.runID, TypeStart, start)
}

func (rw *RunWriter) WriteUpdate(ctx context.Context, update *UpdateRecord) error {
	return rw.parent.writeRecord(ctx, rw.runID, TypeUpdate, update)
}

func (rw *RunWriter) WriteComplete(ctx context.Context, complete *UpdateRecord) error {
	return rw.parent.writeRecord(ctx, rw.runID, TypeComplete, complete)
}

func (rw *RunWriter) WriteCancel(ctx context.Context, cancel *CancelRecord) error {
	return rw.parent.writeRecord(ctx, rw.runID, TypeCancel, cancel)
}

func (rw *RunWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return rw.parent.writeRecord(ctx, rw.runID, TypeError, err)
}

func (rw *RunWriter) WriteSession(ctx context.Context, session *SessionRecord) error {
	return rw.parent.writeRecord(ctx, rw.runID, TypeSession, session)
}

// Close is a no-op; the parent writer owns the stream.
func (rw *RunWriter) Close() error { return nil }

// Compile-time checks.
var (
	_ Writer = (*JSONLWriter)(nil)
	_ Writer = (*RunWriter)(nil)
)
