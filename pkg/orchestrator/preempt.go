package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// closedDone is returned as the wait channel when there is nothing to wait for.
var closedDone = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Preempt replaces the current Run with a new one started with params.
//
// Ordering:
//  1. Cancellation of the previous Run begins; its callbacks stop here.
//  2. The new Run is created.
//  3. The new Run becomes current before its goroutine launches.
//  4. The new Run is launched, then Preempt waits for the previous Run to
//     unwind.
//
// The new Run is always returned. The error is non-nil only when ctx ended
// before the previous Run finished unwinding. ctx also bounds the new Run.
func (o *Orchestrator) Preempt(ctx context.Context, params any) (*Run, error) {
	r := newRun(ctx, o, params)

	var wait <-chan struct{}
	for {
		o.mu.Lock()
		prev := o.current
		o.mu.Unlock()

		wait = closedDone
		if prev != nil {
			wait = prev.BeginCancel()
		}

		o.mu.Lock()
		if o.current != prev {
			// Another Preempt or Run swapped in between; cancel that one too.
			o.mu.Unlock()
			continue
		}
		o.current = r
		o.mu.Unlock()

		if prev != nil {
			o.logger.Debug("Preempting run",
				zap.String("previous_run_id", prev.runID.String()),
				zap.String("run_id", r.runID.String()))
		}
		break
	}

	go r.loop()

	select {
	case <-wait:
		return r, nil
	case <-ctx.Done():
		return r, fmt.Errorf("waiting for preempted run: %w", ctx.Err())
	}
}
