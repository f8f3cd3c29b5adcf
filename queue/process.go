package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Executor performs the remote call for one queued operation and returns an error when
// it did not take effect.
type Executor func(ctx context.Context, op QueuedOperation) error

// Result summarizes one pass.
type Result struct {
	// Processed is the number of snapshot operations that succeeded and were dropped.
	Processed int
	// Remaining is the number of snapshot operations that failed and are kept for the
	// next pass.
	Remaining int
	// DeadLettered is the number of failed operations moved to the dead-letter list.
	DeadLettered int
	// Pending is the queue length after the pass, including operations enqueued while
	// it ran.
	Pending int
	// Failures aggregates the executor errors of the pass, for diagnostics only.
	Failures error
}

// Process replays a snapshot of the queue in order, one operation at a time. Failed
// operations stay queued in their relative order; operations enqueued while the pass
// runs are kept behind them. Only one pass runs at a time: a concurrent call returns
// ErrPassInProgress.
func (q *Queue) Process(ctx context.Context, executor Executor) (Result, error) {
	if !q.pass.TryAcquire(1) {
		return Result{}, ErrPassInProgress
	}
	defer q.pass.Release(1)

	start := time.Now()
	defer func() { q.metrics.observePass(time.Since(start)) }()

	snapshot := q.GetQueue(ctx)
	if len(snapshot) == 0 {
		return Result{}, nil
	}

	succeeded := make(map[string]bool, len(snapshot))
	failed := make(map[string]error)
	var failures *multierror.Error
	for _, item := range snapshot {
		if ctx.Err() != nil {
			break
		}
		err := q.execute(ctx, executor, item)
		if err == nil {
			succeeded[item.ID] = true
			q.metrics.executed(true)
			continue
		}
		if ctx.Err() != nil {
			// interrupted by the caller, not a failed attempt
			break
		}
		failed[item.ID] = err
		failures = multierror.Append(failures, fmt.Errorf("%s %s %s: %w", item.ID, item.Kind, item.Table, err))
		q.metrics.executed(false)
		q.logger.Debug("queued operation failed", "id", item.ID, "type", item.Kind, "table", item.Table, "error", err)
	}

	// The pass's outcome must be recorded even when the caller gave up, otherwise
	// succeeded operations would be replayed again.
	writeCtx := context.WithoutCancel(ctx)

	dead := q.deadLetterCandidates(snapshot, failed)
	if len(dead) > 0 {
		_, err := q.update(writeCtx, q.deadKey, func(items []QueuedOperation) []QueuedOperation {
			return append(items, dead...)
		})
		if err != nil {
			q.logger.Error("failed to write dead letters, keeping them queued", "error", err)
			dead = nil
		}
	}
	deadIDs := make(map[string]bool, len(dead))
	for _, item := range dead {
		deadIDs[item.ID] = true
	}

	var remaining int
	next, err := q.update(writeCtx, q.key, func(current []QueuedOperation) []QueuedOperation {
		remaining = 0
		next := make([]QueuedOperation, 0, len(current))
		for _, item := range current {
			if succeeded[item.ID] || deadIDs[item.ID] {
				continue
			}
			if ferr, ok := failed[item.ID]; ok {
				item.Attempts++
				item.LastError = ferr.Error()
				remaining++
			}
			next = append(next, item)
		}
		return next
	})

	result := Result{
		Processed:    len(succeeded),
		Remaining:    remaining,
		DeadLettered: len(deadIDs),
		Failures:     failures.ErrorOrNil(),
	}
	if err != nil {
		q.logger.Error("failed to write back queue after pass", "error", err)
		if len(deadIDs) > 0 {
			// the dead-lettered operations are still in the queue, so they must not stay in both lists
			if _, rerr := q.update(writeCtx, q.deadKey, func(items []QueuedOperation) []QueuedOperation {
				kept := items[:0]
				for _, item := range items {
					if !deadIDs[item.ID] {
						kept = append(kept, item)
					}
				}
				return kept
			}); rerr != nil {
				q.logger.Error("failed to roll back dead letters", "ids", len(deadIDs), "error", rerr)
			} else {
				result.DeadLettered = 0
			}
		}
		result.Remaining = len(failed) - result.DeadLettered
		return result, err
	}
	result.Pending = len(next)
	q.metrics.deadLettered(result.DeadLettered)

	q.logger.Info("queue pass complete",
		"processed", result.Processed,
		"remaining", result.Remaining,
		"dead_lettered", result.DeadLettered,
		"pending", result.Pending)
	return result, nil
}

func (q *Queue) deadLetterCandidates(snapshot []QueuedOperation, failed map[string]error) []QueuedOperation {
	if q.maxAttempts <= 0 {
		return nil
	}
	var dead []QueuedOperation
	for _, item := range snapshot {
		err, ok := failed[item.ID]
		if !ok || item.Attempts+1 < q.maxAttempts {
			continue
		}
		item.Attempts++
		item.LastError = err.Error()
		dead = append(dead, item)
	}
	return dead
}

// execute runs the executor for one item, bounded by the item timeout. Panics are
// reported as failures. A timed-out executor keeps running in its goroutine until it
// observes its context.
func (q *Queue) execute(ctx context.Context, executor Executor, item QueuedOperation) error {
	if q.itemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.itemTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrExecutorPanic, r)
			}
		}()
		done <- executor(ctx, item)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v", ErrExecutorTimeout, q.itemTimeout)
		}
		return ctx.Err()
	}
}
