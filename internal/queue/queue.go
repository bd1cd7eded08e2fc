// Package queue bounds the number of concurrent upload submissions.
package queue

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ActionQueue is a bounded-concurrency executor. Admission is FIFO in
// the order callers block on a slot; cancellation happens through the
// caller's context on the inner operation.
type ActionQueue struct {
	slots *semaphore.Weighted
}

// NewActionQueue creates a queue with the given parallelism. Widths
// below one fall back to one.
func NewActionQueue(width int64) *ActionQueue {
	if width < 1 {
		width = 1
	}

	return &ActionQueue{slots: semaphore.NewWeighted(width)}
}

// Run executes fn once a slot is free. It returns the context error if
// ctx is cancelled while waiting for admission.
func (q *ActionQueue) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := q.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.slots.Release(1)

	return fn(ctx)
}

// RunIn executes fn on q and carries a typed result back to the caller.
func RunIn[T any](ctx context.Context, q *ActionQueue, fn func(ctx context.Context) (T, error)) (T, error) {
	var value T

	err := q.Run(ctx, func(ctx context.Context) error {
		var innerErr error
		value, innerErr = fn(ctx)

		return innerErr
	})

	return value, err
}
