// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"time"
)

// Handle is an opaque dequeued-trigger receipt, passed back to Ack or
// Retry so the backend knows which in-flight entry to resolve.
type Handle struct {
	Trigger Trigger
	payload string
}

// Queue is the contract BatchWorkflow, DeliveryWorker, Recovery and
// Scheduler drive: enqueue-with-dedup, scheduled execution, bounded retry with
// backoff, and cancel-by-tag (spec.md §4.6).
type Queue interface {
	// Enqueue makes t eligible for immediate delivery. If dedupKey is
	// non-empty, Enqueue is a no-op (returns false, nil) when a trigger
	// with the same dedupKey is already pending or in flight.
	Enqueue(ctx context.Context, t Trigger, dedupKey string) (enqueued bool, err error)

	// EnqueueDelayed makes t eligible for delivery no earlier than
	// delay from now. Used for poll_status's re-poll delay and Retry's
	// own backoff.
	EnqueueDelayed(ctx context.Context, t Trigger, delay time.Duration, dedupKey string) (enqueued bool, err error)

	// Dequeue takes the next pending trigger and moves it to an in-flight
	// set owned by workerID. It returns (nil, nil) when nothing is pending
	// (MemQueue at once, RedisQueue after waiting up to two seconds) and
	// when the trigger it took was cancelled or unparseable and dropped.
	Dequeue(ctx context.Context, workerID string) (*Handle, error)

	// Ack resolves h successfully, removing it from the in-flight set.
	Ack(ctx context.Context, workerID string, h *Handle) error

	// Retry resolves h as failed. If h.Trigger.Attempt+1 reaches
	// MaxAttempts (so MaxAttempts counts every run, the first included),
	// the trigger is dropped (the caller is expected to
	// have already recorded the terminal error on the Batch/Request
	// row) and Retry returns (false, nil). Otherwise it re-enqueues
	// with Attempt incremented after delay and returns (true, nil).
	Retry(ctx context.Context, workerID string, h *Handle, delay time.Duration) (retried bool, err error)

	// CancelTag marks tag cancelled: pending triggers with that tag are
	// dropped at dequeue time instead of delivered. Idempotent.
	CancelTag(ctx context.Context, tag string) error

	// Reclaim moves triggers abandoned in flight (crashed worker) back
	// onto the pending queue and returns how many it moved. MemQueue
	// reclaims triggers dequeued more than olderThan ago; RedisQueue
	// ignores olderThan and reclaims every in-flight list whose worker
	// heartbeat key has expired. Recovery's ReclaimLoop calls it
	// periodically.
	Reclaim(ctx context.Context, olderThan time.Duration) (int, error)

	// PromoteDue moves delayed triggers whose delay has elapsed onto
	// the pending queue. Scheduler calls this on a short tick.
	PromoteDue(ctx context.Context) (int, error)
}
