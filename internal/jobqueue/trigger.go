// Copyright 2025 James Ross

// Package jobqueue is the trigger-driven work queue BatchWorkflow and
// CapacityDispatcher run on top of. A Trigger names one BatchWorkflow
// action ("start_upload", "poll_status", ...) to run against one batch;
// the queue guarantees at-least-once delivery, optional enqueue-time
// dedup, delayed/scheduled execution and bounded retry with backoff.
package jobqueue

import (
	"encoding/json"
	"time"
)

// Trigger is the unit of work BatchWorkflow handlers consume, mirroring
// spec.md §4.6's trigger names.
type Trigger struct {
	Action      string `json:"action"`
	BatchID     string `json:"batch_id"`
	// RequestID is set for DeliveryWorker's "deliver" trigger, which acts
	// on one Request rather than the whole batch. BatchID stays populated
	// too so CancelTag(batch_id) still cancels pending delivers.
	RequestID   string `json:"request_id,omitempty"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`

	// Tag groups triggers that belong together so CancelTag can remove
	// them in bulk (spec.md §4.6 "cancel_batch" stops all pending work
	// for a batch). Defaults to BatchID if left empty.
	Tag string `json:"tag"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (t Trigger) tag() string {
	if t.Tag != "" {
		return t.Tag
	}
	return t.BatchID
}

func (t Trigger) Marshal() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalTrigger(s string) (Trigger, error) {
	var t Trigger
	err := json.Unmarshal([]byte(s), &t)
	return t, err
}

// New builds a Trigger for action/batchID with the queue's default retry
// ceiling.
func New(action, batchID string) Trigger {
	return Trigger{
		Action:      action,
		BatchID:     batchID,
		MaxAttempts: DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// NewForRequest builds a "deliver" Trigger scoped to one Request, tagged
// by its parent batch so cancel_batch still sweeps it up.
func NewForRequest(action, batchID, requestID string) Trigger {
	t := New(action, batchID)
	t.RequestID = requestID
	return t
}

// DefaultMaxAttempts bounds Workflow-level retry (spec.md §4.6's token
// limit retry has its own ceiling, also 5, and is tracked on the Batch
// row instead of here). DeliveryWorker uses its own, smaller ceiling
// (spec.md §4.8: max 3 delivery attempts).
const DefaultMaxAttempts = 5
