// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type inflightEntry struct {
	workerID string
	handle   *Handle
	touchAt  time.Time
}

// MemQueue is an in-process Queue for tests that don't want a real Redis,
// grounded on the same enqueue/dequeue/ack/retry contract as RedisQueue.
type MemQueue struct {
	mu sync.Mutex

	pending   []Trigger
	scheduled []scheduledEntry
	dedup     map[string]bool
	cancelled map[string]bool
	inflight  map[string]*inflightEntry // keyed by a synthetic handle id
	nextID    int
}

type scheduledEntry struct {
	t  Trigger
	at time.Time
}

func NewMem() *MemQueue {
	return &MemQueue{
		dedup:     map[string]bool{},
		cancelled: map[string]bool{},
		inflight:  map[string]*inflightEntry{},
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, t Trigger, dedupKey string) (bool, error) {
	return q.enqueueAt(t, time.Time{}, dedupKey)
}

func (q *MemQueue) EnqueueDelayed(ctx context.Context, t Trigger, delay time.Duration, dedupKey string) (bool, error) {
	return q.enqueueAt(t, time.Now().UTC().Add(delay), dedupKey)
}

func (q *MemQueue) enqueueAt(t Trigger, at time.Time, dedupKey string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if dedupKey != "" {
		if q.dedup[dedupKey] {
			return false, nil
		}
		q.dedup[dedupKey] = true
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}
	if at.IsZero() || !at.After(time.Now().UTC()) {
		q.pending = append(q.pending, t)
	} else {
		q.scheduled = append(q.scheduled, scheduledEntry{t: t, at: at})
	}
	return true, nil
}

func (q *MemQueue) Dequeue(ctx context.Context, workerID string) (*Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pending {
		if q.cancelled[t.tag()] {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return nil, nil
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.nextID++
		h := &Handle{Trigger: t}
		q.inflight[strconv.Itoa(q.nextID)] = &inflightEntry{workerID: workerID, handle: h, touchAt: time.Now().UTC()}
		h.payload = strconv.Itoa(q.nextID)
		return h, nil
	}
	return nil, nil
}

func (q *MemQueue) Ack(ctx context.Context, workerID string, h *Handle) error {
	if h == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, h.payload)
	return nil
}

func (q *MemQueue) Retry(ctx context.Context, workerID string, h *Handle, delay time.Duration) (bool, error) {
	if h == nil {
		return false, nil
	}
	if err := q.Ack(ctx, workerID, h); err != nil {
		return false, err
	}
	t := h.Trigger
	t.Attempt++
	if t.Attempt >= t.MaxAttempts {
		return false, nil
	}
	return q.EnqueueDelayed(ctx, t, delay, "")
}

func (q *MemQueue) CancelTag(ctx context.Context, tag string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled[tag] = true
	return nil
}

func (q *MemQueue) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	recovered := 0
	for id, entry := range q.inflight {
		if entry.touchAt.Before(cutoff) {
			q.pending = append(q.pending, entry.handle.Trigger)
			delete(q.inflight, id)
			recovered++
		}
	}
	return recovered, nil
}

func (q *MemQueue) PromoteDue(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var remaining []scheduledEntry
	promoted := 0
	for _, e := range q.scheduled {
		if !e.at.After(now) {
			q.pending = append(q.pending, e.t)
			promoted++
		} else {
			remaining = append(remaining, e)
		}
	}
	q.scheduled = remaining
	return promoted, nil
}

var _ Queue = (*MemQueue)(nil)
