// Copyright 2025 James Ross
// Package memstore is an in-memory Store used by unit tests across the
// broker so packages that depend on store.Store can be exercised without a
// database. It enforces the same invariants spec.md §3 requires of the SQL
// backend: aggregates maintained on every Request write, unique
// (batch_id, custom_id), and exactly one BatchTransition per state change.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// Clock is overridable so tests can control time.Now().
type Clock func() time.Time

type Store struct {
	mu sync.Mutex

	now Clock

	batches      map[string]*store.Batch
	requests     map[string]*store.Request
	transitions  map[string][]statemachine.BatchTransition
	deliveryLog  []statemachine.RequestDeliveryAttempt
}

func New() *Store {
	return &Store{
		now:         time.Now,
		batches:     map[string]*store.Batch{},
		requests:    map[string]*store.Request{},
		transitions: map[string][]statemachine.BatchTransition{},
	}
}

// WithClock overrides the store's time source, for deterministic tests.
func (s *Store) WithClock(c Clock) *Store {
	s.now = c
	return s
}

// SeedBatch injects a Batch directly, bypassing CreateBatch, so tests can
// set up states (e.g. a building batch already at the request-count cap)
// that would otherwise take thousands of real CreateRequest calls to reach.
func (s *Store) SeedBatch(b *store.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.batches[cp.ID] = &cp
}

func (s *Store) CreateBatch(_ context.Context, url, model string) (*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	b := &store.Batch{
		ID:        uuid.NewString(),
		Model:     model,
		URL:       url,
		State:     statemachine.BatchBuilding,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.batches[b.ID] = b
	return cloneBatch(b), nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

func (s *Store) FindBuildingBatch(_ context.Context, url, model string) (*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.URL == url && b.Model == model && b.State == statemachine.BatchBuilding {
			if b.RequestCount >= store.MaxRequestsPerBatch {
				return nil, nil
			}
			return cloneBatch(b), nil
		}
	}
	return nil, nil
}

func (s *Store) TransitionBatch(_ context.Context, id string, to statemachine.BatchState, mutate func(*store.Batch)) (*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	if err := statemachine.ValidateBatchTransition(b.State, to); err != nil {
		return nil, err
	}
	from := b.State
	b.State = to
	b.UpdatedAt = s.now()
	if mutate != nil {
		mutate(b)
	}
	s.transitions[id] = append(s.transitions[id], statemachine.BatchTransition{
		ID:             int64(len(s.transitions[id]) + 1),
		BatchID:        id,
		FromState:      from,
		ToState:        to,
		TransitionedAt: b.UpdatedAt,
	})
	return cloneBatch(b), nil
}

func (s *Store) UpdateBatch(_ context.Context, id string, mutate func(*store.Batch)) (*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	if mutate != nil {
		mutate(b)
	}
	b.UpdatedAt = s.now()
	return cloneBatch(b), nil
}

func (s *Store) ListWaitingForCapacity(_ context.Context, model string) ([]*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Batch
	for _, b := range s.batches {
		if b.Model == model && b.State == statemachine.BatchWaitingForCapacity {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].WaitingForCapacitySinceAt, out[j].WaitingForCapacitySinceAt
		switch {
		case ti == nil && tj == nil:
			return out[i].ID < out[j].ID
		case ti == nil:
			return true
		case tj == nil:
			return false
		case !ti.Equal(*tj):
			return ti.Before(*tj)
		default:
			return out[i].ID < out[j].ID
		}
	})
	return out, nil
}

func (s *Store) SumReservedTokens(_ context.Context, model string, states []statemachine.BatchState, excludeBatchID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[statemachine.BatchState]bool{}
	for _, st := range states {
		want[st] = true
	}
	var total int64
	for _, b := range s.batches {
		if b.Model != model || b.ID == excludeBatchID {
			continue
		}
		if want[b.State] {
			total += b.EstimatedInputTokensTotal
		}
	}
	return total, nil
}

func (s *Store) ListNonTerminalBatches(_ context.Context) ([]*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Batch
	for _, b := range s.batches {
		if !b.State.IsTerminal() {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListStaleBuildingBatches(_ context.Context, olderThanSeconds int64) ([]*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-time.Duration(olderThanSeconds) * time.Second)
	var out []*store.Batch
	for _, b := range s.batches {
		if b.State == statemachine.BatchBuilding && b.CreatedAt.Before(cutoff) {
			out = append(out, cloneBatch(b))
		}
	}
	return out, nil
}

func (s *Store) ListExpiredBatches(_ context.Context) ([]*store.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*store.Batch
	for _, b := range s.batches {
		if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			out = append(out, cloneBatch(b))
		}
	}
	return out, nil
}

func (s *Store) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[id]; !ok {
		return store.ErrBatchNotFound
	}
	delete(s.batches, id)
	delete(s.transitions, id)
	for rid, r := range s.requests {
		if r.BatchID == id {
			delete(s.requests, rid)
		}
	}
	kept := s.deliveryLog[:0]
	for _, a := range s.deliveryLog {
		if _, stillExists := s.requests[a.RequestID]; stillExists {
			kept = append(kept, a)
		}
	}
	s.deliveryLog = kept
	return nil
}

func (s *Store) BatchTransitions(_ context.Context, batchID string) ([]statemachine.BatchTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statemachine.BatchTransition, len(s.transitions[batchID]))
	copy(out, s.transitions[batchID])
	return out, nil
}

func (s *Store) CreateRequest(_ context.Context, batchID string, req *store.Request) (*store.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	if b.State != statemachine.BatchBuilding {
		return nil, store.ErrBatchNotBuilding
	}
	for _, r := range s.requests {
		if r.BatchID == batchID && r.CustomID == req.CustomID {
			return nil, store.ErrDuplicateCustomID
		}
	}
	if b.RequestCount+1 > store.MaxRequestsPerBatch {
		return nil, store.ErrBatchFull
	}
	if b.SizeBytes+req.RequestPayloadSize > store.MaxBatchBytes {
		return nil, store.ErrBatchSizeWouldExceed
	}

	now := s.now()
	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.BatchID = batchID
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.State == "" {
		r.State = statemachine.RequestPending
	}
	s.requests[r.ID] = &r

	// aggregate maintenance: the in-memory equivalent of the SQL triggers.
	b.RequestCount++
	b.SizeBytes += r.RequestPayloadSize
	b.EstimatedInputTokensTotal += r.EstimatedInputTokens
	b.UpdatedAt = now

	out := r
	return &out, nil
}

func (s *Store) GetRequest(_ context.Context, id string) (*store.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	out := *r
	return &out, nil
}

func (s *Store) ListRequestsByBatch(_ context.Context, batchID string) ([]*store.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Request
	for _, r := range s.requests {
		if r.BatchID == batchID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomID < out[j].CustomID })
	return out, nil
}

func (s *Store) ListRequestsByBatchAndStates(ctx context.Context, batchID string, states []statemachine.RequestState) ([]*store.Request, error) {
	all, err := s.ListRequestsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	want := map[statemachine.RequestState]bool{}
	for _, st := range states {
		want[st] = true
	}
	var out []*store.Request
	for _, r := range all {
		if want[r.State] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListRequestsByCustomIDs(ctx context.Context, batchID string, customIDs []string) ([]*store.Request, error) {
	all, err := s.ListRequestsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, c := range customIDs {
		want[c] = true
	}
	var out []*store.Request
	for _, r := range all {
		if want[r.CustomID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) TransitionRequest(_ context.Context, id string, to statemachine.RequestState, mutate func(*store.Request)) (*store.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	if err := statemachine.ValidateRequestTransition(r.State, to); err != nil {
		return nil, err
	}
	r.State = to
	r.UpdatedAt = s.now()
	if mutate != nil {
		mutate(r)
	}
	out := *r
	return &out, nil
}

func (s *Store) RecordDeliveryAttempt(_ context.Context, attempt *statemachine.RequestDeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *attempt
	a.ID = int64(len(s.deliveryLog) + 1)
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = s.now()
	}
	s.deliveryLog = append(s.deliveryLog, a)
	return nil
}

// DeliveryAttempts is a test helper exposing the append-only audit log for
// a request.
func (s *Store) DeliveryAttempts(requestID string) []statemachine.RequestDeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []statemachine.RequestDeliveryAttempt
	for _, a := range s.deliveryLog {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	return out
}

func cloneBatch(b *store.Batch) *store.Batch {
	cp := *b
	return &cp
}

var _ store.Store = (*Store)(nil)
