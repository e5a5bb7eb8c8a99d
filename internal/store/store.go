// Copyright 2025 James Ross
package store

import (
	"context"

	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
)

// Store is the typed persistence contract spec.md §4.2 requires: CRUD with
// strong integrity, denormalized aggregates maintained transactionally
// (never by the caller), and atomic state transitions that write their
// audit row in the same transaction as the mutation.
//
// Two implementations ship in this repo: internal/store/sql (Postgres or
// SQLite, chosen by config) for production, and internal/store/memstore
// for unit tests that don't want a database.
type Store interface {
	// CreateBatch inserts a new Batch in state building for (url, model).
	CreateBatch(ctx context.Context, url, model string) (*Batch, error)

	// GetBatch returns ErrBatchNotFound if id doesn't exist.
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// FindBuildingBatch returns the one building Batch for (url, model), or
	// (nil, nil) if there is none, or if the existing one is already at the
	// request-count cap (spec.md §4.2: "returns nothing if it would
	// overflow the request cap"). Callers must still re-validate size
	// under their own lock before writing.
	FindBuildingBatch(ctx context.Context, url, model string) (*Batch, error)

	// TransitionBatch atomically moves batch id from its current state to
	// `to`, applies mutate to the in-flight row before the update commits,
	// and appends exactly one BatchTransition record. Returns
	// *statemachine.InvalidTransitionError if the transition isn't legal.
	TransitionBatch(ctx context.Context, id string, to statemachine.BatchState, mutate func(*Batch)) (*Batch, error)

	// UpdateBatch applies mutate to batch id in place without changing its
	// state or writing a transition row. Used by poll_status to refresh
	// provider progress counters while a batch stays in openai_processing
	// (spec.md §4.6: "validating | in_progress | finalizing: no state
	// change; update counters and reschedule").
	UpdateBatch(ctx context.Context, id string, mutate func(*Batch)) (*Batch, error)

	// ListWaitingForCapacity returns Batches in waiting_for_capacity for a
	// model, ordered waiting_for_capacity_since_at ASC, id ASC.
	ListWaitingForCapacity(ctx context.Context, model string) ([]*Batch, error)

	// SumReservedTokens sums estimated_input_tokens_total over Batches of
	// model in any of states, excluding excludeBatchID (may be "").
	SumReservedTokens(ctx context.Context, model string, states []statemachine.BatchState, excludeBatchID string) (int64, error)

	// ListNonTerminalBatches returns every Batch not in a terminal state,
	// for Recovery (spec.md §4.9).
	ListNonTerminalBatches(ctx context.Context) ([]*Batch, error)

	// ListStaleBuildingBatches returns Batches in state building with
	// created_at older than the given age.
	ListStaleBuildingBatches(ctx context.Context, olderThanSeconds int64) ([]*Batch, error)

	// ListExpiredBatches returns Batches whose expires_at has passed.
	ListExpiredBatches(ctx context.Context) ([]*Batch, error)

	// DeleteBatch removes a Batch and cascades its Requests,
	// BatchTransitions and RequestDeliveryAttempts.
	DeleteBatch(ctx context.Context, id string) error

	// BatchTransitions returns the append-only audit chain for a batch, in
	// order.
	BatchTransitions(ctx context.Context, batchID string) ([]statemachine.BatchTransition, error)

	// CreateRequest inserts req under batchID within a transaction that
	// also bumps the parent Batch's aggregates. Returns ErrDuplicateCustomID
	// if (batch_id, custom_id) already exists, ErrBatchFull /
	// ErrBatchSizeWouldExceed if inserting would violate the Batch's caps.
	CreateRequest(ctx context.Context, batchID string, req *Request) (*Request, error)

	// GetRequest returns ErrRequestNotFound if id doesn't exist.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// ListRequestsByBatch returns every Request of a batch.
	ListRequestsByBatch(ctx context.Context, batchID string) ([]*Request, error)

	// ListRequestsByBatchAndStates filters ListRequestsByBatch by state.
	ListRequestsByBatchAndStates(ctx context.Context, batchID string, states []statemachine.RequestState) ([]*Request, error)

	// ListRequestsByCustomIDs fetches a batch's Requests matching any of
	// customIDs, for FileReconciler's chunked lookups.
	ListRequestsByCustomIDs(ctx context.Context, batchID string, customIDs []string) ([]*Request, error)

	// TransitionRequest atomically moves request id to `to`, applies mutate
	// before commit, and is the only way application code changes a
	// Request's state. Returns *statemachine.InvalidTransitionError if the
	// transition isn't legal.
	TransitionRequest(ctx context.Context, id string, to statemachine.RequestState, mutate func(*Request)) (*Request, error)

	// RecordDeliveryAttempt appends an audit row. Append-only, never
	// updated or deleted except by DeleteBatch's cascade.
	RecordDeliveryAttempt(ctx context.Context, attempt *statemachine.RequestDeliveryAttempt) error
}
