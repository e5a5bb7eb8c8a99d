// Copyright 2025 James Ross
// Package sql is the production store.Store: Postgres or SQLite, chosen by
// config, built on sqlx over database/sql with lib/pq / mattn/go-sqlite3 as
// drivers. Aggregate maintenance lives in the database triggers shipped in
// internal/store/migrations, not here — this file only ever reads the
// aggregates back.
package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
	"github.com/williamwinkler/openai-batch-manager/internal/store/migrations"
)

// Driver names this package accepts for store.driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type Store struct {
	db     *sqlx.DB
	driver string
}

// Open opens dsn with the given driver ("postgres" or "sqlite3"), runs
// pending migrations, and returns a ready-to-use Store.
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := migrations.Run(db.DB, driver); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// row/scan helpers -----------------------------------------------------

type batchRow struct {
	ID    string `db:"id"`
	Model string `db:"model"`
	URL   string `db:"url"`
	State string `db:"state"`

	ProviderInputFileID  string `db:"provider_input_file_id"`
	ProviderOutputFileID string `db:"provider_output_file_id"`
	ProviderErrorFileID  string `db:"provider_error_file_id"`
	ProviderBatchID      string `db:"provider_batch_id"`

	CreatedAt                   time.Time  `db:"created_at"`
	UpdatedAt                   time.Time  `db:"updated_at"`
	ExpiresAt                   *time.Time `db:"expires_at"`
	ProviderStatusLastCheckedAt *time.Time `db:"provider_status_last_checked_at"`
	WaitingForCapacitySinceAt   *time.Time `db:"waiting_for_capacity_since_at"`

	RequestCount              int64 `db:"request_count"`
	SizeBytes                 int64 `db:"size_bytes"`
	EstimatedInputTokensTotal int64 `db:"estimated_input_tokens_total"`

	ProviderRequestsCompleted int64 `db:"provider_requests_completed"`
	ProviderRequestsFailed    int64 `db:"provider_requests_failed"`
	ProviderRequestsTotal     int64 `db:"provider_requests_total"`

	InputTokens     int64 `db:"input_tokens"`
	CachedTokens    int64 `db:"cached_tokens"`
	ReasoningTokens int64 `db:"reasoning_tokens"`
	OutputTokens    int64 `db:"output_tokens"`

	CapacityWaitReason       string     `db:"capacity_wait_reason"`
	TokenLimitRetryAttempts  int        `db:"token_limit_retry_attempts"`
	TokenLimitRetryNextAt    *time.Time `db:"token_limit_retry_next_at"`
	TokenLimitRetryLastError string     `db:"token_limit_retry_last_error"`

	ErrorMsg string `db:"error_msg"`
}

func (r batchRow) toDomain() *store.Batch {
	return &store.Batch{
		ID: r.ID, Model: r.Model, URL: r.URL, State: statemachine.BatchState(r.State),
		ProviderInputFileID: r.ProviderInputFileID, ProviderOutputFileID: r.ProviderOutputFileID,
		ProviderErrorFileID: r.ProviderErrorFileID, ProviderBatchID: r.ProviderBatchID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, ExpiresAt: r.ExpiresAt,
		ProviderStatusLastCheckedAt: r.ProviderStatusLastCheckedAt,
		WaitingForCapacitySinceAt:   r.WaitingForCapacitySinceAt,
		RequestCount:                int(r.RequestCount),
		SizeBytes:                   r.SizeBytes,
		EstimatedInputTokensTotal:   r.EstimatedInputTokensTotal,
		ProviderRequestsCompleted:   int(r.ProviderRequestsCompleted),
		ProviderRequestsFailed:      int(r.ProviderRequestsFailed),
		ProviderRequestsTotal:       int(r.ProviderRequestsTotal),
		InputTokens:                 r.InputTokens,
		CachedTokens:                r.CachedTokens,
		ReasoningTokens:             r.ReasoningTokens,
		OutputTokens:                r.OutputTokens,
		CapacityWaitReason:          r.CapacityWaitReason,
		TokenLimitRetryAttempts:     r.TokenLimitRetryAttempts,
		TokenLimitRetryNextAt:       r.TokenLimitRetryNextAt,
		TokenLimitRetryLastError:    r.TokenLimitRetryLastError,
		ErrorMsg:                    r.ErrorMsg,
	}
}

type requestRow struct {
	ID       string `db:"id"`
	BatchID  string `db:"batch_id"`
	CustomID string `db:"custom_id"`
	URL      string `db:"url"`
	Model    string `db:"model"`
	State    string `db:"state"`

	RequestPayload     []byte `db:"request_payload"`
	RequestPayloadSize int64  `db:"request_payload_size"`
	ResponsePayload    []byte `db:"response_payload"`

	EstimatedInputTokens        int64 `db:"estimated_input_tokens"`
	EstimatedRequestInputTokens int64 `db:"estimated_request_input_tokens"`

	DeliveryConfig []byte `db:"delivery_config"`

	ErrorMsg             string    `db:"error_msg"`
	DeliveryAttemptCount int       `db:"delivery_attempt_count"`
	CreatedAt            time.Time `db:"created_at"`
	UpdatedAt            time.Time `db:"updated_at"`
}

func (r requestRow) toDomain() (*store.Request, error) {
	var dc store.DeliveryConfig
	if len(r.DeliveryConfig) > 0 {
		if err := json.Unmarshal(r.DeliveryConfig, &dc); err != nil {
			return nil, fmt.Errorf("unmarshal delivery_config: %w", err)
		}
	}
	return &store.Request{
		ID: r.ID, BatchID: r.BatchID, CustomID: r.CustomID, URL: r.URL, Model: r.Model,
		State:                       statemachine.RequestState(r.State),
		RequestPayload:              json.RawMessage(r.RequestPayload),
		RequestPayloadSize:          r.RequestPayloadSize,
		ResponsePayload:             json.RawMessage(r.ResponsePayload),
		EstimatedInputTokens:        r.EstimatedInputTokens,
		EstimatedRequestInputTokens: r.EstimatedRequestInputTokens,
		DeliveryConfig:              dc,
		ErrorMsg:                    r.ErrorMsg,
		DeliveryAttemptCount:        r.DeliveryAttemptCount,
		CreatedAt:                   r.CreatedAt,
		UpdatedAt:                   r.UpdatedAt,
	}, nil
}

// CreateBatch -------------------------------------------------------------

func (s *Store) CreateBatch(ctx context.Context, url, model string) (*store.Batch, error) {
	id := uuid.NewString()
	q := s.db.Rebind(`INSERT INTO batches (id, url, model, state) VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, id, url, model, string(statemachine.BatchBuilding)); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	return s.GetBatch(ctx, id)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*store.Batch, error) {
	var row batchRow
	q := s.db.Rebind(`SELECT * FROM batches WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrBatchNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func (s *Store) FindBuildingBatch(ctx context.Context, url, model string) (*store.Batch, error) {
	var row batchRow
	q := s.db.Rebind(`SELECT * FROM batches WHERE url = ? AND model = ? AND state = ? ORDER BY created_at ASC LIMIT 1`)
	if err := s.db.GetContext(ctx, &row, q, url, model, string(statemachine.BatchBuilding)); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if row.RequestCount >= store.MaxRequestsPerBatch {
		return nil, nil
	}
	return row.toDomain(), nil
}

// TransitionBatch runs in a transaction: re-read with a row lock, validate
// the transition, apply the mutation, write the row, append the audit.
func (s *Store) TransitionBatch(ctx context.Context, id string, to statemachine.BatchState, mutate func(*store.Batch)) (*store.Batch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row batchRow
	lockSuffix := ""
	if s.driver == DriverPostgres {
		lockSuffix = " FOR UPDATE"
	}
	q := tx.Rebind(`SELECT * FROM batches WHERE id = ?` + lockSuffix)
	if err := tx.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrBatchNotFound
		}
		return nil, err
	}
	from := statemachine.BatchState(row.State)
	if err := statemachine.ValidateBatchTransition(from, to); err != nil {
		return nil, err
	}

	b := row.toDomain()
	b.State = to
	b.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(b)
	}

	upd := tx.Rebind(`UPDATE batches SET
		state = ?, provider_input_file_id = ?, provider_output_file_id = ?, provider_error_file_id = ?,
		provider_batch_id = ?, updated_at = ?, expires_at = ?, provider_status_last_checked_at = ?,
		waiting_for_capacity_since_at = ?, provider_requests_completed = ?, provider_requests_failed = ?,
		provider_requests_total = ?, input_tokens = ?, cached_tokens = ?, reasoning_tokens = ?, output_tokens = ?,
		capacity_wait_reason = ?, token_limit_retry_attempts = ?, token_limit_retry_next_at = ?,
		token_limit_retry_last_error = ?, error_msg = ?
		WHERE id = ?`)
	_, err = tx.ExecContext(ctx, upd,
		string(b.State), b.ProviderInputFileID, b.ProviderOutputFileID, b.ProviderErrorFileID,
		b.ProviderBatchID, b.UpdatedAt, b.ExpiresAt, b.ProviderStatusLastCheckedAt,
		b.WaitingForCapacitySinceAt, b.ProviderRequestsCompleted, b.ProviderRequestsFailed,
		b.ProviderRequestsTotal, b.InputTokens, b.CachedTokens, b.ReasoningTokens, b.OutputTokens,
		b.CapacityWaitReason, b.TokenLimitRetryAttempts, b.TokenLimitRetryNextAt,
		b.TokenLimitRetryLastError, b.ErrorMsg, id)
	if err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}

	ins := tx.Rebind(`INSERT INTO batch_transitions (batch_id, from_state, to_state, transitioned_at) VALUES (?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, id, string(from), string(to), b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBatch applies mutate in place without a state change or transition
// row, for poll_status's in-progress counter refreshes.
func (s *Store) UpdateBatch(ctx context.Context, id string, mutate func(*store.Batch)) (*store.Batch, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row batchRow
	lockSuffix := ""
	if s.driver == DriverPostgres {
		lockSuffix = " FOR UPDATE"
	}
	q := tx.Rebind(`SELECT * FROM batches WHERE id = ?` + lockSuffix)
	if err := tx.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrBatchNotFound
		}
		return nil, err
	}

	b := row.toDomain()
	b.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(b)
	}

	upd := tx.Rebind(`UPDATE batches SET
		state = ?, provider_input_file_id = ?, provider_output_file_id = ?, provider_error_file_id = ?,
		provider_batch_id = ?, updated_at = ?, expires_at = ?, provider_status_last_checked_at = ?,
		waiting_for_capacity_since_at = ?, provider_requests_completed = ?, provider_requests_failed = ?,
		provider_requests_total = ?, input_tokens = ?, cached_tokens = ?, reasoning_tokens = ?, output_tokens = ?,
		capacity_wait_reason = ?, token_limit_retry_attempts = ?, token_limit_retry_next_at = ?,
		token_limit_retry_last_error = ?, error_msg = ?
		WHERE id = ?`)
	_, err = tx.ExecContext(ctx, upd,
		string(b.State), b.ProviderInputFileID, b.ProviderOutputFileID, b.ProviderErrorFileID,
		b.ProviderBatchID, b.UpdatedAt, b.ExpiresAt, b.ProviderStatusLastCheckedAt,
		b.WaitingForCapacitySinceAt, b.ProviderRequestsCompleted, b.ProviderRequestsFailed,
		b.ProviderRequestsTotal, b.InputTokens, b.CachedTokens, b.ReasoningTokens, b.OutputTokens,
		b.CapacityWaitReason, b.TokenLimitRetryAttempts, b.TokenLimitRetryNextAt,
		b.TokenLimitRetryLastError, b.ErrorMsg, id)
	if err != nil {
		return nil, fmt.Errorf("update batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) ListWaitingForCapacity(ctx context.Context, model string) ([]*store.Batch, error) {
	var rows []batchRow
	q := s.db.Rebind(`SELECT * FROM batches WHERE model = ? AND state = ? ORDER BY waiting_for_capacity_since_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, model, string(statemachine.BatchWaitingForCapacity)); err != nil {
		return nil, err
	}
	out := make([]*store.Batch, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) SumReservedTokens(ctx context.Context, model string, states []statemachine.BatchState, excludeBatchID string) (int64, error) {
	if len(states) == 0 {
		return 0, nil
	}
	placeholders := ""
	args := []interface{}{model}
	for i, st := range states {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	args = append(args, excludeBatchID)
	q := s.db.Rebind(fmt.Sprintf(
		`SELECT COALESCE(SUM(estimated_input_tokens_total), 0) FROM batches WHERE model = ? AND state IN (%s) AND id != ?`,
		placeholders))
	var total int64
	if err := s.db.GetContext(ctx, &total, q, args...); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListNonTerminalBatches(ctx context.Context) ([]*store.Batch, error) {
	terminal := []statemachine.BatchState{
		statemachine.BatchDelivered, statemachine.BatchPartiallyDelivered, statemachine.BatchDeliveryFailed,
		statemachine.BatchFailed, statemachine.BatchCancelled, statemachine.BatchDone,
	}
	placeholders := ""
	args := []interface{}{}
	for i, st := range terminal {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	q := s.db.Rebind(fmt.Sprintf(`SELECT * FROM batches WHERE state NOT IN (%s) ORDER BY id`, placeholders))
	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*store.Batch, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) ListStaleBuildingBatches(ctx context.Context, olderThanSeconds int64) ([]*store.Batch, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanSeconds) * time.Second)
	q := s.db.Rebind(`SELECT * FROM batches WHERE state = ? AND created_at < ?`)
	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, q, string(statemachine.BatchBuilding), cutoff); err != nil {
		return nil, err
	}
	out := make([]*store.Batch, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) ListExpiredBatches(ctx context.Context) ([]*store.Batch, error) {
	q := s.db.Rebind(`SELECT * FROM batches WHERE expires_at IS NOT NULL AND expires_at < ?`)
	var rows []batchRow
	if err := s.db.SelectContext(ctx, &rows, q, time.Now().UTC()); err != nil {
		return nil, err
	}
	out := make([]*store.Batch, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	q := s.db.Rebind(`DELETE FROM batches WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrBatchNotFound
	}
	return nil
}

func (s *Store) BatchTransitions(ctx context.Context, batchID string) ([]statemachine.BatchTransition, error) {
	type txRow struct {
		ID             int64     `db:"id"`
		BatchID        string    `db:"batch_id"`
		FromState      string    `db:"from_state"`
		ToState        string    `db:"to_state"`
		TransitionedAt time.Time `db:"transitioned_at"`
	}
	var rows []txRow
	q := s.db.Rebind(`SELECT * FROM batch_transitions WHERE batch_id = ? ORDER BY id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, batchID); err != nil {
		return nil, err
	}
	out := make([]statemachine.BatchTransition, len(rows))
	for i, r := range rows {
		out[i] = statemachine.BatchTransition{
			ID: r.ID, BatchID: r.BatchID,
			FromState: statemachine.BatchState(r.FromState), ToState: statemachine.BatchState(r.ToState),
			TransitionedAt: r.TransitionedAt,
		}
	}
	return out, nil
}

// CreateRequest -----------------------------------------------------------

func (s *Store) CreateRequest(ctx context.Context, batchID string, req *store.Request) (*store.Request, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lockSuffix := ""
	if s.driver == DriverPostgres {
		lockSuffix = " FOR UPDATE"
	}
	var b batchRow
	q := tx.Rebind(`SELECT * FROM batches WHERE id = ?` + lockSuffix)
	if err := tx.GetContext(ctx, &b, q, batchID); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrBatchNotFound
		}
		return nil, err
	}
	if statemachine.BatchState(b.State) != statemachine.BatchBuilding {
		return nil, store.ErrBatchNotBuilding
	}
	if b.RequestCount+1 > store.MaxRequestsPerBatch {
		return nil, store.ErrBatchFull
	}
	if b.SizeBytes+req.RequestPayloadSize > store.MaxBatchBytes {
		return nil, store.ErrBatchSizeWouldExceed
	}

	var dupCount int
	dq := tx.Rebind(`SELECT COUNT(*) FROM requests WHERE batch_id = ? AND custom_id = ?`)
	if err := tx.GetContext(ctx, &dupCount, dq, batchID, req.CustomID); err != nil {
		return nil, err
	}
	if dupCount > 0 {
		return nil, store.ErrDuplicateCustomID
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	state := req.State
	if state == "" {
		state = statemachine.RequestPending
	}
	dcBytes, err := json.Marshal(req.DeliveryConfig)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery_config: %w", err)
	}
	now := time.Now().UTC()

	ins := tx.Rebind(`INSERT INTO requests
		(id, batch_id, custom_id, url, model, state, request_payload, request_payload_size,
		 response_payload, estimated_input_tokens, estimated_request_input_tokens, delivery_config,
		 error_msg, delivery_attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, ins,
		id, batchID, req.CustomID, req.URL, req.Model, string(state),
		[]byte(req.RequestPayload), req.RequestPayloadSize, nullBytes(req.ResponsePayload),
		req.EstimatedInputTokens, req.EstimatedRequestInputTokens, dcBytes,
		req.ErrorMsg, req.DeliveryAttemptCount, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func (s *Store) GetRequest(ctx context.Context, id string) (*store.Request, error) {
	var row requestRow
	q := s.db.Rebind(`SELECT * FROM requests WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrRequestNotFound
		}
		return nil, err
	}
	return row.toDomain()
}

func (s *Store) ListRequestsByBatch(ctx context.Context, batchID string) ([]*store.Request, error) {
	var rows []requestRow
	q := s.db.Rebind(`SELECT * FROM requests WHERE batch_id = ? ORDER BY created_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, batchID); err != nil {
		return nil, err
	}
	out := make([]*store.Request, len(rows))
	for i, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (s *Store) ListRequestsByBatchAndStates(ctx context.Context, batchID string, states []statemachine.RequestState) ([]*store.Request, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []interface{}{batchID}
	for i, st := range states {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	q := s.db.Rebind(fmt.Sprintf(`SELECT * FROM requests WHERE batch_id = ? AND state IN (%s) ORDER BY created_at ASC, id ASC`, placeholders))
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*store.Request, len(rows))
	for i, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (s *Store) ListRequestsByCustomIDs(ctx context.Context, batchID string, customIDs []string) ([]*store.Request, error) {
	if len(customIDs) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []interface{}{batchID}
	for i, c := range customIDs {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, c)
	}
	q := s.db.Rebind(fmt.Sprintf(`SELECT * FROM requests WHERE batch_id = ? AND custom_id IN (%s)`, placeholders))
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*store.Request, len(rows))
	for i, r := range rows {
		d, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (s *Store) TransitionRequest(ctx context.Context, id string, to statemachine.RequestState, mutate func(*store.Request)) (*store.Request, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lockSuffix := ""
	if s.driver == DriverPostgres {
		lockSuffix = " FOR UPDATE"
	}
	var row requestRow
	q := tx.Rebind(`SELECT * FROM requests WHERE id = ?` + lockSuffix)
	if err := tx.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrRequestNotFound
		}
		return nil, err
	}
	from := statemachine.RequestState(row.State)
	if err := statemachine.ValidateRequestTransition(from, to); err != nil {
		return nil, err
	}
	r, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	r.State = to
	r.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(r)
	}
	dcBytes, err := json.Marshal(r.DeliveryConfig)
	if err != nil {
		return nil, err
	}

	upd := tx.Rebind(`UPDATE requests SET state = ?, response_payload = ?, error_msg = ?,
		delivery_attempt_count = ?, delivery_config = ?, updated_at = ? WHERE id = ?`)
	_, err = tx.ExecContext(ctx, upd, string(r.State), nullBytes(r.ResponsePayload), r.ErrorMsg,
		r.DeliveryAttemptCount, dcBytes, r.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) RecordDeliveryAttempt(ctx context.Context, attempt *statemachine.RequestDeliveryAttempt) error {
	at := attempt.AttemptedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	q := s.db.Rebind(`INSERT INTO request_delivery_attempts
		(request_id, outcome, delivery_config_snapshot, error_msg, attempted_at)
		VALUES (?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q, attempt.RequestID, string(attempt.Outcome),
		[]byte(attempt.DeliveryConfigSnapshot), attempt.ErrorMsg, at)
	return err
}

var _ store.Store = (*Store)(nil)
