// Copyright 2025 James Ross

// Package provider declares the Batch API client BatchWorkflow drives
// (spec.md §6.2): upload a JSONL file, create an asynchronous batch job
// against it, poll its status, download the result file, and cancel or
// delete. A production client lives in internal/provider/httpclient; an
// in-memory scriptable fake lives in internal/provider/fake for tests.
package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by CancelBatch/DeleteFile for a 404, which
// BatchWorkflow treats as an already-satisfied cancel/delete.
var ErrNotFound = errors.New("provider: not found")

// Status is the provider's batch lifecycle state, spec.md §6.2.
type Status string

const (
	StatusValidating Status = "validating"
	StatusInProgress Status = "in_progress"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// RequestCounts mirrors the provider's per-batch progress counters.
type RequestCounts struct {
	Total     int
	Completed int
	Failed    int
}

// Usage mirrors the provider's token usage rollup for a batch.
type Usage struct {
	InputTokens     int64
	CachedTokens    int64
	ReasoningTokens int64
	OutputTokens    int64
}

// ErrorDatum is one entry of a failed batch's errors.data array.
// "token_limit_exceeded" is the code BatchWorkflow special-cases.
type ErrorDatum struct {
	Code    string
	Message string
}

// BatchStatus is the get_batch response shape (spec.md §6.2).
type BatchStatus struct {
	Status        Status
	RequestCounts *RequestCounts
	Usage         *Usage
	OutputFileID  string
	ErrorFileID   string
	Errors        []ErrorDatum
}

// HasTokenLimitExceeded reports whether any error datum is the
// token_limit_exceeded code BatchWorkflow's retry/backoff flow reacts to.
func (b BatchStatus) HasTokenLimitExceeded() bool {
	for _, e := range b.Errors {
		if e.Code == "token_limit_exceeded" {
			return true
		}
	}
	return false
}

// Client is the ProviderClient contract of spec.md §6.2.
type Client interface {
	// UploadFile uploads stream (a rendered JSONL batch input file) and
	// returns the provider's file id.
	UploadFile(ctx context.Context, stream io.Reader) (fileID string, err error)

	// CreateBatch submits fileID against url (the provider endpoint,
	// e.g. "/v1/chat/completions") for model, returning the provider's
	// batch id and its expiry.
	CreateBatch(ctx context.Context, fileID, url, model string) (batchID string, expiresAt time.Time, err error)

	// GetBatch polls the current status of batchID.
	GetBatch(ctx context.Context, batchID string) (BatchStatus, error)

	// DownloadFile downloads fileID to a local path FileReconciler can
	// stream from.
	DownloadFile(ctx context.Context, fileID string) (localPath string, err error)

	// CancelBatch cancels batchID. Returns ErrNotFound if the provider
	// has no record of it (treated as already-cancelled).
	CancelBatch(ctx context.Context, batchID string) error

	// DeleteFile best-effort deletes fileID. Returns ErrNotFound for a
	// 404.
	DeleteFile(ctx context.Context, fileID string) error
}
