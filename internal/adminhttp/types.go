// Copyright 2025 James Ross
package adminhttp

import "time"

// ErrorResponse is the envelope every non-2xx response returns.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// BatchListResponse answers GET /api/v1/batches.
type BatchListResponse struct {
	Batches   []*BatchSummary `json:"batches"`
	Timestamp time.Time       `json:"timestamp"`
}

// BatchSummary is the trimmed view returned by the list endpoint; the
// single-batch endpoint returns the full store.Batch instead.
type BatchSummary struct {
	ID            string `json:"id"`
	Model         string `json:"model"`
	State         string `json:"state"`
	RequestCount  int    `json:"request_count"`
	CreatedAt     string `json:"created_at"`
	CapacityWaitReason string `json:"capacity_wait_reason,omitempty"`
}

// ActionRequest is the body required on the two destructive endpoints.
type ActionRequest struct {
	Confirmation string `json:"confirmation"`
	Reason       string `json:"reason"`
}

// ActionResponse acknowledges a destructive action was accepted.
type ActionResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
