// Copyright 2025 James Ross

// Package adminhttp is a thin, internal-only inspection surface over
// Batch/Request state (spec.md §3): list/peek endpoints for operators,
// plus two confirmation-gated actions (redeliver, cancel) that proxy
// into BatchWorkflow and DeliveryWorker. It stands in for the "public
// ingress API" and "admin UI" the spec keeps external, grounded on the
// route/handler shape of the teacher's internal/admin-api but with its
// auth, rate-limiting, and audit-log middleware stripped: this is a
// read-mostly operator console, not a multi-tenant public API.
package adminhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// Redeliverer resubmits a batch's delivery-failed requests, per
// spec.md §4.8's Redeliver operation.
type Redeliverer interface {
	RedeliverBatch(ctx context.Context, batchID string) error
}

// Canceler tears a batch down early, per spec.md §4.6's Cancel operation.
type Canceler interface {
	CancelBatch(ctx context.Context, batchID string) error
}

// Handler holds the inspection surface's dependencies.
type Handler struct {
	cfg      *Config
	store    store.Store
	redeliver Redeliverer
	cancel   Canceler
	log      *zap.Logger
}

func NewHandler(cfg *Config, s store.Store, redeliver Redeliverer, cancel Canceler, log *zap.Logger) *Handler {
	return &Handler{cfg: cfg, store: s, redeliver: redeliver, cancel: cancel, log: log}
}

// ListBatches handles GET /api/v1/batches. The store contract only
// exposes a non-terminal listing (spec.md §3 has no unbounded
// list-everything query, by design — terminal batches age out via
// DeleteExpiredBatches), so that's what this surfaces.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	batches, err := h.store.ListNonTerminalBatches(ctx)
	if err != nil {
		h.log.Error("adminhttp: list batches failed", obs.Err(err))
		writeError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list batches")
		return
	}

	out := make([]*BatchSummary, 0, len(batches))
	for _, b := range batches {
		out = append(out, &BatchSummary{
			ID:                 b.ID,
			Model:              b.Model,
			State:              string(b.State),
			RequestCount:       b.RequestCount,
			CreatedAt:          b.CreatedAt.Format(time.RFC3339),
			CapacityWaitReason: b.CapacityWaitReason,
		})
	}
	writeJSON(w, http.StatusOK, BatchListResponse{Batches: out, Timestamp: time.Now()})
}

// GetBatch handles GET /api/v1/batches/{id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	b, err := h.store.GetBatch(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetBatchTransitions handles GET /api/v1/batches/{id}/transitions.
func (h *Handler) GetBatchTransitions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	transitions, err := h.store.BatchTransitions(ctx, id)
	if err != nil {
		h.log.Error("adminhttp: list batch transitions failed", obs.String("batch_id", id), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list transitions")
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

// ListBatchRequests handles GET /api/v1/batches/{id}/requests.
func (h *Handler) ListBatchRequests(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	requests, err := h.store.ListRequestsByBatch(ctx, id)
	if err != nil {
		h.log.Error("adminhttp: list batch requests failed", obs.String("batch_id", id), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "LIST_FAILED", "failed to list requests")
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

// GetRequest handles GET /api/v1/requests/{id}.
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	req, err := h.store.GetRequest(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "request not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// RedeliverBatch handles POST /api/v1/batches/{id}/redeliver.
func (h *Handler) RedeliverBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Confirmation != h.cfg.ConfirmationPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("confirmation must be %q", h.cfg.ConfirmationPhrase))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.redeliver.RedeliverBatch(ctx, id); err != nil {
		h.log.Error("adminhttp: redeliver failed", obs.String("batch_id", id), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "REDELIVER_FAILED", err.Error())
		return
	}
	h.log.Info("adminhttp: batch redeliver requested", obs.String("batch_id", id), obs.String("reason", req.Reason))
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "redelivery started", Timestamp: time.Now()})
}

// CancelBatch handles POST /api/v1/batches/{id}/cancel.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Confirmation != h.cfg.ConfirmationPhrase {
		writeError(w, http.StatusBadRequest, "CONFIRMATION_FAILED",
			fmt.Sprintf("confirmation must be %q", h.cfg.ConfirmationPhrase))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.cancel.CancelBatch(ctx, id); err != nil {
		h.log.Error("adminhttp: cancel failed", obs.String("batch_id", id), obs.Err(err))
		writeError(w, http.StatusInternalServerError, "CANCEL_FAILED", err.Error())
		return
	}
	h.log.Info("adminhttp: batch cancel requested", obs.String("batch_id", id), obs.String("reason", req.Reason))
	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Message: "batch cancelled", Timestamp: time.Now()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
