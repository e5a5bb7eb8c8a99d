// Copyright 2025 James Ross

// Package batchbuilder absorbs individually submitted requests into the
// current building Batch for a (url, model) pair, rotating it to a new
// Batch when a limit is reached (spec.md §4.3). Per spec.md §9's design
// note, the per-key actor is a mutex-protected struct kept in a
// process-wide registry, not a goroutine+channel: add_request calls for
// the same (url, model) are linearized by the actor's own lock, and a
// crashed actor is simply recreated lazily on the next submit since all
// of its state lives in the Store.
package batchbuilder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/williamwinkler/openai-batch-manager/internal/capacityprovider"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
	"github.com/williamwinkler/openai-batch-manager/internal/tokenestimator"
)

// StartUploader runs the start_upload workflow step (spec.md §4.6): a
// building→uploading transition plus enqueueing the upload trigger.
// BatchBuilder calls it inline when it needs to rotate a batch out from
// under new submissions. Implemented by internal/workflow.Engine.
type StartUploader interface {
	StartUpload(ctx context.Context, batchID string) error
}

// AddRequestInput is one submit_request call (spec.md §6.1).
type AddRequestInput struct {
	CustomID       string
	RequestPayload json.RawMessage
	DeliveryConfig store.DeliveryConfig
}

// Builder is the process-wide registry of per-(url, model) actors.
type Builder struct {
	store     store.Store
	estimator tokenestimator.Estimator
	capacity  capacityprovider.Provider
	uploader  StartUploader

	mu     sync.Mutex
	actors map[string]*actor
}

func New(s store.Store, est tokenestimator.Estimator, cap capacityprovider.Provider, up StartUploader) *Builder {
	return &Builder{
		store:     s,
		estimator: est,
		capacity:  cap,
		uploader:  up,
		actors:    map[string]*actor{},
	}
}

type actor struct {
	mu sync.Mutex
}

func actorKey(url, model string) string { return url + "\x00" + model }

func (b *Builder) actorFor(url, model string) *actor {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := actorKey(url, model)
	a, ok := b.actors[key]
	if !ok {
		a = &actor{}
		b.actors[key] = a
	}
	return a
}

// AddRequest runs spec.md §4.3's add_request algorithm.
func (b *Builder) AddRequest(ctx context.Context, url, model string, in AddRequestInput) (*store.Request, error) {
	if err := validateSubmission(url, model, in); err != nil {
		return nil, err
	}

	a := b.actorFor(url, model)
	a.mu.Lock()
	defer a.mu.Unlock()

	payloadSize := int64(len(in.RequestPayload))
	estTokens, err := b.estimator.EstimateInputTokens(url, model, in.RequestPayload)
	if err != nil {
		return nil, fmt.Errorf("batchbuilder: estimate tokens: %w", err)
	}

	limit, limitErr := b.capacity.GetBatchLimitTokens(ctx, model)

	for {
		batch, err := b.store.FindBuildingBatch(ctx, url, model)
		if err != nil {
			return nil, fmt.Errorf("batchbuilder: find building batch: %w", err)
		}
		if batch == nil {
			batch, err = b.store.CreateBatch(ctx, url, model)
			if err != nil {
				return nil, fmt.Errorf("batchbuilder: create batch: %w", err)
			}
		}

		wouldExceedCount := batch.RequestCount+1 > store.MaxRequestsPerBatch
		wouldExceedBytes := batch.SizeBytes+payloadSize > store.MaxBatchBytes
		if wouldExceedCount || wouldExceedBytes {
			if batch.RequestCount > 0 {
				if err := b.uploader.StartUpload(ctx, batch.ID); err != nil {
					return nil, fmt.Errorf("batchbuilder: rotate-by-count start_upload: %w", err)
				}
			}
			continue
		}

		req := &store.Request{
			CustomID:                    in.CustomID,
			URL:                         url,
			Model:                       model,
			RequestPayload:              in.RequestPayload,
			RequestPayloadSize:          payloadSize,
			EstimatedInputTokens:        estTokens,
			EstimatedRequestInputTokens: estTokens,
			DeliveryConfig:              in.DeliveryConfig,
			State:                       statemachine.RequestPending,
		}
		persisted, err := b.store.CreateRequest(ctx, batch.ID, req)
		if err != nil {
			if errors.Is(err, store.ErrBatchFull) || errors.Is(err, store.ErrBatchSizeWouldExceed) {
				if batch.RequestCount > 0 {
					if err := b.uploader.StartUpload(ctx, batch.ID); err != nil {
						return nil, fmt.Errorf("batchbuilder: rotate-after-race start_upload: %w", err)
					}
				}
				continue
			}
			return nil, err
		}

		if limitErr == nil {
			refreshed, err := b.store.GetBatch(ctx, batch.ID)
			if err == nil && refreshed.EstimatedInputTokensTotal >= limit {
				if err := b.uploader.StartUpload(ctx, batch.ID); err != nil {
					return nil, fmt.Errorf("batchbuilder: rotate-by-tokens start_upload: %w", err)
				}
			}
		}

		return persisted, nil
	}
}

func validateSubmission(url, model string, in AddRequestInput) error {
	if in.CustomID == "" {
		return store.ErrInvalidPayload
	}
	if err := in.DeliveryConfig.Validate(); err != nil {
		return store.ErrInvalidDeliveryConfig
	}
	var fields struct {
		CustomID string `json:"custom_id"`
		Model    string `json:"model"`
		URL      string `json:"url"`
	}
	if err := json.Unmarshal(in.RequestPayload, &fields); err != nil {
		return store.ErrInvalidPayload
	}
	if fields.CustomID != in.CustomID || fields.Model != model || fields.URL != url {
		return store.ErrInvalidPayload
	}
	return nil
}
