// Copyright 2025 James Ross

// Package delivery implements DeliveryWorker (spec.md §4.8): once a
// Request's result has landed, it is handed to a Sink chosen by the
// Request's delivery_config, with a bounded-retry audit trail.
package delivery

import (
	"context"
	"encoding/json"

	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// Sink delivers one Request's response_payload to its configured
// destination and classifies the outcome for the audit trail.
type Sink interface {
	Send(ctx context.Context, cfg store.DeliveryConfig, payload json.RawMessage) (statemachine.RequestDeliveryOutcome, string, error)
}
