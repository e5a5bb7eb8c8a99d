// Copyright 2025 James Ross
// Package store defines the typed persistence contract for Batch, Request,
// BatchTransition and RequestDeliveryAttempt (spec.md §3, §4.2), plus two
// implementations: a Postgres/SQLite backend (internal/store/sql) for
// production and an in-memory fake for unit tests that don't want a real
// database.
package store

import (
	"encoding/json"
	"time"

	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
)

// DeliveryConfigType discriminates the three shapes a DeliveryConfig can
// take, per spec.md §3.
type DeliveryConfigType string

const (
	DeliveryWebhook      DeliveryConfigType = "webhook"
	DeliveryAMQPQueue    DeliveryConfigType = "amqp_queue"
	DeliveryAMQPExchange DeliveryConfigType = "amqp_exchange"
)

// DeliveryConfig is the tagged union routing a Request's result to a sink.
type DeliveryConfig struct {
	Type DeliveryConfigType `json:"type"`

	// DeliveryWebhook
	URL string `json:"url,omitempty"`

	// DeliveryAMQPQueue
	Queue string `json:"queue,omitempty"`

	// DeliveryAMQPExchange
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

// Validate enforces the field-presence-per-variant rule from spec.md §9.
func (c DeliveryConfig) Validate() error {
	switch c.Type {
	case DeliveryWebhook:
		if c.URL == "" {
			return errInvalidDeliveryConfig("webhook requires url")
		}
	case DeliveryAMQPQueue:
		if c.Queue == "" {
			return errInvalidDeliveryConfig("amqp_queue requires queue")
		}
	case DeliveryAMQPExchange:
		if c.Exchange == "" || c.RoutingKey == "" {
			return errInvalidDeliveryConfig("amqp_exchange requires exchange and routing_key")
		}
	default:
		return errInvalidDeliveryConfig("unknown delivery_config type " + string(c.Type))
	}
	return nil
}

type invalidDeliveryConfigError string

func (e invalidDeliveryConfigError) Error() string { return string(e) }

func errInvalidDeliveryConfig(msg string) error { return invalidDeliveryConfigError(msg) }

// Batch mirrors spec.md §3's Batch entity.
type Batch struct {
	ID    string
	Model string
	URL   string
	State statemachine.BatchState

	ProviderInputFileID  string
	ProviderOutputFileID string
	ProviderErrorFileID  string
	ProviderBatchID      string

	CreatedAt                    time.Time
	UpdatedAt                    time.Time
	ExpiresAt                    *time.Time
	ProviderStatusLastCheckedAt  *time.Time
	WaitingForCapacitySinceAt    *time.Time

	RequestCount               int
	SizeBytes                  int64
	EstimatedInputTokensTotal  int64

	ProviderRequestsCompleted int
	ProviderRequestsFailed    int
	ProviderRequestsTotal     int

	InputTokens     int64
	CachedTokens    int64
	ReasoningTokens int64
	OutputTokens    int64

	CapacityWaitReason       string
	TokenLimitRetryAttempts  int
	TokenLimitRetryNextAt    *time.Time
	TokenLimitRetryLastError string

	ErrorMsg string
}

// Request mirrors spec.md §3's Request entity.
type Request struct {
	ID       string
	BatchID  string
	CustomID string
	URL      string
	Model    string
	State    statemachine.RequestState

	RequestPayload     json.RawMessage
	RequestPayloadSize int64
	ResponsePayload    json.RawMessage

	EstimatedInputTokens        int64
	EstimatedRequestInputTokens int64

	DeliveryConfig DeliveryConfig

	ErrorMsg            string
	DeliveryAttemptCount int
	CreatedAt            time.Time
	UpdatedAt             time.Time
}
