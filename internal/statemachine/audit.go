// Copyright 2025 James Ross
package statemachine

import "time"

// BatchTransition is an append-only audit row written in the same
// transaction as the Batch mutation it describes. See spec.md §3.
type BatchTransition struct {
	ID             int64
	BatchID        string
	FromState      BatchState
	ToState        BatchState
	TransitionedAt time.Time
}

// RequestDeliveryOutcome classifies a delivery attempt, per spec.md §3.
type RequestDeliveryOutcome string

const (
	OutcomeSuccess               RequestDeliveryOutcome = "success"
	OutcomeHTTPStatusNot2xx      RequestDeliveryOutcome = "http_status_not_2xx"
	OutcomeConnectionError       RequestDeliveryOutcome = "connection_error"
	OutcomeTimeout               RequestDeliveryOutcome = "timeout"
	OutcomeQueueNotFound         RequestDeliveryOutcome = "queue_not_found"
	OutcomeExchangeNotFound      RequestDeliveryOutcome = "exchange_not_found"
	OutcomeRabbitMQNotConfigured RequestDeliveryOutcome = "rabbitmq_not_configured"
	OutcomeOther                 RequestDeliveryOutcome = "other"
)

// RequestDeliveryAttempt is an append-only audit row for one delivery
// attempt of one Request. See spec.md §3.
type RequestDeliveryAttempt struct {
	ID                    int64
	RequestID             string
	Outcome               RequestDeliveryOutcome
	DeliveryConfigSnapshot string
	ErrorMsg              string
	AttemptedAt           time.Time
}
