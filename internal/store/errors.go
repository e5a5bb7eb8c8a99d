// Copyright 2025 James Ross
package store

import "errors"

// Sentinel errors surfaced by Submit (spec.md §6.1) and the Store itself.
var (
	ErrBatchNotFound        = errors.New("batch_not_found")
	ErrBatchNotBuilding     = errors.New("batch_not_building")
	ErrBatchFull            = errors.New("batch_full")
	ErrBatchSizeWouldExceed = errors.New("batch_size_would_exceed")
	ErrDuplicateCustomID    = errors.New("duplicate_custom_id")
	ErrInvalidDeliveryConfig = errors.New("invalid_delivery_config")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrRequestNotFound      = errors.New("request_not_found")
)
