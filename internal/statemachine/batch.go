// Copyright 2025 James Ross
// Package statemachine declares the Batch and Request state machines: the
// legal states, the legal transitions between them, and nothing else. It
// has no dependency on storage or I/O so every other package can import it
// without pulling in the database or the provider client.
package statemachine

import "fmt"

// BatchState is one of the fixed states a Batch can occupy.
type BatchState string

const (
	BatchBuilding           BatchState = "building"
	BatchUploading          BatchState = "uploading"
	BatchUploaded           BatchState = "uploaded"
	BatchWaitingForCapacity BatchState = "waiting_for_capacity"
	BatchOpenAIProcessing   BatchState = "openai_processing"
	BatchOpenAICompleted    BatchState = "openai_completed"
	BatchDownloading        BatchState = "downloading"
	BatchReadyToDeliver     BatchState = "ready_to_deliver"
	BatchDelivering         BatchState = "delivering"
	BatchDelivered          BatchState = "delivered"
	BatchPartiallyDelivered BatchState = "partially_delivered"
	BatchDeliveryFailed     BatchState = "delivery_failed"
	BatchExpired            BatchState = "expired"
	BatchFailed             BatchState = "failed"
	BatchCancelled          BatchState = "cancelled"
	BatchDone               BatchState = "done"
)

// batchTerminal lists the states from which no further Batch transition is
// legal, other than the no-op of staying put.
var batchTerminal = map[BatchState]bool{
	BatchDelivered:          true,
	BatchPartiallyDelivered: true,
	BatchDeliveryFailed:     true,
	BatchFailed:             true,
	BatchCancelled:          true,
	BatchDone:               true,
}

// IsTerminal reports whether no further Batch transition is legal from s.
func (s BatchState) IsTerminal() bool { return batchTerminal[s] }

// batchGraph is the fixed adjacency list of legal Batch transitions, per
// spec.md §4.1. cancel_batch is allowed from any non-terminal state and is
// added programmatically below rather than spelled out for every row.
var batchGraph = map[BatchState][]BatchState{
	BatchBuilding:           {BatchUploading},
	BatchUploading:          {BatchUploaded},
	BatchUploaded:           {BatchOpenAIProcessing, BatchWaitingForCapacity},
	BatchWaitingForCapacity: {BatchOpenAIProcessing},
	BatchOpenAIProcessing:   {BatchOpenAICompleted, BatchExpired, BatchWaitingForCapacity, BatchFailed},
	BatchOpenAICompleted:    {BatchDownloading},
	BatchDownloading:        {BatchReadyToDeliver, BatchFailed},
	BatchReadyToDeliver:     {BatchDelivering},
	BatchDelivering:         {BatchDelivered, BatchPartiallyDelivered, BatchDeliveryFailed},
	// BatchExpired -> BatchUploading is the full-resubmission path (no
	// output_file_id/error_file_id at all); BatchExpired -> BatchReadyToDeliver
	// is the partial-completion path once process_expired_batch reconciles
	// whatever output/error file the provider did produce.
	BatchExpired: {BatchUploading, BatchReadyToDeliver},
	// redeliver: any of these three finished states may re-enter delivering
	// when an operator asks to retry delivery of the failed requests.
	BatchDelivered:          {BatchDelivering},
	BatchPartiallyDelivered: {BatchDelivering},
	BatchDeliveryFailed:     {BatchDelivering},
}

// cancellableBatchStates are the states cancel_batch may transition out of.
var cancellableBatchStates = []BatchState{
	BatchBuilding, BatchUploading, BatchUploaded, BatchWaitingForCapacity,
	BatchOpenAIProcessing, BatchOpenAICompleted, BatchDownloading,
	BatchReadyToDeliver, BatchDelivering, BatchExpired,
}

func init() {
	for _, s := range cancellableBatchStates {
		batchGraph[s] = append(batchGraph[s], BatchCancelled)
	}
}

// InvalidTransitionError is returned whenever a caller asks for a Batch or
// Request transition that isn't in the fixed graph. Per spec.md §7 this is
// treated as a programming-error path: callers should never construct one
// at runtime from user input without first checking CanTransition.
type InvalidTransitionError struct {
	Entity string // "batch" or "request"
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// CanTransitionBatch reports whether from -> to is a legal Batch transition.
func CanTransitionBatch(from, to BatchState) bool {
	for _, s := range batchGraph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateBatchTransition returns an *InvalidTransitionError if from -> to
// is not legal, nil otherwise.
func ValidateBatchTransition(from, to BatchState) error {
	if !CanTransitionBatch(from, to) {
		return &InvalidTransitionError{Entity: "batch", From: string(from), To: string(to)}
	}
	return nil
}
