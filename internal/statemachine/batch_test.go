// Copyright 2025 James Ross
package statemachine

import "testing"

func TestCanTransitionBatchHappyPath(t *testing.T) {
	path := []BatchState{
		BatchBuilding, BatchUploading, BatchUploaded, BatchOpenAIProcessing,
		BatchOpenAICompleted, BatchDownloading, BatchReadyToDeliver, BatchDelivering,
		BatchDelivered,
	}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransitionBatch(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransitionBatchRejectsSkip(t *testing.T) {
	if CanTransitionBatch(BatchBuilding, BatchDelivered) {
		t.Fatalf("building -> delivered should be illegal")
	}
	var err error = ValidateBatchTransition(BatchBuilding, BatchDelivered)
	if err == nil {
		t.Fatalf("expected InvalidTransitionError")
	}
	if _, ok := err.(*InvalidTransitionError); !ok {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	for _, s := range cancellableBatchStates {
		if !CanTransitionBatch(s, BatchCancelled) {
			t.Fatalf("expected %s -> cancelled to be legal", s)
		}
	}
	for s := range batchTerminal {
		if CanTransitionBatch(s, BatchCancelled) {
			t.Fatalf("terminal state %s should not accept cancel", s)
		}
	}
}

func TestCancelFromExpired(t *testing.T) {
	// expired is explicitly non-terminal (spec.md §3); cancel_batch must
	// accept it from any non-terminal state (spec.md §4.6).
	if !CanTransitionBatch(BatchExpired, BatchCancelled) {
		t.Fatalf("expected expired -> cancelled to be legal")
	}
}

func TestExpiredResubmissionPath(t *testing.T) {
	if !CanTransitionBatch(BatchExpired, BatchUploading) {
		t.Fatalf("expired -> uploading must be legal (resubmission path)")
	}
}

func TestExpiredPartialCompletionPath(t *testing.T) {
	if !CanTransitionBatch(BatchExpired, BatchReadyToDeliver) {
		t.Fatalf("expired -> ready_to_deliver must be legal (partial completion path)")
	}
}

func TestRedeliverFromTerminalDeliveryStates(t *testing.T) {
	for _, s := range []BatchState{BatchDelivered, BatchPartiallyDelivered, BatchDeliveryFailed} {
		if !CanTransitionBatch(s, BatchDelivering) {
			t.Fatalf("expected %s -> delivering (redeliver) to be legal", s)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []BatchState{BatchDelivered, BatchPartiallyDelivered, BatchDeliveryFailed, BatchFailed, BatchCancelled, BatchDone} {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if BatchBuilding.IsTerminal() {
		t.Fatalf("building must not be terminal")
	}
}
