// Copyright 2025 James Ross
package memstore

import (
	"context"
	"testing"

	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

func TestAggregatesTrackRequestInserts(t *testing.T) {
	ctx := context.Background()
	s := New()
	b, err := s.CreateBatch(ctx, "/v1/chat/completions", "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.CreateRequest(ctx, b.ID, &store.Request{
			CustomID:           string(rune('a' + i)),
			RequestPayloadSize: 10,
			EstimatedInputTokens: 5,
			DeliveryConfig:     store.DeliveryConfig{Type: store.DeliveryWebhook, URL: "https://x"},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestCount != 3 || got.SizeBytes != 30 || got.EstimatedInputTokensTotal != 15 {
		t.Fatalf("unexpected aggregates: %+v", got)
	}
}

func TestDuplicateCustomIDRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	b, _ := s.CreateBatch(ctx, "/v1/x", "m")
	_, err := s.CreateRequest(ctx, b.ID, &store.Request{CustomID: "dup"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.CreateRequest(ctx, b.ID, &store.Request{CustomID: "dup"})
	if err != store.ErrDuplicateCustomID {
		t.Fatalf("expected ErrDuplicateCustomID, got %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	b, _ := s.CreateBatch(ctx, "/v1/x", "m")
	_, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchDelivered, nil)
	var ite *statemachine.InvalidTransitionError
	if err == nil {
		t.Fatal("expected error")
	}
	if e, ok := err.(*statemachine.InvalidTransitionError); !ok {
		t.Fatalf("expected *InvalidTransitionError, got %T", err)
	} else {
		ite = e
	}
	_ = ite
}

func TestTransitionWritesExactlyOneAudit(t *testing.T) {
	ctx := context.Background()
	s := New()
	b, _ := s.CreateBatch(ctx, "/v1/x", "m")
	_, err := s.CreateRequest(ctx, b.ID, &store.Request{CustomID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchUploading, nil); err != nil {
		t.Fatal(err)
	}
	trs, _ := s.BatchTransitions(ctx, b.ID)
	if len(trs) != 1 || trs[0].FromState != statemachine.BatchBuilding || trs[0].ToState != statemachine.BatchUploading {
		t.Fatalf("unexpected transitions: %+v", trs)
	}
}

func TestBatchSizeWouldExceedRejectsInsert(t *testing.T) {
	ctx := context.Background()
	s := New()
	b, _ := s.CreateBatch(ctx, "/v1/x", "m")
	_, err := s.CreateRequest(ctx, b.ID, &store.Request{CustomID: "a", RequestPayloadSize: store.MaxBatchBytes})
	if err != store.ErrBatchSizeWouldExceed {
		t.Fatalf("expected ErrBatchSizeWouldExceed, got %v", err)
	}
}
