// Copyright 2025 James Ross
package admission

import (
	"context"
	"testing"

	"github.com/williamwinkler/openai-batch-manager/internal/capacityprovider"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
	"github.com/williamwinkler/openai-batch-manager/internal/store/memstore"
)

func TestAdmitsWhenHeadroomSufficient(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	b, _ := s.CreateBatch(ctx, "/v1/x", "gpt-x")
	b, _ = s.TransitionBatch(ctx, b.ID, statemachine.BatchUploading, nil)
	b, _ = s.TransitionBatch(ctx, b.ID, statemachine.BatchUploaded, func(bb *store.Batch) {
		bb.EstimatedInputTokensTotal = 1000
	})

	c := New(s, capacityprovider.Static{Default: 5000})
	decision, reason, err := c.Check(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if decision != Admit {
		t.Fatalf("expected Admit, got %s (%s)", decision, reason)
	}
}

func TestBlocksWhenHeadroomInsufficient(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	b, _ := s.CreateBatch(ctx, "/v1/x", "gpt-x")
	b, _ = s.TransitionBatch(ctx, b.ID, statemachine.BatchUploading, nil)
	b, _ = s.TransitionBatch(ctx, b.ID, statemachine.BatchUploaded, func(bb *store.Batch) {
		bb.EstimatedInputTokensTotal = 9000
	})

	other, _ := s.CreateBatch(ctx, "/v1/x", "gpt-x")
	other, _ = s.TransitionBatch(ctx, other.ID, statemachine.BatchUploading, nil)
	other, _ = s.TransitionBatch(ctx, other.ID, statemachine.BatchUploaded, func(bb *store.Batch) {
		bb.EstimatedInputTokensTotal = 4000
	})
	if _, err := s.TransitionBatch(ctx, other.ID, statemachine.BatchOpenAIProcessing, nil); err != nil {
		t.Fatal(err)
	}

	c := New(s, capacityprovider.Static{Default: 5000})
	decision, reason, err := c.Check(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if decision != WaitCapacityBlocked || reason != "insufficient_headroom" {
		t.Fatalf("expected wait_capacity_blocked/insufficient_headroom, got %s/%s", decision, reason)
	}
}

func TestCapacityCheckFailureNeverAdmits(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	b, _ := s.CreateBatch(ctx, "/v1/x", "gpt-x")

	c := New(s, failingCapacity{})
	decision, reason, err := c.Check(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if decision != WaitCapacityBlocked || reason != "capacity_check_failed" {
		t.Fatalf("expected wait_capacity_blocked/capacity_check_failed, got %s/%s", decision, reason)
	}
}

type failingCapacity struct{}

func (failingCapacity) GetBatchLimitTokens(ctx context.Context, model string) (int64, error) {
	return 0, context.DeadlineExceeded
}
