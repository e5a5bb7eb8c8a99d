// Copyright 2025 James Ross
package capacitydispatcher

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/admission"
	"github.com/williamwinkler/openai-batch-manager/internal/capacityprovider"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
	"github.com/williamwinkler/openai-batch-manager/internal/store/memstore"
)

type recordingCreator struct {
	created []string
	fail    map[string]bool
}

func (c *recordingCreator) CreateProviderBatch(ctx context.Context, batchID string) error {
	if c.fail[batchID] {
		return context.DeadlineExceeded
	}
	c.created = append(c.created, batchID)
	return nil
}

func waitingBatch(t *testing.T, s *memstore.Store, ctx context.Context, model string, tokens int64, since time.Time) *store.Batch {
	t.Helper()
	b, err := s.CreateBatch(ctx, "/v1/chat/completions", model)
	if err != nil {
		t.Fatal(err)
	}
	b, err = s.TransitionBatch(ctx, b.ID, statemachine.BatchUploading, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err = s.TransitionBatch(ctx, b.ID, statemachine.BatchUploaded, func(bb *store.Batch) {
		bb.EstimatedInputTokensTotal = tokens
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err = s.TransitionBatch(ctx, b.ID, statemachine.BatchWaitingForCapacity, func(bb *store.Batch) {
		bb.WaitingForCapacitySinceAt = &since
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDispatchModelAdmitsOldestFirstWhenItFits(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	older := waitingBatch(t, s, ctx, "gpt-x", 4000, time.Unix(100, 0))
	newer := waitingBatch(t, s, ctx, "gpt-x", 1000, time.Unix(200, 0))

	checker := admission.New(s, capacityprovider.Static{Default: 5000})
	creator := &recordingCreator{fail: map[string]bool{}}
	d := New(s, checker, creator, zap.NewNop(), time.Second)

	if err := d.DispatchModel(ctx, "gpt-x"); err != nil {
		t.Fatal(err)
	}
	if len(creator.created) != 2 || creator.created[0] != older.ID || creator.created[1] != newer.ID {
		t.Fatalf("expected the older batch admitted first, then the newer one, got %v", creator.created)
	}
}

func TestDispatchModelSkipsTokenLimitBackoff(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	future := time.Now().Add(time.Hour)
	b := waitingBatch(t, s, ctx, "gpt-x", 100, time.Unix(1, 0))
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchOpenAIProcessing, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchWaitingForCapacity, func(bb *store.Batch) {
		bb.TokenLimitRetryNextAt = &future
	}); err != nil {
		t.Fatal(err)
	}

	checker := admission.New(s, capacityprovider.Static{Default: 1_000_000})
	creator := &recordingCreator{fail: map[string]bool{}}
	d := New(s, checker, creator, zap.NewNop(), time.Second)

	if err := d.DispatchModel(ctx, "gpt-x"); err != nil {
		t.Fatal(err)
	}
	if len(creator.created) != 0 {
		t.Fatalf("expected batch in backoff to be skipped, got %v", creator.created)
	}
}

func TestDispatchModelNoWaitingBatchesIsNoop(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	checker := admission.New(s, capacityprovider.Static{Default: 1000})
	creator := &recordingCreator{fail: map[string]bool{}}
	d := New(s, checker, creator, zap.NewNop(), time.Second)

	if err := d.DispatchModel(ctx, "gpt-unused"); err != nil {
		t.Fatal(err)
	}
	if len(creator.created) != 0 {
		t.Fatalf("expected no creates, got %v", creator.created)
	}
}
