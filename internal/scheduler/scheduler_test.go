// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/jobqueue"
)

type fakeSweeper struct {
	expireCalls int
	deleteCalls int
	expireErr   error
	deleteErr   error
}

func (f *fakeSweeper) ExpireStaleBuildingBatches(ctx context.Context) error {
	f.expireCalls++
	return f.expireErr
}

func (f *fakeSweeper) DeleteExpiredBatches(ctx context.Context) error {
	f.deleteCalls++
	return f.deleteErr
}

func TestPromoteDuePromotesScheduledTriggers(t *testing.T) {
	ctx := context.Background()
	q := jobqueue.NewMem()
	s := New(q, &fakeSweeper{}, zap.NewNop())

	if _, err := q.EnqueueDelayed(ctx, jobqueue.New("poll_status", "b1"), 10*time.Millisecond, ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	s.promoteDue(ctx)

	h, err := q.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if h == nil || h.Trigger.Action != "poll_status" {
		t.Fatalf("expected the delayed trigger to have been promoted, got %+v", h)
	}
}

func TestRunSweepLogsButDoesNotPanicOnError(t *testing.T) {
	ctx := context.Background()
	q := jobqueue.NewMem()
	sweeper := &fakeSweeper{expireErr: errors.New("boom")}
	s := New(q, sweeper, zap.NewNop())

	s.runSweep(ctx, "expire_stale_building_batch", sweeper.ExpireStaleBuildingBatches)
	if sweeper.expireCalls != 1 {
		t.Fatalf("expected sweep to run once, got %d calls", sweeper.expireCalls)
	}
}

func TestRegisterAddsAllThreeCronEntries(t *testing.T) {
	q := jobqueue.NewMem()
	s := New(q, &fakeSweeper{}, zap.NewNop())
	if err := s.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.cron.Entries()) != 3 {
		t.Fatalf("expected 3 registered cron entries, got %d", len(s.cron.Entries()))
	}
}
