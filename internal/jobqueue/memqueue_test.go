// Copyright 2025 James Ross
package jobqueue

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueDedupSkipsSecond(t *testing.T) {
	ctx := context.Background()
	q := NewMem()
	ok1, err := q.Enqueue(ctx, New("start_upload", "b1"), "start_upload:b1")
	if err != nil || !ok1 {
		t.Fatalf("first enqueue: ok=%v err=%v", ok1, err)
	}
	ok2, err := q.Enqueue(ctx, New("start_upload", "b1"), "start_upload:b1")
	if err != nil || ok2 {
		t.Fatalf("second enqueue should be deduped: ok=%v err=%v", ok2, err)
	}
}

func TestDequeueAckRemovesInflight(t *testing.T) {
	ctx := context.Background()
	q := NewMem()
	if _, err := q.Enqueue(ctx, New("upload", "b1"), ""); err != nil {
		t.Fatal(err)
	}
	h, err := q.Dequeue(ctx, "w1")
	if err != nil || h == nil {
		t.Fatalf("expected a trigger, got h=%v err=%v", h, err)
	}
	if h.Trigger.Action != "upload" {
		t.Fatalf("unexpected action %q", h.Trigger.Action)
	}
	if err := q.Ack(ctx, "w1", h); err != nil {
		t.Fatal(err)
	}
	if len(q.inflight) != 0 {
		t.Fatalf("expected empty inflight, got %d", len(q.inflight))
	}
}

func TestRetryStopsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMem()
	tr := New("poll_status", "b1")
	tr.MaxAttempts = 2
	if _, err := q.Enqueue(ctx, tr, ""); err != nil {
		t.Fatal(err)
	}
	h, _ := q.Dequeue(ctx, "w1")
	retried, err := q.Retry(ctx, "w1", h, time.Millisecond)
	if err != nil || !retried {
		t.Fatalf("expected first retry to succeed: retried=%v err=%v", retried, err)
	}
	if _, err := q.PromoteDue(ctx); err != nil {
		t.Fatal(err)
	}
	h2, _ := q.Dequeue(ctx, "w1")
	if h2 == nil || h2.Trigger.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %+v", h2)
	}
	retried2, err := q.Retry(ctx, "w1", h2, time.Millisecond)
	if err != nil || retried2 {
		t.Fatalf("expected retry to give up at max attempts: retried=%v err=%v", retried2, err)
	}
}

func TestCancelTagDropsPending(t *testing.T) {
	ctx := context.Background()
	q := NewMem()
	tr := New("download_results", "b1")
	if _, err := q.Enqueue(ctx, tr, ""); err != nil {
		t.Fatal(err)
	}
	if err := q.CancelTag(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	h, err := q.Dequeue(ctx, "w1")
	if err != nil || h != nil {
		t.Fatalf("expected cancelled trigger to be dropped, got h=%v err=%v", h, err)
	}
}

func TestReclaimRequeuesStaleInflight(t *testing.T) {
	ctx := context.Background()
	q := NewMem()
	if _, err := q.Enqueue(ctx, New("upload", "b1"), ""); err != nil {
		t.Fatal(err)
	}
	h, _ := q.Dequeue(ctx, "w1")
	if h == nil {
		t.Fatal("expected a trigger")
	}
	q.inflight[h.payload].touchAt = time.Now().UTC().Add(-time.Hour)

	n, err := q.Reclaim(ctx, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reclaimed, got n=%d err=%v", n, err)
	}
	h2, _ := q.Dequeue(ctx, "w2")
	if h2 == nil || h2.Trigger.BatchID != "b1" {
		t.Fatalf("expected reclaimed trigger back on pending, got %+v", h2)
	}
}
