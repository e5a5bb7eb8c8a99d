// Copyright 2025 James Ross
package delivery

import (
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/jobqueue"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
	"github.com/williamwinkler/openai-batch-manager/internal/store/memstore"
)

type fakeSink struct {
	outcome statemachine.RequestDeliveryOutcome
	errMsg  string
	err     error
	calls   int
}

func (f *fakeSink) Send(ctx context.Context, cfg store.DeliveryConfig, payload json.RawMessage) (statemachine.RequestDeliveryOutcome, string, error) {
	f.calls++
	return f.outcome, f.errMsg, f.err
}

func seedProcessedRequest(t *testing.T, ctx context.Context, s store.Store, cfg store.DeliveryConfig) (*store.Batch, *store.Request) {
	t.Helper()
	b, err := s.CreateBatch(ctx, "/v1/chat/completions", "gpt-x")
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(map[string]string{"custom_id": "c1", "model": "gpt-x", "url": "/v1/chat/completions"})
	r, err := s.CreateRequest(ctx, b.ID, &store.Request{
		CustomID: "c1", URL: "/v1/chat/completions", Model: "gpt-x",
		RequestPayload: payload, RequestPayloadSize: int64(len(payload)),
		DeliveryConfig: cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionRequest(ctx, r.ID, statemachine.RequestOpenAIProcessing, nil); err != nil {
		t.Fatal(err)
	}
	r, err = s.TransitionRequest(ctx, r.ID, statemachine.RequestOpenAIProcessed, func(rr *store.Request) {
		rr.ResponsePayload = json.RawMessage(`{"ok":true}`)
	})
	if err != nil {
		t.Fatal(err)
	}
	return b, r
}

func TestDeliverWebhookSuccessTransitionsToDelivered(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	webhook := &fakeSink{outcome: statemachine.OutcomeSuccess}
	w := New(s, jobqueue.NewMem(), webhook, &fakeSink{}, zap.NewNop())

	_, r := seedProcessedRequest(t, ctx, s, store.DeliveryConfig{Type: store.DeliveryWebhook, URL: "https://example.com/hook"})

	if err := w.Deliver(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.RequestDelivered {
		t.Fatalf("expected delivered, got %s", got.State)
	}
	if got.DeliveryAttemptCount != 1 {
		t.Fatalf("expected attempt count 1, got %d", got.DeliveryAttemptCount)
	}
	if webhook.calls != 1 {
		t.Fatalf("expected sink called once, got %d", webhook.calls)
	}
}

func TestDeliverFailureTransitionsToDeliveryFailedWithoutErrorMsg(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	webhook := &fakeSink{outcome: statemachine.OutcomeHTTPStatusNot2xx, errMsg: "status 500"}
	w := New(s, jobqueue.NewMem(), webhook, &fakeSink{}, zap.NewNop())

	_, r := seedProcessedRequest(t, ctx, s, store.DeliveryConfig{Type: store.DeliveryWebhook, URL: "https://example.com/hook"})

	if err := w.Deliver(ctx, r.ID); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.RequestDeliveryFailed {
		t.Fatalf("expected delivery_failed, got %s", got.State)
	}
	if got.ErrorMsg != "" {
		t.Fatalf("expected Request.error_msg to stay empty on delivery failure, got %q", got.ErrorMsg)
	}
}

func TestDeliverEnqueuesCheckDeliveryCompletionOnceAllTerminal(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	webhook := &fakeSink{outcome: statemachine.OutcomeSuccess}
	q := jobqueue.NewMem()
	w := New(s, q, webhook, &fakeSink{}, zap.NewNop())

	b, r := seedProcessedRequest(t, ctx, s, store.DeliveryConfig{Type: store.DeliveryWebhook, URL: "https://example.com/hook"})

	if err := w.Deliver(ctx, r.ID); err != nil {
		t.Fatal(err)
	}

	h, err := q.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if h == nil || h.Trigger.Action != ActionCheckDeliveryCompletion || h.Trigger.BatchID != b.ID {
		t.Fatalf("expected a queued check_delivery_completion trigger for the batch, got %+v", h)
	}
}

func TestRedeliverBatchResubmitsOnlyDeliveryFailedRequests(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	q := jobqueue.NewMem()
	w := New(s, q, &fakeSink{outcome: statemachine.OutcomeSuccess}, &fakeSink{}, zap.NewNop())

	b, r := seedProcessedRequest(t, ctx, s, store.DeliveryConfig{Type: store.DeliveryWebhook, URL: "https://example.com/hook"})
	if _, err := s.TransitionRequest(ctx, r.ID, statemachine.RequestDelivering, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionRequest(ctx, r.ID, statemachine.RequestDeliveryFailed, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchUploading, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchUploaded, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchOpenAIProcessing, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchOpenAICompleted, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchDownloading, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchReadyToDeliver, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchDelivering, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionBatch(ctx, b.ID, statemachine.BatchDeliveryFailed, nil); err != nil {
		t.Fatal(err)
	}

	if err := w.RedeliverBatch(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRequest(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.RequestOpenAIProcessed {
		t.Fatalf("expected request reset to openai_processed for redelivery, got %s", got.State)
	}

	gotBatch, err := s.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotBatch.State != statemachine.BatchDelivering {
		t.Fatalf("expected batch back in delivering, got %s", gotBatch.State)
	}

	h, err := q.Dequeue(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if h == nil || h.Trigger.Action != ActionDeliver || h.Trigger.RequestID != r.ID {
		t.Fatalf("expected a queued deliver trigger for the redelivered request, got %+v", h)
	}
}
