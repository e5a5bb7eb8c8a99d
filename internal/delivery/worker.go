// Copyright 2025 James Ross
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/jobqueue"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// ActionDeliver is the trigger name DeliveryWorker consumes.
const ActionDeliver = "deliver"

// ActionCheckDeliveryCompletion mirrors workflow's trigger of the same
// name; DeliveryWorker enqueues it once a batch's requests all finish.
const ActionCheckDeliveryCompletion = "check_delivery_completion"

// maxDeliveryAttempts and deliveryBackoff are spec.md §4.8's retry policy:
// up to 3 attempts, ~10s linear backoff.
const (
	maxDeliveryAttempts = 3
	deliveryBackoff     = 10 * time.Second
)

// Worker runs the delivery queue's "deliver" triggers (spec.md §4.8).
type Worker struct {
	Store   store.Store
	Queue   jobqueue.Queue
	Webhook Sink
	AMQP    Sink
	Log     *zap.Logger
	Clock   func() time.Time
}

func New(s store.Store, q jobqueue.Queue, webhook, amqpSink Sink, log *zap.Logger) *Worker {
	return &Worker{Store: s, Queue: q, Webhook: webhook, AMQP: amqpSink, Log: log, Clock: time.Now}
}

// EnqueueDeliver implements workflow.DeliveryEnqueuer: look up the
// Request's parent batch so the trigger can be cancelled by batch tag,
// then enqueue a "deliver" trigger scoped to this one request.
func (w *Worker) EnqueueDeliver(ctx context.Context, requestID string) error {
	req, err := w.Store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	t := jobqueue.NewForRequest(ActionDeliver, req.BatchID, requestID)
	t.MaxAttempts = maxDeliveryAttempts
	_, err = w.Queue.Enqueue(ctx, t, fmt.Sprintf("%s:%s", ActionDeliver, requestID))
	return err
}

// Deliver runs deliver(request) end to end (spec.md §4.8).
func (w *Worker) Deliver(ctx context.Context, requestID string) error {
	req, err := w.Store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	if req.State != statemachine.RequestOpenAIProcessed && req.State != statemachine.RequestDelivering {
		// Already delivered, retried elsewhere, or cancelled out from
		// under us; nothing to do.
		return nil
	}
	if len(req.ResponsePayload) == 0 {
		w.Log.Warn("deliver called with no response_payload", obs.String("request_id", requestID))
		return fmt.Errorf("delivery: request %s has no response_payload", requestID)
	}
	if err := req.DeliveryConfig.Validate(); err != nil {
		w.Log.Warn("deliver called with invalid delivery_config", obs.String("request_id", requestID), obs.Err(err))
		return fmt.Errorf("delivery: request %s has invalid delivery_config: %w", requestID, err)
	}

	// A retry after a failed Send finds the request already in delivering
	// and sends again without a second transition.
	if req.State == statemachine.RequestOpenAIProcessed {
		if _, err := w.Store.TransitionRequest(ctx, requestID, statemachine.RequestDelivering, nil); err != nil {
			return err
		}
	}

	sink := w.sinkFor(req.DeliveryConfig.Type)
	sinkName := "amqp"
	if req.DeliveryConfig.Type == store.DeliveryWebhook {
		sinkName = "webhook"
	}
	start := w.Clock()
	outcome, errMsg, sendErr := sink.Send(ctx, req.DeliveryConfig, req.ResponsePayload)
	obs.DeliveryAttemptDuration.WithLabelValues(sinkName).Observe(w.Clock().Sub(start).Seconds())
	if sendErr != nil {
		obs.DeliveryAttempts.WithLabelValues(string(statemachine.OutcomeOther)).Inc()
		w.Log.Warn("delivery send failed, will retry", obs.String("request_id", requestID), obs.String("sink", sinkName), obs.Err(sendErr))
		return sendErr
	}
	obs.DeliveryAttempts.WithLabelValues(string(outcome)).Inc()
	if outcome == statemachine.OutcomeSuccess {
		w.Log.Info("request delivered", obs.String("request_id", requestID), obs.String("sink", sinkName))
	} else {
		w.Log.Warn("delivery attempt did not succeed",
			obs.String("request_id", requestID), obs.String("sink", sinkName),
			obs.String("outcome", string(outcome)), obs.String("error", errMsg))
	}

	snapshot, _ := jsonSnapshot(req.DeliveryConfig)
	if err := w.Store.RecordDeliveryAttempt(ctx, &statemachine.RequestDeliveryAttempt{
		RequestID:              requestID,
		Outcome:                outcome,
		DeliveryConfigSnapshot: snapshot,
		ErrorMsg:               errMsg,
		AttemptedAt:            w.Clock(),
	}); err != nil {
		return err
	}

	to := statemachine.RequestDelivered
	if outcome != statemachine.OutcomeSuccess {
		to = statemachine.RequestDeliveryFailed
	}
	// Delivery failures are an audit concern (the RequestDeliveryAttempt
	// row above), never surfaced as Request.error_msg.
	if _, err := w.Store.TransitionRequest(ctx, requestID, to, func(rr *store.Request) {
		rr.DeliveryAttemptCount++
	}); err != nil {
		return err
	}

	return w.maybeFinalizeBatch(ctx, req.BatchID)
}

// Dispatch runs the handler named by t.Action. A worker loop calls this
// after Queue.Dequeue, then Ack on nil error or Retry on error — the
// on-error hook for a final-attempt failure transitions
// the request to delivery_failed (spec.md §4.8). Each trigger gets its
// own span, matching workflow.Engine.Dispatch's per-step tracing.
func (w *Worker) Dispatch(ctx context.Context, t jobqueue.Trigger) error {
	ctx, span := obs.ContextWithJobSpan(ctx, t)
	defer span.End()

	var err error
	switch t.Action {
	case ActionDeliver:
		err = w.Deliver(ctx, t.RequestID)
	default:
		err = fmt.Errorf("delivery: unknown trigger action %q", t.Action)
	}

	if err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	obs.SetSpanSuccess(ctx)
	return nil
}

// DeliveryBackoff returns deliveryBackoff, the 10s delivery retry step.
// cmd/broker's worker loop does not call it: it passes its own linear
// retryBackoff to Queue.Retry for every action, deliver included.
func DeliveryBackoff() time.Duration { return deliveryBackoff }

// OnFinalAttemptFailed transitions a request to delivery_failed when the
// queue's retry ceiling is reached without a successful Send — the
// "on-error hook" spec.md §4.8 requires for a final-attempt crash.
func (w *Worker) OnFinalAttemptFailed(ctx context.Context, requestID string, causeErr error) error {
	req, err := w.Store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.State.IsTerminal() || req.State == statemachine.RequestDeliveryFailed {
		return nil
	}
	if _, err := w.Store.TransitionRequest(ctx, requestID, statemachine.RequestDeliveryFailed, nil); err != nil {
		return err
	}
	w.Log.Warn("delivery attempts exhausted", obs.String("request_id", requestID), obs.Err(causeErr))
	return w.maybeFinalizeBatch(ctx, req.BatchID)
}

func (w *Worker) sinkFor(t store.DeliveryConfigType) Sink {
	if t == store.DeliveryWebhook {
		return w.Webhook
	}
	return w.AMQP
}

func (w *Worker) maybeFinalizeBatch(ctx context.Context, batchID string) error {
	reqs, err := w.Store.ListRequestsByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if !r.State.IsTerminal() {
			return nil
		}
	}
	_, err = w.Queue.Enqueue(ctx, jobqueue.New(ActionCheckDeliveryCompletion, batchID),
		fmt.Sprintf("%s:%s", ActionCheckDeliveryCompletion, batchID))
	return err
}

// RedeliverBatch implements the batch-level Redeliver operation
// (spec.md §4.8): legal from {delivered, partially_delivered,
// delivery_failed}. Every Request whose delivery (not provider
// processing) failed re-enters openai_processed and is re-enqueued; the
// batch re-enters delivering. Requests in plain "failed" never carried a
// response_payload, so they're excluded — there's nothing to redeliver.
func (w *Worker) RedeliverBatch(ctx context.Context, batchID string) error {
	failed, err := w.Store.ListRequestsByBatchAndStates(ctx, batchID,
		[]statemachine.RequestState{statemachine.RequestDeliveryFailed})
	if err != nil {
		return err
	}

	if _, err := w.Store.TransitionBatch(ctx, batchID, statemachine.BatchDelivering, nil); err != nil {
		return err
	}

	for _, r := range failed {
		if _, err := w.Store.TransitionRequest(ctx, r.ID, statemachine.RequestOpenAIProcessed, nil); err != nil {
			return err
		}
		if err := w.EnqueueDeliver(ctx, r.ID); err != nil {
			return err
		}
	}
	return nil
}

func jsonSnapshot(cfg store.DeliveryConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
