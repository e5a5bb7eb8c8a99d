// Copyright 2025 James Ross

// Package workflow drives the BatchWorkflow trigger handlers of
// spec.md §4.6: one JobQueue action per handler, each with a uniqueness
// key of (action, batch_id) so at most one instance runs per batch per
// step at a time.
package workflow

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/admission"
	"github.com/williamwinkler/openai-batch-manager/internal/jobqueue"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/provider"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// Trigger action names, mirroring spec.md §4.6's handler names.
const (
	ActionStartUpload             = "start_upload"
	ActionUpload                  = "upload"
	ActionCreateProviderBatch     = "create_provider_batch"
	ActionPollStatus              = "poll_status"
	ActionDownloadResults         = "download_results"
	ActionProcessDownloadedFile   = "process_downloaded_file"
	ActionProcessExpiredBatch     = "process_expired_batch"
	ActionStartDelivering         = "start_delivering"
	ActionCheckDeliveryCompletion = "check_delivery_completion"
	ActionCancelBatch             = "cancel_batch"
	ActionDestroyBatch            = "destroy_batch"
	ActionExpireStaleBuilding     = "expire_stale_building_batch"
	ActionDeleteExpired           = "delete_expired_batch"
)

// pollStatusBackoff is the poll_status re-enqueue delay while a batch is
// still in progress on the provider side. The delay is fixed; PollStatus
// adds no jitter.
const pollStatusBackoff = 60 * time.Second

// tokenLimitRetryDelays are the token-limit-exceeded backoff steps,
// indexed by attempts-1 (spec.md §4.6 token-limit-retry flow).
var tokenLimitRetryDelays = []time.Duration{
	5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute, 80 * time.Minute,
}

const maxTokenLimitRetryAttempts = 5

// tokenLimitResetStates are the Request states the token-limit-retry flow
// resets back to pending, per spec.md §4.6.
var tokenLimitResetStates = []statemachine.RequestState{
	statemachine.RequestOpenAIProcessing, statemachine.RequestOpenAIProcessed,
	statemachine.RequestDelivering, statemachine.RequestDelivered,
	statemachine.RequestDeliveryFailed, statemachine.RequestFailed,
	statemachine.RequestExpired, statemachine.RequestCancelled,
}

// FileProcessor runs FileReconciler's two entry points (spec.md §4.7).
// Implemented by internal/reconciler.Reconciler; declared here (rather
// than imported) so workflow and reconciler don't form an import cycle.
type FileProcessor interface {
	ProcessDownloadedFile(ctx context.Context, batchID, outputLocalPath, errorLocalPath string) error
	ProcessExpiredBatch(ctx context.Context, batchID, outputLocalPath, errorLocalPath string) error
}

// DeliveryEnqueuer hands a Request off to DeliveryWorker once its result
// has landed (spec.md §4.8). Implemented by internal/delivery.
type DeliveryEnqueuer interface {
	EnqueueDeliver(ctx context.Context, requestID string) error
}

// Engine wires the Store, JobQueue, ProviderClient and Admission checker
// that every handler needs.
type Engine struct {
	Store      store.Store
	Queue      jobqueue.Queue
	Provider   provider.Client
	Admission  *admission.Checker
	Files      FileProcessor
	Delivery   DeliveryEnqueuer
	Log        *zap.Logger
	Clock      func() time.Time
}

func New(s store.Store, q jobqueue.Queue, p provider.Client, ad *admission.Checker, files FileProcessor, delivery DeliveryEnqueuer, log *zap.Logger) *Engine {
	return &Engine{
		Store: s, Queue: q, Provider: p, Admission: ad, Files: files, Delivery: delivery,
		Log: log, Clock: time.Now,
	}
}

// Dispatch runs the handler named by t.Action. Workers call this after
// Queue.Dequeue and Ack/Retry based on the returned error. Every
// dispatched trigger gets its own span (spec.md §A's per-step tracing),
// recorded as an error on the span when the handler fails.
func (e *Engine) Dispatch(ctx context.Context, t jobqueue.Trigger) error {
	ctx, span := obs.ContextWithJobSpan(ctx, t)
	defer span.End()

	var err error
	switch t.Action {
	case ActionStartUpload:
		err = e.StartUpload(ctx, t.BatchID)
	case ActionUpload:
		err = e.Upload(ctx, t.BatchID)
	case ActionCreateProviderBatch:
		err = e.CreateProviderBatch(ctx, t.BatchID)
	case ActionPollStatus:
		err = e.PollStatus(ctx, t.BatchID)
	case ActionDownloadResults:
		err = e.DownloadResults(ctx, t.BatchID)
	case ActionProcessDownloadedFile:
		err = e.ProcessDownloadedFile(ctx, t.BatchID)
	case ActionProcessExpiredBatch:
		err = e.processExpiredBatchHandler(ctx, t.BatchID)
	case ActionStartDelivering:
		err = e.StartDelivering(ctx, t.BatchID)
	case ActionCheckDeliveryCompletion:
		err = e.CheckDeliveryCompletion(ctx, t.BatchID)
	case ActionCancelBatch:
		err = e.CancelBatch(ctx, t.BatchID)
	case ActionDestroyBatch:
		err = e.destroyBatch(ctx, t.BatchID)
	case ActionExpireStaleBuilding:
		err = e.ExpireStaleBuildingBatches(ctx)
	case ActionDeleteExpired:
		err = e.DeleteExpiredBatches(ctx)
	default:
		err = fmt.Errorf("workflow: unknown trigger action %q", t.Action)
	}

	if err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	obs.SetSpanSuccess(ctx)
	return nil
}

func (e *Engine) enqueue(ctx context.Context, action, batchID string) error {
	t := jobqueue.New(action, batchID)
	_, err := e.Queue.Enqueue(ctx, t, dedupKey(action, batchID))
	return err
}

func (e *Engine) enqueueDelayed(ctx context.Context, action, batchID string, delay time.Duration) error {
	t := jobqueue.New(action, batchID)
	_, err := e.Queue.EnqueueDelayed(ctx, t, delay, dedupKey(action, batchID))
	return err
}

func dedupKey(action, batchID string) string { return action + ":" + batchID }

// StartUpload: building → uploading. Precondition: batch has ≥1 request.
func (e *Engine) StartUpload(ctx context.Context, batchID string) error {
	b, err := e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.State == statemachine.BatchUploading {
		// Already promoted by a concurrent caller; nothing to do.
		return nil
	}
	if b.RequestCount < 1 {
		e.Log.Warn("start_upload precondition failed: batch has no requests", obs.String("batch_id", batchID))
		return fmt.Errorf("workflow: start_upload precondition failed: batch %s has no requests", batchID)
	}
	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchUploading, nil); err != nil {
		return err
	}
	if err := e.enqueue(ctx, ActionUpload, batchID); err != nil {
		return err
	}
	e.Log.Info("batch upload started", obs.String("batch_id", batchID), obs.Int("request_count", b.RequestCount))
	return nil
}

// Upload: uploading → uploaded. Renders the batch to JSONL and uploads it.
func (e *Engine) Upload(ctx context.Context, batchID string) error {
	reqs, err := e.Store.ListRequestsByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, r := range reqs {
		buf.Write(r.RequestPayload)
		buf.WriteByte('\n')
	}

	fileID, err := e.Provider.UploadFile(ctx, &buf)
	if err != nil {
		e.Log.Warn("upload_file failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
		return fmt.Errorf("workflow: upload_file: %w", err)
	}

	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchUploaded, func(b *store.Batch) {
		b.ProviderInputFileID = fileID
	}); err != nil {
		return err
	}
	if err := e.enqueue(ctx, ActionCreateProviderBatch, batchID); err != nil {
		return err
	}
	e.Log.Info("batch uploaded", obs.String("batch_id", batchID), obs.String("provider_input_file_id", fileID))
	return nil
}

// CreateProviderBatch: uploaded → openai_processing via Admission.
func (e *Engine) CreateProviderBatch(ctx context.Context, batchID string) error {
	b, err := e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	decision, reason, err := e.Admission.Check(ctx, b)
	if err != nil {
		e.Log.Warn("admission check failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
		return err
	}
	if decision == admission.WaitCapacityBlocked {
		mutate := func(bb *store.Batch) {
			if bb.WaitingForCapacitySinceAt == nil {
				now := e.Clock()
				bb.WaitingForCapacitySinceAt = &now
			}
			bb.CapacityWaitReason = reason
		}
		e.Log.Info("batch waiting for capacity", obs.String("batch_id", batchID), obs.String("reason", reason))
		if b.State == statemachine.BatchWaitingForCapacity {
			// Already parked here; a concurrent re-check found the same
			// result. Refresh the reason without re-transitioning.
			_, err := e.Store.UpdateBatch(ctx, batchID, mutate)
			return err
		}
		_, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchWaitingForCapacity, mutate)
		return err
	}

	providerBatchID, expiresAt, err := e.Provider.CreateBatch(ctx, b.ProviderInputFileID, b.URL, b.Model)
	if err != nil {
		e.Log.Warn("create_batch failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
		return fmt.Errorf("workflow: create_batch: %w", err)
	}
	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchOpenAIProcessing, func(bb *store.Batch) {
		bb.ProviderBatchID = providerBatchID
		bb.ExpiresAt = &expiresAt
	}); err != nil {
		return err
	}
	if err := e.enqueue(ctx, ActionPollStatus, batchID); err != nil {
		return err
	}
	e.Log.Info("provider batch created", obs.String("batch_id", batchID), obs.String("provider_batch_id", providerBatchID))
	return nil
}

// PollStatus polls the provider and dispatches on the returned status.
func (e *Engine) PollStatus(ctx context.Context, batchID string) error {
	b, err := e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.State != statemachine.BatchOpenAIProcessing {
		return nil
	}

	status, err := e.Provider.GetBatch(ctx, b.ProviderBatchID)
	if err != nil {
		e.Log.Warn("get_batch failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
		return fmt.Errorf("workflow: get_batch: %w", err)
	}

	now := e.Clock()
	mutateCounters := func(bb *store.Batch) {
		if status.RequestCounts != nil {
			bb.ProviderRequestsTotal = status.RequestCounts.Total
			bb.ProviderRequestsCompleted = status.RequestCounts.Completed
			bb.ProviderRequestsFailed = status.RequestCounts.Failed
		}
		if status.Usage != nil {
			bb.InputTokens = status.Usage.InputTokens
			bb.CachedTokens = status.Usage.CachedTokens
			bb.ReasoningTokens = status.Usage.ReasoningTokens
			bb.OutputTokens = status.Usage.OutputTokens
		}
		bb.ProviderStatusLastCheckedAt = &now
	}

	switch status.Status {
	case provider.StatusCompleted:
		if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchOpenAICompleted, func(bb *store.Batch) {
			mutateCounters(bb)
			bb.ProviderOutputFileID = status.OutputFileID
			bb.ProviderErrorFileID = status.ErrorFileID
		}); err != nil {
			return err
		}
		if err := e.enqueue(ctx, ActionDownloadResults, batchID); err != nil {
			return err
		}
		e.Log.Info("batch completed on provider", obs.String("batch_id", batchID))
		return nil

	case provider.StatusFailed:
		if status.HasTokenLimitExceeded() {
			return e.tokenLimitRetry(ctx, b, mutateCounters)
		}
		if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchFailed, mutateCounters); err != nil {
			return err
		}
		e.Log.Error("batch failed on provider", obs.String("batch_id", batchID))
		return e.failRequestsInState(ctx, batchID, statemachine.RequestOpenAIProcessing)

	case provider.StatusExpired:
		if status.OutputFileID != "" || status.ErrorFileID != "" {
			if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchExpired, func(bb *store.Batch) {
				mutateCounters(bb)
				bb.ProviderOutputFileID = status.OutputFileID
				bb.ProviderErrorFileID = status.ErrorFileID
			}); err != nil {
				return err
			}
			if err := e.enqueue(ctx, ActionProcessExpiredBatch, batchID); err != nil {
				return err
			}
			e.Log.Warn("batch expired on provider with partial output, reconciling", obs.String("batch_id", batchID))
			return nil
		}
		if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchExpired, func(bb *store.Batch) {
			mutateCounters(bb)
			bb.ProviderBatchID = ""
			bb.ProviderInputFileID = ""
		}); err != nil {
			return err
		}
		if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchUploading, nil); err != nil {
			return err
		}
		// Full resubmission: re-render and re-upload the batch file, then
		// recreate the provider batch, via expired → uploading, the
		// resubmission edge the state graph allows out of expired.
		if err := e.enqueue(ctx, ActionUpload, batchID); err != nil {
			return err
		}
		e.Log.Warn("batch expired on provider with no output, resubmitting", obs.String("batch_id", batchID))
		return nil

	case provider.StatusValidating, provider.StatusInProgress, provider.StatusFinalizing:
		if _, err := e.Store.UpdateBatch(ctx, batchID, mutateCounters); err != nil {
			return err
		}
		return e.enqueueDelayed(ctx, ActionPollStatus, batchID, pollStatusBackoff)

	default:
		return fmt.Errorf("workflow: unhandled provider status %q", status.Status)
	}
}

func (e *Engine) tokenLimitRetry(ctx context.Context, b *store.Batch, mutateCounters func(*store.Batch)) error {
	attempts := b.TokenLimitRetryAttempts + 1
	if attempts > maxTokenLimitRetryAttempts {
		_, err := e.Store.TransitionBatch(ctx, b.ID, statemachine.BatchFailed, func(bb *store.Batch) {
			mutateCounters(bb)
			bb.ErrorMsg = "token_limit_exceeded retries exhausted"
		})
		if err == nil {
			e.Log.Error("token limit retries exhausted, batch failed", obs.String("batch_id", b.ID))
		}
		return err
	}

	delay := tokenLimitRetryDelays[attempts-1]
	nextAt := e.Clock().Add(delay)

	reqs, err := e.Store.ListRequestsByBatchAndStates(ctx, b.ID, tokenLimitResetStates)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if r.State == statemachine.RequestPending {
			continue
		}
		if _, err := e.Store.TransitionRequest(ctx, r.ID, statemachine.RequestPending, func(rr *store.Request) {
			rr.ErrorMsg = ""
			rr.ResponsePayload = nil
		}); err != nil {
			return err
		}
	}

	_, err = e.Store.TransitionBatch(ctx, b.ID, statemachine.BatchWaitingForCapacity, func(bb *store.Batch) {
		mutateCounters(bb)
		bb.TokenLimitRetryAttempts = attempts
		bb.TokenLimitRetryNextAt = &nextAt
		bb.CapacityWaitReason = "token_limit_exceeded_backoff"
		bb.ProviderBatchID = ""
		bb.ProviderStatusLastCheckedAt = nil
	})
	if err == nil {
		e.Log.Warn("token limit exceeded, backing off",
			obs.String("batch_id", b.ID), obs.Int("attempt", attempts), obs.String("next_at", nextAt.Format(time.RFC3339)))
	}
	return err
}

func (e *Engine) failRequestsInState(ctx context.Context, batchID string, from statemachine.RequestState) error {
	reqs, err := e.Store.ListRequestsByBatchAndStates(ctx, batchID, []statemachine.RequestState{from})
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if _, err := e.Store.TransitionRequest(ctx, r.ID, statemachine.RequestFailed, nil); err != nil {
			return err
		}
	}
	return nil
}

// DownloadResults: openai_completed → downloading.
func (e *Engine) DownloadResults(ctx context.Context, batchID string) error {
	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchDownloading, nil); err != nil {
		return err
	}
	if err := e.enqueue(ctx, ActionProcessDownloadedFile, batchID); err != nil {
		return err
	}
	e.Log.Info("batch downloading started", obs.String("batch_id", batchID))
	return nil
}

// ProcessDownloadedFile downloads the batch's output/error files and hands
// them to FileReconciler (spec.md §4.7). On success → ready_to_deliver.
func (e *Engine) ProcessDownloadedFile(ctx context.Context, batchID string) error {
	b, err := e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	var outputPath, errorPath string
	if b.ProviderOutputFileID != "" {
		outputPath, err = e.Provider.DownloadFile(ctx, b.ProviderOutputFileID)
		if err != nil {
			e.Log.Warn("download output file failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
			return fmt.Errorf("workflow: download output file: %w", err)
		}
	}
	if b.ProviderErrorFileID != "" {
		errorPath, err = e.Provider.DownloadFile(ctx, b.ProviderErrorFileID)
		if err != nil {
			e.Log.Warn("download error file failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
			return fmt.Errorf("workflow: download error file: %w", err)
		}
	}

	if err := e.Files.ProcessDownloadedFile(ctx, batchID, outputPath, errorPath); err != nil {
		e.Log.Warn("process_downloaded_file failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
		return fmt.Errorf("workflow: process_downloaded_file: %w", err)
	}

	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchReadyToDeliver, nil); err != nil {
		return err
	}
	if err := e.enqueue(ctx, ActionStartDelivering, batchID); err != nil {
		return err
	}
	e.Log.Info("batch ready to deliver", obs.String("batch_id", batchID))
	return nil
}

// processExpiredBatchHandler runs the partial-completion path of an
// expired batch: same reconciliation as a normal download. If
// FileReconciler moved the batch back to uploading (Requests left
// unprocessed were reset to pending), it enqueues upload to resubmit
// them; otherwise the batch moves to ready_to_deliver.
func (e *Engine) processExpiredBatchHandler(ctx context.Context, batchID string) error {
	b, err := e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	var outputPath, errorPath string
	if b.ProviderOutputFileID != "" {
		outputPath, err = e.Provider.DownloadFile(ctx, b.ProviderOutputFileID)
		if err != nil {
			e.Log.Warn("download output file failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
			return fmt.Errorf("workflow: download output file: %w", err)
		}
	}
	if b.ProviderErrorFileID != "" {
		errorPath, err = e.Provider.DownloadFile(ctx, b.ProviderErrorFileID)
		if err != nil {
			e.Log.Warn("download error file failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
			return fmt.Errorf("workflow: download error file: %w", err)
		}
	}

	if err := e.Files.ProcessExpiredBatch(ctx, batchID, outputPath, errorPath); err != nil {
		e.Log.Warn("process_expired_batch failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
		return fmt.Errorf("workflow: process_expired_batch: %w", err)
	}

	b, err = e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.State == statemachine.BatchUploading {
		if err := e.enqueue(ctx, ActionUpload, batchID); err != nil {
			return err
		}
		e.Log.Warn("expired batch partially reconciled, resubmitting", obs.String("batch_id", batchID))
		return nil
	}

	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchReadyToDeliver, nil); err != nil {
		return err
	}
	if err := e.enqueue(ctx, ActionStartDelivering, batchID); err != nil {
		return err
	}
	e.Log.Info("expired batch ready to deliver (partial completion)", obs.String("batch_id", batchID))
	return nil
}

// StartDelivering: ready_to_deliver → delivering. Enqueues deliver(request_id)
// for every openai_processed Request.
func (e *Engine) StartDelivering(ctx context.Context, batchID string) error {
	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchDelivering, nil); err != nil {
		return err
	}
	reqs, err := e.Store.ListRequestsByBatchAndStates(ctx, batchID, []statemachine.RequestState{statemachine.RequestOpenAIProcessed})
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if err := e.Delivery.EnqueueDeliver(ctx, r.ID); err != nil {
			e.Log.Warn("enqueue deliver failed, will retry", obs.String("batch_id", batchID), obs.String("request_id", r.ID), obs.Err(err))
			return err
		}
	}
	e.Log.Info("batch delivering started", obs.String("batch_id", batchID), obs.Int("request_count", len(reqs)))
	return nil
}

// CheckDeliveryCompletion finalizes a delivering batch once every Request
// reaches a terminal state.
func (e *Engine) CheckDeliveryCompletion(ctx context.Context, batchID string) error {
	reqs, err := e.Store.ListRequestsByBatch(ctx, batchID)
	if err != nil {
		return err
	}

	delivered, failed := 0, 0
	for _, r := range reqs {
		if !r.State.IsTerminal() {
			return nil // not all terminal yet; caller reschedules.
		}
		switch r.State {
		case statemachine.RequestDelivered:
			delivered++
		case statemachine.RequestFailed, statemachine.RequestDeliveryFailed,
			statemachine.RequestExpired, statemachine.RequestCancelled:
			failed++
		}
	}

	var finalState statemachine.BatchState
	switch {
	case len(reqs) == 0:
		finalState = statemachine.BatchDelivered
	case failed == 0:
		finalState = statemachine.BatchDelivered
	case delivered == 0:
		finalState = statemachine.BatchDeliveryFailed
	default:
		finalState = statemachine.BatchPartiallyDelivered
	}

	if _, err := e.Store.TransitionBatch(ctx, batchID, finalState, nil); err != nil {
		return err
	}
	switch finalState {
	case statemachine.BatchDeliveryFailed:
		e.Log.Error("batch delivery failed for every request", obs.String("batch_id", batchID))
	case statemachine.BatchPartiallyDelivered:
		e.Log.Warn("batch partially delivered", obs.String("batch_id", batchID), obs.Int("delivered", delivered), obs.Int("failed", failed))
	default:
		e.Log.Info("batch delivered", obs.String("batch_id", batchID), obs.Int("delivered", delivered))
	}
	return nil
}

// ExpireStaleBuildingBatches runs the hourly expire_stale_building_batch
// sweep: a building batch past its age limit is either destroyed (empty)
// or promoted to uploading.
func (e *Engine) ExpireStaleBuildingBatches(ctx context.Context) error {
	const staleAfterSeconds = 3600
	stale, err := e.Store.ListStaleBuildingBatches(ctx, staleAfterSeconds)
	if err != nil {
		return err
	}
	for _, b := range stale {
		if b.RequestCount == 0 {
			if err := e.Store.DeleteBatch(ctx, b.ID); err != nil {
				return err
			}
			e.Log.Info("stale empty batch deleted", obs.String("batch_id", b.ID))
			continue
		}
		if err := e.StartUpload(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteExpiredBatches runs the hourly delete_expired_batch sweep.
func (e *Engine) DeleteExpiredBatches(ctx context.Context) error {
	expired, err := e.Store.ListExpiredBatches(ctx)
	if err != nil {
		return err
	}
	for _, b := range expired {
		e.bestEffortDeleteProviderFiles(ctx, b)
		if err := e.Store.DeleteBatch(ctx, b.ID); err != nil {
			return err
		}
		e.Log.Info("expired batch deleted", obs.String("batch_id", b.ID))
	}
	return nil
}

func (e *Engine) bestEffortDeleteProviderFiles(ctx context.Context, b *store.Batch) {
	for _, fileID := range []string{b.ProviderInputFileID, b.ProviderOutputFileID, b.ProviderErrorFileID} {
		if fileID == "" {
			continue
		}
		if err := e.Provider.DeleteFile(ctx, fileID); err != nil && err != provider.ErrNotFound {
			e.Log.Warn("best-effort provider file delete failed",
				obs.String("batch_id", b.ID), obs.String("file_id", fileID), obs.Err(err))
		}
	}
}

func (e *Engine) destroyBatch(ctx context.Context, batchID string) error {
	b, err := e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	e.bestEffortDeleteProviderFiles(ctx, b)
	if err := e.Store.DeleteBatch(ctx, batchID); err != nil {
		return err
	}
	e.Log.Info("batch destroyed", obs.String("batch_id", batchID))
	return nil
}

// CancelBatch transitions a non-terminal batch to cancelled, then cancels
// all pending jobs/requests. An openai_processing batch's provider-side
// job is cancelled first; a provider error other than ErrNotFound aborts
// the cancel and is returned, leaving the batch state unchanged.
func (e *Engine) CancelBatch(ctx context.Context, batchID string) error {
	b, err := e.Store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.State.IsTerminal() {
		return nil
	}

	if b.State == statemachine.BatchOpenAIProcessing && b.ProviderBatchID != "" {
		if err := e.Provider.CancelBatch(ctx, b.ProviderBatchID); err != nil && err != provider.ErrNotFound {
			e.Log.Warn("provider cancel failed, will retry", obs.String("batch_id", batchID), obs.Err(err))
			return fmt.Errorf("workflow: cancel_batch: provider cancel failed: %w", err)
		}
	}

	if _, err := e.Store.TransitionBatch(ctx, batchID, statemachine.BatchCancelled, nil); err != nil {
		return err
	}

	if err := e.Queue.CancelTag(ctx, batchID); err != nil {
		return err
	}

	reqs, err := e.Store.ListRequestsByBatch(ctx, batchID)
	if err != nil {
		return err
	}
	for _, r := range reqs {
		if r.State.IsTerminal() {
			continue
		}
		if _, err := e.Store.TransitionRequest(ctx, r.ID, statemachine.RequestCancelled, nil); err != nil {
			return err
		}
	}
	e.Log.Info("batch cancelled", obs.String("batch_id", batchID))
	return nil
}
