// Copyright 2025 James Ross

// Package recovery re-establishes BatchWorkflow's in-flight work after a
// process restart (spec.md §4.9): every non-terminal Batch gets its
// next trigger re-enqueued, and a periodic sweep reclaims triggers
// abandoned by a worker that crashed mid-job — the same abandoned-work
// problem internal/reaper solves for the teacher's Redis job queue,
// applied here to JobQueue's in-flight set instead of a Redis processing
// list.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/jobqueue"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// Action names, mirrored from internal/workflow and internal/delivery so
// this package doesn't need to import either (avoids a cycle: workflow
// doesn't know about recovery, and recovery only needs the string names).
const (
	actionUpload                  = "upload"
	actionCreateProviderBatch     = "create_provider_batch"
	actionPollStatus              = "poll_status"
	actionDownloadResults         = "download_results"
	actionProcessDownloadedFile   = "process_downloaded_file"
	actionStartDelivering         = "start_delivering"
	actionCheckDeliveryCompletion = "check_delivery_completion"
)

// resumeAction maps a Batch's current state to the trigger that
// continues it, per spec.md §4.9. Three non-terminal states have no entry
// here: building (nothing is in flight until start_upload is called),
// waiting_for_capacity, which CapacityDispatcher's own periodic scan
// picks back up on its own without needing a re-enqueued trigger, and
// expired, for which RecoverAll enqueues nothing.
var resumeAction = map[statemachine.BatchState]string{
	statemachine.BatchUploading:        actionUpload,
	statemachine.BatchUploaded:         actionCreateProviderBatch,
	statemachine.BatchOpenAIProcessing: actionPollStatus,
	statemachine.BatchOpenAICompleted:  actionDownloadResults,
	statemachine.BatchDownloading:      actionProcessDownloadedFile,
	statemachine.BatchReadyToDeliver:   actionStartDelivering,
	statemachine.BatchDelivering:       actionCheckDeliveryCompletion,
}

// Recovery re-enqueues BatchWorkflow triggers at process start and
// reclaims abandoned in-flight triggers on a periodic tick.
type Recovery struct {
	Store store.Store
	Queue jobqueue.Queue
	Log   *zap.Logger
}

func New(s store.Store, q jobqueue.Queue, log *zap.Logger) *Recovery {
	return &Recovery{Store: s, Queue: q, Log: log}
}

// RecoverAll re-enqueues the resuming trigger for every non-terminal
// Batch. Every handler re-checks persisted state before acting, so a
// duplicate enqueue (e.g. a trigger that was already pending) is
// harmless (spec.md §4.9: "all triggers are idempotent").
func (r *Recovery) RecoverAll(ctx context.Context) error {
	batches, err := r.Store.ListNonTerminalBatches(ctx)
	if err != nil {
		return err
	}

	recovered := 0
	for _, b := range batches {
		action, ok := resumeAction[b.State]
		if !ok {
			continue
		}
		t := jobqueue.New(action, b.ID)
		if _, err := r.Queue.Enqueue(ctx, t, fmt.Sprintf("%s:%s", action, b.ID)); err != nil {
			return fmt.Errorf("recovery: re-enqueue %s for batch %s: %w", action, b.ID, err)
		}
		recovered++
	}
	r.Log.Info("recovery: re-enqueued resumable batches",
		obs.Int("total_non_terminal", len(batches)), obs.Int("resumed", recovered))
	return nil
}

// ReclaimLoop periodically moves triggers stuck in a crashed worker's
// in-flight set back onto the pending queue, mirroring internal/reaper's
// dead-worker sweep.
func (r *Recovery) ReclaimLoop(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Queue.Reclaim(ctx, olderThan)
			if err != nil {
				r.Log.Warn("recovery: reclaim failed", obs.Err(err))
				continue
			}
			if n > 0 {
				r.Log.Warn("recovery: reclaimed abandoned triggers", obs.Int("count", n))
			}
		}
	}
}
