// Copyright 2025 James Ross

// Package capacitydispatcher periodically promotes batches sitting in
// waiting_for_capacity once their model gains enough enqueued-token
// headroom (spec.md §4.5). It scans oldest-first but is not strict FIFO:
// a smaller younger batch may be admitted ahead of an older larger one,
// favoring utilization over strict ordering.
package capacitydispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/admission"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// CreateProviderBatcher runs the create_provider_batch workflow step
// (spec.md §4.6) for a batch that Admission has just cleared.
type CreateProviderBatcher interface {
	CreateProviderBatch(ctx context.Context, batchID string) error
}

// Dispatcher promotes waiting_for_capacity batches, one model at a time.
type Dispatcher struct {
	store    store.Store
	checker  *admission.Checker
	creator  CreateProviderBatcher
	log      *zap.Logger
	interval time.Duration
}

func New(s store.Store, checker *admission.Checker, creator CreateProviderBatcher, log *zap.Logger, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Dispatcher{store: s, checker: checker, creator: creator, log: log, interval: interval}
}

// Run ticks until ctx is cancelled, dispatching every model with at least
// one waiting_for_capacity batch on each tick.
func (d *Dispatcher) Run(ctx context.Context, models []string) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, model := range models {
				if err := d.DispatchModel(ctx, model); err != nil {
					d.log.Error("capacity dispatch failed", obs.String("model", model), obs.Err(err))
				}
			}
		}
	}
}

// DispatchModel runs spec.md §4.5's per-model scan once.
func (d *Dispatcher) DispatchModel(ctx context.Context, model string) error {
	waiting, err := d.store.ListWaitingForCapacity(ctx, model)
	if err != nil {
		obs.DispatcherTicks.WithLabelValues(model, "scan_failed").Inc()
		return err
	}
	if len(waiting) == 0 {
		obs.DispatcherTicks.WithLabelValues(model, "empty").Inc()
		return nil
	}

	promoted := 0
	now := time.Now()
	for _, b := range waiting {
		if b.TokenLimitRetryNextAt != nil && b.TokenLimitRetryNextAt.After(now) {
			continue
		}

		decision, reason, err := d.checker.Check(ctx, b)
		if err != nil {
			return err
		}
		if decision != admission.Admit {
			d.log.Debug("batch remains capacity blocked",
				obs.String("batch_id", b.ID), obs.String("reason", reason))
			continue
		}

		if err := d.creator.CreateProviderBatch(ctx, b.ID); err != nil {
			d.log.Error("create_provider_batch failed during dispatch",
				obs.String("batch_id", b.ID), obs.Err(err))
			continue
		}
		promoted++
		obs.BatchesPromotedFromCapacity.Inc()
		d.log.Info("dispatched batch from waiting_for_capacity",
			obs.String("batch_id", b.ID), obs.String("model", model))
	}
	if promoted > 0 {
		obs.DispatcherTicks.WithLabelValues(model, "promoted").Inc()
	} else {
		obs.DispatcherTicks.WithLabelValues(model, "none_eligible").Inc()
	}
	return nil
}
