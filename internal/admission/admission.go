// Copyright 2025 James Ross

// Package admission decides whether a Batch ready for submission has
// enqueued-token headroom for its model (spec.md §4.4).
package admission

import (
	"context"

	"github.com/williamwinkler/openai-batch-manager/internal/capacityprovider"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
	"github.com/williamwinkler/openai-batch-manager/internal/statemachine"
	"github.com/williamwinkler/openai-batch-manager/internal/store"
)

// Decision is the outcome of a headroom check.
type Decision string

const (
	Admit               Decision = "admit"
	WaitCapacityBlocked Decision = "wait_capacity_blocked"
)

// reservedStates are the Batch states occupying provider queue slots for
// a model, per spec.md §4.4 step 2.
var reservedStates = []statemachine.BatchState{
	statemachine.BatchOpenAIProcessing,
	statemachine.BatchOpenAICompleted,
	statemachine.BatchDownloading,
	statemachine.BatchReadyToDeliver,
	statemachine.BatchDelivering,
}

// Checker runs the Admission algorithm against a Store and
// CapacityProvider.
type Checker struct {
	Store    store.Store
	Capacity capacityprovider.Provider
}

func New(s store.Store, cp capacityprovider.Provider) *Checker {
	return &Checker{Store: s, Capacity: cp}
}

// Check evaluates batch b for submission. On any capacity-lookup
// failure it returns WaitCapacityBlocked with reason
// "capacity_check_failed" — admission never proceeds on ambiguity.
func (c *Checker) Check(ctx context.Context, b *store.Batch) (Decision, string, error) {
	limit, err := c.Capacity.GetBatchLimitTokens(ctx, b.Model)
	if err != nil {
		obs.AdmissionDecisions.WithLabelValues(string(WaitCapacityBlocked)).Inc()
		return WaitCapacityBlocked, "capacity_check_failed", nil
	}

	reserved, err := c.Store.SumReservedTokens(ctx, b.Model, reservedStates, b.ID)
	if err != nil {
		obs.AdmissionDecisions.WithLabelValues(string(WaitCapacityBlocked)).Inc()
		return WaitCapacityBlocked, "capacity_check_failed", nil
	}

	headroom := limit - reserved
	if headroom < 0 {
		headroom = 0
	}
	obs.CapacityHeadroomTokens.WithLabelValues(b.Model).Set(float64(headroom))
	needed := b.EstimatedInputTokensTotal

	if needed <= headroom {
		obs.AdmissionDecisions.WithLabelValues(string(Admit)).Inc()
		return Admit, "", nil
	}
	obs.AdmissionDecisions.WithLabelValues(string(WaitCapacityBlocked)).Inc()
	return WaitCapacityBlocked, "insufficient_headroom", nil
}
