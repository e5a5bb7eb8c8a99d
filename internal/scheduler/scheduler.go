// Copyright 2025 James Ross

// Package scheduler wires the cron-like periodic jobs spec.md §2/§4.6
// names: promoting delayed JobQueue triggers and the hourly
// building/expiry sweeps. CapacityDispatcher runs its own ticker and is
// not registered here. Cron parsing uses robfig/cron/v3, the library the
// teacher's internal/calendar-view used to validate recurring-rule
// expressions; here the library also drives the schedule.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/williamwinkler/openai-batch-manager/internal/jobqueue"
	"github.com/williamwinkler/openai-batch-manager/internal/obs"
)

// Default cron schedules, per spec.md §6.6 and §4.6.
const (
	// PromoteDueCron mirrors PROVIDER_STATUS_POLL_CRON: a minute tick
	// that promotes any JobQueue trigger whose delay (poll_status
	// backoff, token-limit retry, delivery retry) has elapsed.
	PromoteDueCron = "* * * * *"

	ExpireStaleBuildingCron = "0 * * * *"
	DeleteExpiredCron       = "30 * * * *"
)

// Sweeper runs the two hourly batch sweeps BatchWorkflow exposes.
type Sweeper interface {
	ExpireStaleBuildingBatches(ctx context.Context) error
	DeleteExpiredBatches(ctx context.Context) error
}

// Scheduler owns the process's cron.Cron instance and registers the
// periodic jobs that aren't driven by a per-batch JobQueue trigger.
type Scheduler struct {
	cron    *cron.Cron
	queue   jobqueue.Queue
	sweeper Sweeper
	log     *zap.Logger
}

func New(q jobqueue.Queue, sweeper Sweeper, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		queue:   q,
		sweeper: sweeper,
		log:     log,
	}
}

// Register adds every periodic job to the underlying cron.Cron. Call
// Start afterward to begin running them.
func (s *Scheduler) Register(ctx context.Context) error {
	if _, err := s.cron.AddFunc(PromoteDueCron, func() { s.promoteDue(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(ExpireStaleBuildingCron, func() { s.runSweep(ctx, "expire_stale_building_batch", s.sweeper.ExpireStaleBuildingBatches) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(DeleteExpiredCron, func() { s.runSweep(ctx, "delete_expired_batch", s.sweeper.DeleteExpiredBatches) }); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop blocks until any running jobs finish, then stops the scheduler.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

func (s *Scheduler) promoteDue(ctx context.Context) {
	n, err := s.queue.PromoteDue(ctx)
	if err != nil {
		s.log.Warn("scheduler: promote_due failed", obs.Err(err))
		return
	}
	if n > 0 {
		s.log.Debug("scheduler: promoted due triggers", obs.Int("count", n))
	}
}

func (s *Scheduler) runSweep(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		s.log.Error("scheduler: sweep failed", obs.String("sweep", name), obs.Err(err))
	}
}
