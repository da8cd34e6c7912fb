// Package sched wires up the cron jobs that sweep stale records: pending
// payouts past their processing window and open jobs whose schedule time has
// passed.
package sched

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"escrowflow/job"
	"escrowflow/payout"
)

// Sweeper runs the scheduled expiry sweeps.
type Sweeper struct {
	cron         *cron.Cron
	jobs         *job.Service
	payouts      *payout.Service
	payoutExpiry time.Duration
	log          *slog.Logger
}

func New(jobs *job.Service, payouts *payout.Service, payoutExpiry time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cron:         cron.New(),
		jobs:         jobs,
		payouts:      payouts,
		payoutExpiry: payoutExpiry,
		log:          log,
	}
}

// Start registers the sweeps and starts the scheduler. One sweep also runs
// immediately so a restart does not postpone overdue expirations.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@hourly", func() { s.run(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("sweeper started", "spec", "@hourly")

	go s.run(ctx)
	return nil
}

// Stop gracefully shuts down the scheduler.
func (s *Sweeper) Stop() {
	s.cron.Stop()
	s.log.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	if ids, err := s.payouts.ExpireStalePending(ctx, s.payoutExpiry); err != nil {
		s.log.Error("payout expiry sweep failed", "err", err)
	} else if len(ids) > 0 {
		s.log.Info("expired stale payouts", "count", len(ids))
	}

	if ids, err := s.jobs.ExpireStaleOpen(ctx, time.Now()); err != nil {
		s.log.Error("job expiry sweep failed", "err", err)
	} else if len(ids) > 0 {
		s.log.Info("expired stale open jobs", "count", len(ids))
	}
}
