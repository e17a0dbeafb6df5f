package app

import (
	"context"
	"log/slog"

	"github.com/davidethc/RifasEcuador-sub001/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. Jobs with an empty
// schedule are left disabled.
func (s *Scheduler) Start() {
	s.register("reservation expiry", s.config.ExpirySweepSchedule, s.jobs.ExpireReservations)
	s.register("payment reconciliation", s.config.ReconcileSchedule, s.jobs.ReconcilePayments)
	s.cron.Start()
}

func (s *Scheduler) register(name, schedule string, job func()) {
	if schedule == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", schedule)
}

// Stop stops the cron scheduler; the returned context is done once running
// jobs complete.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
