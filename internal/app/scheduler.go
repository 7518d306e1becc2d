/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/chamalink/chama-service/internal/config"
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
		logger: logger.With("component", "scheduler"),
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of
// jobs registered.
func (s *Scheduler) Start() int {
	registered := 0
	if _, err := s.cron.AddFunc(s.config.PaymentReconcileSchedule, s.jobs.ReconcileStalePayments); err != nil {
		s.logger.Error("failed to schedule payment reconciliation job", "error", err)
	} else {
		registered++
		s.logger.Info("scheduled payment reconciliation job", "schedule", s.config.PaymentReconcileSchedule)
	}

	if s.config.LoanVotingTTLHours > 0 {
		if _, err := s.cron.AddFunc(s.config.LoanExpirySchedule, s.jobs.ExpireVotingLoans); err != nil {
			s.logger.Error("failed to schedule loan expiry job", "error", err)
		} else {
			registered++
			s.logger.Info("scheduled loan expiry job", "schedule", s.config.LoanExpirySchedule, "ttl_hours", s.config.LoanVotingTTLHours)
		}
	} else {
		s.logger.Info("loan voting expiry disabled")
	}

	s.cron.Start()
	return registered
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
