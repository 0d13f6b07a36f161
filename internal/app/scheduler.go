/**
 * @description
 * Cron scheduler for the background jobs: the primary and backup expiry sweeps and
 * webhook redelivery.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron specs of the background jobs.
type ScheduleConfig struct {
	Sweep        string
	BackupSweep  string
	WebhookRetry string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	webhooks *Dispatcher
	logger   *slog.Logger
	config   ScheduleConfig
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job are
// skipped.
func NewScheduler(sweeper *Sweeper, webhooks *Dispatcher, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		webhooks: webhooks,
		logger:   logger,
		config:   cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.add("expiry sweep", s.config.Sweep, s.sweeper.PrimaryJob)
	s.add("backup expiry sweep", s.config.BackupSweep, s.sweeper.BackupJob)
	if s.webhooks != nil {
		s.add("webhook retry", s.config.WebhookRetry, s.retryWebhooks)
	}
	s.cron.Start()
}

func (s *Scheduler) add(name, spec string, job func()) {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

func (s *Scheduler) retryWebhooks() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := s.webhooks.RetryDue(ctx)
	if err != nil {
		s.logger.Error("webhook retry job failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("webhook retry job finished", "retried", n)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
