package usecase

import (
	"context"
	"log/slog"
	"time"

	"StoryProcessor/internal/ports"
)

// Job is one periodic unit of work.
type Job func(ctx context.Context, trigger time.Time) error

// Scheduler wires an interval driver with a job.
type Scheduler struct {
	name   string
	driver ports.Scheduler
	job    Job
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop a recurring job.
func NewScheduler(name string, driver ports.Scheduler, job Job, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{name: name, driver: driver, job: job, logger: logger}
}

// Start registers the job with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.job == nil {
		return nil
	}

	run := func(trigger time.Time) {
		if err := s.job(ctx, trigger); err != nil {
			s.logger.Error("scheduled job failed", "job", s.name, "error", err)
		}
	}

	return s.driver.Start(ctx, run)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
