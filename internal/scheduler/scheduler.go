// Package scheduler runs batch submission and tracking on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/carscope/internal/batch"
	"github.com/kiranshivaraju/carscope/internal/config"
	"github.com/kiranshivaraju/carscope/pkg/models"
	"github.com/robfig/cron/v3"
)

// Submitter creates batch jobs.
type Submitter interface {
	Submit(ctx context.Context, opts batch.SubmitOptions) (*models.BatchJob, error)
}

// Sweeper tracks every open batch job.
type Sweeper interface {
	SweepPending(ctx context.Context) (*batch.SweepResult, error)
}

// Scheduler owns a cron runner. An empty schedule disables that task.
type Scheduler struct {
	cfg       config.SchedulerConfig
	submitter Submitter
	sweeper   Sweeper
	cron      *cron.Cron
}

func New(cfg config.SchedulerConfig, submitter Submitter, sweeper Sweeper) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		submitter: submitter,
		sweeper:   sweeper,
		// A run still in progress when its next tick fires is skipped.
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the configured tasks and starts the runner. Tasks run
// with ctx and stop being scheduled once Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.SubmitCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.SubmitCron, func() { s.RunSubmit(ctx) }); err != nil {
			return fmt.Errorf("invalid submit cron expression: %w", err)
		}
		slog.Info("scheduled batch submission", "cron", s.cfg.SubmitCron, "site", s.cfg.Site)
	}
	if s.cfg.TrackCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.TrackCron, func() { s.RunSweep(ctx) }); err != nil {
			return fmt.Errorf("invalid track cron expression: %w", err)
		}
		slog.Info("scheduled batch tracking", "cron", s.cfg.TrackCron)
	}
	if len(s.cron.Entries()) == 0 {
		slog.Info("no schedules configured, batches run only on request")
		return nil
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running tasks to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunSubmit submits one batch for the configured site.
func (s *Scheduler) RunSubmit(ctx context.Context) {
	job, err := s.submitter.Submit(ctx, batch.SubmitOptions{Site: s.cfg.Site})
	switch {
	case errors.Is(err, batch.ErrNothingToSubmit):
		slog.Debug("scheduled submission found nothing to submit", "site", s.cfg.Site)
	case err != nil:
		slog.Error("scheduled submission failed", "site", s.cfg.Site, "error", err)
	default:
		slog.Info("scheduled submission created job", "job_id", job.ID, "requests", job.RequestCount)
	}
}

// RunSweep tracks every open job once.
func (s *Scheduler) RunSweep(ctx context.Context) {
	if _, err := s.sweeper.SweepPending(ctx); err != nil {
		slog.Error("scheduled sweep failed", "error", err)
	}
}
