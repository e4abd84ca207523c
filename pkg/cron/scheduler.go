// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// JobSweeper fails import jobs stuck in running.
type JobSweeper interface {
	MarkStaleJobsFailed(ctx context.Context, olderThan time.Time, message string) (int64, error)
}

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  JobSweeper
	schedule string
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewScheduler creates a scheduler that runs the stale job sweep on schedule
// (standard 5-field cron format). Jobs with no progress for ttl are failed.
func NewScheduler(sweeper JobSweeper, schedule string, ttl time.Duration, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:     c,
		sweeper:  sweeper,
		schedule: schedule,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.sweepStaleJobs); err != nil {
		return fmt.Errorf("schedule stale job sweep %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
		slog.String("sweep_schedule", s.schedule),
		slog.Duration("stale_ttl", s.ttl),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow triggers the sweep in the background.
func (s *Scheduler) RunNow() {
	go s.sweepStaleJobs()
}

// Sweep fails every running job whose last progress is older than the TTL
// and returns how many were failed.
func (s *Scheduler) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.ttl)
	message := fmt.Sprintf("stale: no progress for %s", s.ttl)
	return s.sweeper.MarkStaleJobsFailed(ctx, cutoff, message)
}

func (s *Scheduler) sweepStaleJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("stale import job sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		s.logger.Warn("failed stale import jobs", slog.Int64("jobs", n), slog.Duration("ttl", s.ttl))
		return
	}
	s.logger.Debug("stale import job sweep found nothing")
}
