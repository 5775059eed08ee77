// Package scheduler runs periodic cluster recalculation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/knoguchi/postrank/internal/cluster"
)

// Recalculator re-clusters posts.
type Recalculator interface {
	RecalculateClusters(ctx context.Context, nClusters, minPosts int) (*cluster.RecalculationResult, error)
}

// Config holds configuration for the scheduler.
type Config struct {
	// Schedule is a cron spec or descriptor such as "@daily".
	Schedule   string
	NClusters  int
	MinPosts   int
	JobTimeout time.Duration
	Logger     *slog.Logger
}

// Scheduler triggers cluster recalculation on a cron schedule. A run still
// in progress when the next one is due causes that one to be skipped.
type Scheduler struct {
	cron   *cron.Cron
	rec    Recalculator
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. It returns an error for an invalid schedule.
func New(rec Recalculator, cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "scheduler")

	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		rec:    rec,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	entryID, err := s.cron.AddFunc(cfg.Schedule, func() { s.RunNow(s.ctx) })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to schedule cluster recalculation %q: %w", cfg.Schedule, err)
	}
	logger.Info("scheduled cluster recalculation", "schedule", cfg.Schedule, "entry_id", entryID)
	return s, nil
}

// Start starts the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels a running recalculation and waits for it
// to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for scheduled job: %w", ctx.Err())
	}
}

// RunNow runs one recalculation synchronously.
func (s *Scheduler) RunNow(ctx context.Context) {
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	res, err := s.rec.RecalculateClusters(ctx, s.cfg.NClusters, s.cfg.MinPosts)
	switch {
	case errors.Is(err, cluster.ErrRecalculationRunning):
		s.logger.Info("cluster recalculation already running, skipping")
	case err != nil:
		s.logger.Error("scheduled cluster recalculation failed", "error", err)
	default:
		s.logger.Info("scheduled cluster recalculation finished",
			"run_id", res.RunID,
			"status", res.Status,
			"clusters", res.ClustersCreated,
			"posts", res.PostsClustered,
		)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
