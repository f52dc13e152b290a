package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic reconciliation scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	// Interval between runs. Runs are aligned to multiples of Interval.
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scheduler executes reconciliation on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		reconciler: cfg.Reconciler,
		interval:   interval,
		logger:     logger,
		now:        now,
	}
}

// Start runs reconciliation until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	for {
		now := s.now()
		timer := time.NewTimer(s.nextRun(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			result, err := s.reconciler.Run(ctx, RunOptions{})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("recon scheduler run failed", slog.Any("error", err))
				continue
			}
			s.logger.Info("recon run complete",
				slog.Int("rows", len(result.Rows)),
				slog.Int("resolved", result.Resolved),
				slog.Int("unresolved", result.Unresolved),
				slog.Int("anomalies", len(result.Anomalies)))
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	return after.Truncate(s.interval).Add(s.interval)
}
