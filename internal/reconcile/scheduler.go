package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type Runner interface {
	Run(ctx context.Context, opts Options) (Report, error)
}

// Scheduler runs sweeps on a fixed interval until its context ends.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	lookback int
	logger   zerolog.Logger
}

// NewScheduler returns nil when interval is not positive.
func NewScheduler(runner Runner, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		return nil
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		lookback: lookbackFor(interval),
		logger:   logger.With().Str("component", "reconcile_scheduler").Logger(),
	}
}

// lookbackFor covers at least two intervals so one missed tick is still caught.
func lookbackFor(interval time.Duration) int {
	hours := int((2*interval + time.Hour - 1) / time.Hour)
	if hours < DefaultLookbackHours {
		hours = DefaultLookbackHours
	}
	return ClampLookback(hours)
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Int("lookback_hours", s.lookback).Msg("reconciliation scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.runner.Run(ctx, Options{LookbackHours: s.lookback, Trigger: TriggerScheduled})
	if errors.Is(err, ErrInProgress) {
		s.logger.Debug().Msg("skipping tick, sweep already running")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled reconciliation failed")
	}
}
