package service

import (
	"context"
	"fmt"
	"time"

	"github.com/andikarp/medsync/internal/observability"
	"github.com/andikarp/medsync/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = time.Minute
	defaultStaleAfter    = 15 * time.Minute

	sweepMessage = "failed by recovery sweep: worker did not finish the job"
)

// StaleSweeper periodically fails jobs stuck in a non-terminal status.
// A worker crash mid-batch would otherwise hold the per-source mutual
// exclusion forever; the sweep runs continuously rather than only at
// process startup, so a single surviving instance recovers the work of
// any crashed peer.
type StaleSweeper struct {
	jobs       repository.JobRepository
	logger     *zap.Logger
	metrics    *observability.Metrics
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewStaleSweeper(
	jobs repository.JobRepository,
	interval time.Duration,
	staleAfter time.Duration,
	logger *zap.Logger,
) (*StaleSweeper, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleSweeper{
		jobs:       jobs,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

func (s *StaleSweeper) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *StaleSweeper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Sweep once at startup so jobs orphaned by a previous crash of this
	// very instance release their sources immediately.
	if err := s.sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("initial stale sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("stale sweep failed", zap.Error(err))
			}
		}
	}
}

func (s *StaleSweeper) sweep(ctx context.Context) error {
	cutoff := s.now().Add(-s.staleAfter)

	counts, err := s.jobs.SweepStale(ctx, cutoff, sweepMessage)
	if err != nil {
		return fmt.Errorf("failed to sweep stale jobs: %w", err)
	}

	for _, count := range counts {
		s.logger.Warn("swept stale jobs",
			zap.String("source", count.SourceKey.String()),
			zap.Int("count", count.Count),
		)
		if s.metrics != nil {
			s.metrics.IncStaleJobsSwept(count.SourceKey.String(), count.Count)
		}
	}
	return nil
}
