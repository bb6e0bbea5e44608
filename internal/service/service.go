// Package service runs the long-lived whale watcher: webhook intake,
// delivery workers and background upkeep.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"whalewatch/internal/dispatch"
	"whalewatch/internal/pricing"
	"whalewatch/internal/queue"
	"whalewatch/internal/scheduler"
)

// Server is the inbound HTTP surface.
type Server interface {
	Run(ctx context.Context) error
}

// DepthRecorder receives queue depth samples.
type DepthRecorder interface {
	SetQueueDepth(stats queue.Stats)
}

// Deps are the already-wired components the service supervises.
type Deps struct {
	Server  Server
	Runner  *dispatch.Runner
	Pool    *queue.Pool
	Queue   queue.Queue
	Oracle  *pricing.Oracle
	Depth   DepthRecorder
	Price   *scheduler.Scheduler
	Sampler *scheduler.Scheduler
}

// Service supervises the components until shutdown.
type Service struct {
	deps          Deps
	drainTimeout  time.Duration
	logger        zerolog.Logger
	lastDeadCount int64
}

// New constructs the service.
func New(deps Deps, drainTimeout time.Duration, logger zerolog.Logger) *Service {
	if drainTimeout <= 0 {
		drainTimeout = 15 * time.Second
	}
	return &Service{
		deps:         deps,
		drainTimeout: drainTimeout,
		logger:       logger.With().Str("component", "service").Logger(),
	}
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails. Shutdown order: stop intake, drain in-flight events, then stop
// the workers so jobs enqueued during the drain are still attempted.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Server == nil || s.deps.Runner == nil || s.deps.Pool == nil || s.deps.Queue == nil {
		return errors.New("service dependencies not configured")
	}

	n, err := s.deps.Queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	}
	if n > 0 {
		s.logger.Warn().Int("jobs", n).Msg("re-queued jobs left in flight by a previous run")
	}

	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.deps.Server.Run(gctx)

		drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		defer cancel()
		if derr := s.deps.Runner.Close(drainCtx); derr != nil {
			s.logger.Warn().Err(derr).Msg("event drain timed out")
		}
		stopPool()
		return err
	})

	g.Go(func() error {
		return s.deps.Pool.Run(poolCtx)
	})

	if s.deps.Price != nil && s.deps.Oracle != nil {
		g.Go(func() error {
			return ignoreCanceled(s.deps.Price.Run(gctx, s.WarmPrice))
		})
	}
	if s.deps.Sampler != nil {
		g.Go(func() error {
			return ignoreCanceled(s.deps.Sampler.Run(gctx, s.SampleQueue))
		})
	}

	s.logger.Info().Msg("whale watcher started")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	s.logger.Info().Msg("whale watcher stopped")
	return nil
}

// WarmPrice forces a quote refresh so webhook processing rarely waits on it.
func (s *Service) WarmPrice(ctx context.Context, _ time.Time) error {
	q, err := s.deps.Oracle.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("refresh btc price: %w", err)
	}
	s.logger.Debug().Str("rate", q.Value.StringFixed(2)).Str("source", q.Source).Msg("btc price refreshed")
	return nil
}

// SampleQueue publishes queue depth and warns when new jobs are dead-lettered.
func (s *Service) SampleQueue(ctx context.Context, _ time.Time) error {
	stats, err := s.deps.Queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if s.deps.Depth != nil {
		s.deps.Depth.SetQueueDepth(stats)
	}
	if stats.Dead > s.lastDeadCount {
		s.logger.Warn().
			Int64("dead", stats.Dead).
			Int64("new", stats.Dead-s.lastDeadCount).
			Msg("dead-letter list grew; inspect with `whalewatch deadletter list`")
	}
	s.lastDeadCount = stats.Dead
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
