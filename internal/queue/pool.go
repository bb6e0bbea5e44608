package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. A non-nil error nacks the job.
type Handler func(ctx context.Context, job *Job) error

// Outcome labels how a job attempt ended.
type Outcome string

const (
	OutcomeAcked   Outcome = "acked"
	OutcomeRetried Outcome = "retried"
	OutcomeDead    Outcome = "dead"
)

// JobRecorder observes finished job attempts.
type JobRecorder interface {
	JobFinished(outcome Outcome, elapsed time.Duration)
}

// PoolOptions size the worker pool.
type PoolOptions struct {
	Workers    int
	JobTimeout time.Duration
	Recorder   JobRecorder
}

// Pool drains a Queue with a fixed number of workers.
type Pool struct {
	queue    Queue
	handler  Handler
	workers  int
	timeout  time.Duration
	recorder JobRecorder
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration)
}

// NewPool builds a worker pool.
func NewPool(q Queue, handler Handler, opts PoolOptions, logger zerolog.Logger) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		queue:    q,
		handler:  handler,
		workers:  workers,
		timeout:  timeout,
		recorder: opts.Recorder,
		logger:   logger.With().Str("component", "worker_pool").Logger(),
		sleep:    sleepCtx,
	}
}

// Run blocks until ctx is cancelled. A job already in hand is finished
// before its worker exits.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(gctx, worker)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := p.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}

		p.process(ctx, log, job)
	}
}

func (p *Pool) process(ctx context.Context, log zerolog.Logger, job *Job) {
	// shutdown must not abort a send midway
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	entry := log.With().
		Str("job_id", job.ID).
		Str("rule_id", job.RuleID).
		Str("txid", job.TxID).
		Int("attempt", job.Attempt).
		Int("max_attempts", job.MaxAttempts).
		Logger()

	start := time.Now()
	handleErr := p.handler(jobCtx, job)
	elapsed := time.Since(start)

	if handleErr == nil {
		if err := p.queue.Ack(jobCtx, job); err != nil {
			entry.Error().Err(err).Msg("ack failed")
		}
		p.record(OutcomeAcked, elapsed)
		entry.Debug().Dur("elapsed", elapsed).Msg("job delivered")
		return
	}

	dead, err := p.queue.Nack(jobCtx, job, handleErr)
	if err != nil {
		entry.Error().Err(err).AnErr("cause", handleErr).Msg("nack failed")
		return
	}
	if dead {
		p.record(OutcomeDead, elapsed)
		entry.Error().Err(handleErr).
			Bool("permanent", IsPermanent(handleErr)).
			Msg("job moved to dead letter")
		return
	}
	p.record(OutcomeRetried, elapsed)
	entry.Warn().Err(handleErr).
		Dur("retry_in", job.Policy().Delay(job.Attempt)).
		Msg("job failed, retry scheduled")
}

func (p *Pool) record(outcome Outcome, elapsed time.Duration) {
	if p.recorder != nil {
		p.recorder.JobFinished(outcome, elapsed)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
