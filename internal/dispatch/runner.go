package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"whalewatch/internal/chainhook"
)

var (
	// ErrRunnerClosed is returned by Submit after Close.
	ErrRunnerClosed = errors.New("dispatch: runner closed")
	// ErrRunnerBusy is returned by Submit when the backlog is full.
	ErrRunnerBusy = errors.New("dispatch: runner busy")
)

// EventHandler processes one decoded event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev chainhook.Event) (Summary, error)
}

// Runner processes webhook bodies in the background so the caller can
// acknowledge immediately.
type Runner struct {
	handler EventHandler
	timeout time.Duration
	sem     chan struct{}
	slots   chan struct{}
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// RunnerOptions size the runner. At most MaxConcurrent events run at once
// and at most MaxPending more wait for a turn.
type RunnerOptions struct {
	MaxConcurrent int
	MaxPending    int
	Timeout       time.Duration
}

// NewRunner builds a runner; each event is limited to opts.Timeout.
func NewRunner(handler EventHandler, opts RunnerOptions, logger zerolog.Logger) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxPending < 0 {
		opts.MaxPending = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Runner{
		handler: handler,
		timeout: opts.Timeout,
		sem:     make(chan struct{}, opts.MaxConcurrent),
		slots:   make(chan struct{}, opts.MaxConcurrent+opts.MaxPending),
		logger:  logger.With().Str("component", "event_runner").Logger(),
	}
}

// Submit decodes raw and schedules it. Decode errors are returned to the
// caller; processing errors are only logged. A full backlog yields
// ErrRunnerBusy without queueing the event.
func (r *Runner) Submit(raw []byte) error {
	ev, err := chainhook.Decode(raw)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	select {
	case r.slots <- struct{}{}:
	default:
		r.mu.Unlock()
		r.logger.Warn().Int("capacity", cap(r.slots)).Msg("event backlog full, rejecting")
		return ErrRunnerBusy
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if _, err := r.handler.HandleEvent(ctx, ev); err != nil {
			r.logger.Error().Err(err).Msg("event processing failed")
		}
	}()
	return nil
}

// Close stops accepting events and waits for in-flight ones, or for ctx.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every submitted event has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
