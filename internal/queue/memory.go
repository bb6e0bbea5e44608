package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is a process-local Queue for development and tests.
// Jobs do not survive a restart.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        map[string]*Job
	ready       []string
	processing  map[string]struct{}
	delayed     map[string]time.Time
	dead        []string
	notify      chan struct{}
	pollTimeout time.Duration
	now         func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(pollTimeout time.Duration) *MemoryQueue {
	if pollTimeout <= 0 {
		pollTimeout = 2 * time.Second
	}
	return &MemoryQueue{
		jobs:        make(map[string]*Job),
		processing:  make(map[string]struct{}),
		delayed:     make(map[string]time.Time),
		notify:      make(chan struct{}, 1),
		pollTimeout: pollTimeout,
		now:         time.Now,
	}
}

// Enqueue stores the job as ready.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job, policy RetryPolicy) error {
	job = prepare(job, policy, q.now().UTC())

	q.mu.Lock()
	q.jobs[job.ID] = &job
	q.ready = append(q.ready, job.ID)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue returns the oldest ready job, waiting up to the poll timeout.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	deadline := time.NewTimer(q.pollTimeout)
	defer deadline.Stop()

	for {
		if job := q.take(); job != nil {
			return job, nil
		}

		// recheck delayed jobs at least every 10ms
		tick := time.NewTimer(10 * time.Millisecond)
		select {
		case <-ctx.Done():
			tick.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			tick.Stop()
			return nil, nil
		case <-q.notify:
		case <-tick.C:
		}
		tick.Stop()
	}
}

func (q *MemoryQueue) take() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteLocked()
	if len(q.ready) == 0 {
		return nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	job, ok := q.jobs[id]
	if !ok {
		return nil
	}
	q.processing[id] = struct{}{}
	job.Attempt++
	cp := *job
	return &cp
}

func (q *MemoryQueue) promoteLocked() {
	if len(q.delayed) == 0 {
		return
	}
	now := q.now()
	due := make([]string, 0)
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })
	for _, id := range due {
		delete(q.delayed, id)
		q.ready = append(q.ready, id)
	}
}

// Ack removes a finished job.
func (q *MemoryQueue) Ack(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[job.ID]; !ok {
		return ErrUnknownJob
	}
	delete(q.processing, job.ID)
	delete(q.jobs, job.ID)
	return nil
}

// Nack schedules a retry or dead-letters the job.
func (q *MemoryQueue) Nack(_ context.Context, job *Job, cause error) (bool, error) {
	now := q.now().UTC()

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[job.ID]; !ok {
		return false, ErrUnknownJob
	}
	delete(q.processing, job.ID)

	dead := fail(job, cause, now)
	cp := *job
	q.jobs[job.ID] = &cp
	if dead {
		q.dead = append([]string{job.ID}, q.dead...)
		return true, nil
	}
	q.delayed[job.ID] = now.Add(job.Policy().Delay(job.Attempt))
	return false, nil
}

// Recover returns in-flight jobs to the ready list.
func (q *MemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	ids := make([]string, 0, len(q.processing))
	for id := range q.processing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		delete(q.processing, id)
		q.ready = append(q.ready, id)
	}
	q.mu.Unlock()

	if len(ids) > 0 {
		q.wake()
	}
	return len(ids), nil
}

// DeadLetters lists up to limit dead jobs, most recent first.
func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, limit)
	for _, id := range q.dead {
		if len(out) == limit {
			break
		}
		if job, ok := q.jobs[id]; ok {
			out = append(out, *job)
		}
	}
	return out, nil
}

// RequeueDead resets a dead job and makes it ready again.
func (q *MemoryQueue) RequeueDead(_ context.Context, id string) error {
	q.mu.Lock()
	idx := -1
	for i, deadID := range q.dead {
		if deadID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return ErrUnknownJob
	}
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	job := q.jobs[id]
	job.Attempt = 0
	job.FailedAt = nil
	q.ready = append(q.ready, id)
	q.mu.Unlock()

	q.wake()
	return nil
}

// Stats counts jobs per state.
func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Ready:      int64(len(q.ready)),
		Processing: int64(len(q.processing)),
		Delayed:    int64(len(q.delayed)),
		Dead:       int64(len(q.dead)),
	}, nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
