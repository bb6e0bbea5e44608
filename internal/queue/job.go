// Package queue implements the durable delivery queue with bounded,
// exponentially backed-off retries and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownJob is returned when a job id is not present in the queue.
var ErrUnknownJob = errors.New("queue: unknown job")

// RetryPolicy bounds how often a job is attempted.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from 2s.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}

// Delay returns the wait before the next try after attempt failed attempts.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	return p.Backoff * time.Duration(1<<(attempt-1))
}

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`

	// labels for logs and manual replay
	RuleID string `json:"rule_id,omitempty"`
	TxID   string `json:"txid,omitempty"`
}

// NewJob marshals payload into a job with a fresh id.
func NewJob(payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal job payload: %w", err)
	}
	return Job{ID: uuid.NewString(), Payload: raw}, nil
}

// Policy returns the retry policy recorded on the job.
func (j Job) Policy() RetryPolicy {
	return RetryPolicy{Attempts: j.MaxAttempts, Backoff: j.Backoff}
}

// Exhausted reports whether no attempts remain.
func (j Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// Queue is the worker-facing contract. Delivery is at-least-once: a job
// dequeued but never acked is handed out again after Recover.
type Queue interface {
	Enqueue(ctx context.Context, job Job, policy RetryPolicy) error
	// Dequeue waits up to the poll timeout and returns nil, nil when idle.
	Dequeue(ctx context.Context) (*Job, error)
	Ack(ctx context.Context, job *Job) error
	// Nack records cause and either schedules a retry or dead-letters the job.
	Nack(ctx context.Context, job *Job, cause error) (dead bool, err error)
	Recover(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context, limit int) ([]Job, error)
	RequeueDead(ctx context.Context, id string) error
	Stats(ctx context.Context) (Stats, error)
}

// Stats counts jobs per state.
type Stats struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Dead       int64
}

func prepare(job Job, policy RetryPolicy, now time.Time) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	job.MaxAttempts = policy.Attempts
	job.Backoff = policy.Backoff
	job.Attempt = 0
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	return job
}

// fail records cause on job and reports whether it must be dead-lettered.
func fail(job *Job, cause error, now time.Time) bool {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	job.LastError = msg
	ts := now
	job.FailedAt = &ts
	return IsPermanent(cause) || job.Exhausted()
}
