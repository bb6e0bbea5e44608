package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type factory func(t *testing.T, clock *testClock) Queue

func memoryFactory(t *testing.T, clock *testClock) Queue {
	q := NewMemoryQueue(50 * time.Millisecond)
	q.now = clock.Now
	return q
}

func redisFactory(t *testing.T, clock *testClock) Queue {
	mr := miniredis.RunT(t)
	rdb := NewRedisClient(redisConfig(mr.Addr()))
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewRedisQueue(rdb, "test:q", time.Second)
	q.now = clock.Now
	return q
}

func forEachQueue(t *testing.T, fn func(t *testing.T, q Queue, clock *testClock)) {
	for name, f := range map[string]factory{"memory": memoryFactory, "redis": redisFactory} {
		f := f
		t.Run(name, func(t *testing.T) {
			clock := &testClock{now: time.Date(2024, 4, 20, 12, 0, 0, 0, time.UTC)}
			fn(t, f(t, clock), clock)
		})
	}
}

func mustEnqueue(t *testing.T, q Queue, id string, policy RetryPolicy) {
	t.Helper()
	job, err := NewJob(map[string]string{"id": id})
	require.NoError(t, err)
	job.ID = id
	require.NoError(t, q.Enqueue(context.Background(), job, policy))
}

func mustDequeue(t *testing.T, q Queue) *Job {
	t.Helper()
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job, "expected a ready job")
	return job
}

func TestQueueFIFOAndAck(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, _ *testClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "a", DefaultRetryPolicy)
		mustEnqueue(t, q, "b", DefaultRetryPolicy)

		first := mustDequeue(t, q)
		assert.Equal(t, "a", first.ID)
		assert.Equal(t, 1, first.Attempt)
		assert.Equal(t, 3, first.MaxAttempts)
		assert.JSONEq(t, `{"id":"a"}`, string(first.Payload))

		second := mustDequeue(t, q)
		assert.Equal(t, "b", second.ID)

		require.NoError(t, q.Ack(ctx, first))
		require.NoError(t, q.Ack(ctx, second))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
	})
}

func TestQueueRetryBackoffThenDeadLetter(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, clock *testClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "job", RetryPolicy{Attempts: 3, Backoff: 2 * time.Second})
		boom := errors.New("chat transport unavailable")

		job := mustDequeue(t, q)
		dead, err := q.Nack(ctx, job, boom)
		require.NoError(t, err)
		assert.False(t, dead)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Delayed)
		assert.Equal(t, int64(0), stats.Ready)

		clock.Advance(2 * time.Second)
		job = mustDequeue(t, q)
		assert.Equal(t, 2, job.Attempt)
		assert.Equal(t, boom.Error(), job.LastError)
		dead, err = q.Nack(ctx, job, boom)
		require.NoError(t, err)
		assert.False(t, dead)

		// second retry waits 4s
		clock.Advance(3 * time.Second)
		stats, err = q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Delayed)

		clock.Advance(time.Second)
		job = mustDequeue(t, q)
		assert.Equal(t, 3, job.Attempt)
		dead, err = q.Nack(ctx, job, boom)
		require.NoError(t, err)
		assert.True(t, dead)

		letters, err := q.DeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, "job", letters[0].ID)
		assert.Equal(t, 3, letters[0].Attempt)
		assert.Equal(t, boom.Error(), letters[0].LastError)
		assert.NotNil(t, letters[0].FailedAt)
	})
}

func TestQueuePermanentFailureSkipsRetries(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, _ *testClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "job", DefaultRetryPolicy)

		job := mustDequeue(t, q)
		dead, err := q.Nack(ctx, job, Permanent(errors.New("no recipient")))
		require.NoError(t, err)
		assert.True(t, dead)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Dead)
		assert.Equal(t, int64(0), stats.Delayed)
	})
}

func TestQueueRequeueDead(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, _ *testClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "job", RetryPolicy{Attempts: 1})

		job := mustDequeue(t, q)
		dead, err := q.Nack(ctx, job, errors.New("smtp down"))
		require.NoError(t, err)
		require.True(t, dead)

		require.NoError(t, q.RequeueDead(ctx, "job"))
		assert.ErrorIs(t, q.RequeueDead(ctx, "job"), ErrUnknownJob)

		again := mustDequeue(t, q)
		assert.Equal(t, 1, again.Attempt)
		assert.Equal(t, "smtp down", again.LastError)
	})
}

func TestQueueRecoverInFlight(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue, _ *testClock) {
		ctx := context.Background()
		mustEnqueue(t, q, "job", DefaultRetryPolicy)
		mustDequeue(t, q)

		n, err := q.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		job := mustDequeue(t, q)
		assert.Equal(t, "job", job.ID)
		assert.Equal(t, 2, job.Attempt)
	})
}

func TestMemoryQueueIdleDequeue(t *testing.T) {
	q := NewMemoryQueue(20 * time.Millisecond)
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Attempts: 3, Backoff: 2 * time.Second}
	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	base := errors.New("bad config")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(errors.Join(errors.New("x"), err)))
	assert.False(t, IsPermanent(base))
}
