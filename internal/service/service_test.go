package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whalewatch/internal/alerting"
	"whalewatch/internal/dispatch"
	"whalewatch/internal/pricing"
	"whalewatch/internal/queue"
	"whalewatch/internal/scheduler"
	"whalewatch/internal/storage"
)

type idleServer struct{}

func (idleServer) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type captureTransport struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureTransport) Send(_ context.Context, _ string, note alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, note)
	return nil
}

func (c *captureTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notes)
}

type depthSink struct {
	mu    sync.Mutex
	stats []queue.Stats
}

func (d *depthSink) SetQueueDepth(s queue.Stats) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats = append(d.stats, s)
}

type harness struct {
	deps      Deps
	transport *captureTransport
	queue     *queue.MemoryQueue
}

func newHarness(t *testing.T) harness {
	t.Helper()
	logger := zerolog.Nop()

	store := storage.NewMemoryStore()
	_, err := store.CreateRule(context.Background(), storage.AlertRule{
		ID:           "r1",
		UserID:       "u1",
		Name:         "whales",
		ThresholdBTC: decimal.NewFromInt(1),
		Channels:     []storage.Channel{storage.ChannelTelegram},
		State:        storage.RuleActive,
	})
	require.NoError(t, err)

	q := queue.NewMemoryQueue(20 * time.Millisecond)
	oracle := pricing.NewOracle(pricing.StaticSource{Rate: decimal.NewFromInt(60000)}, pricing.OracleOptions{}, logger)
	pipeline := dispatch.NewPipeline(store, store, q, oracle, dispatch.Options{DefaultChatID: "42"}, logger)

	transport := &captureTransport{}
	sender := alerting.NewSender(map[storage.Channel]alerting.Transport{storage.ChannelTelegram: transport}, alerting.SenderOptions{}, logger)

	return harness{
		deps: Deps{
			Server: idleServer{},
			Runner: dispatch.NewRunner(pipeline, dispatch.RunnerOptions{MaxConcurrent: 2, MaxPending: 16, Timeout: time.Second}, logger),
			Pool:   queue.NewPool(q, sender.HandleJob, queue.PoolOptions{Workers: 1}, logger),
			Queue:  q,
			Oracle: oracle,
		},
		transport: transport,
		queue:     q,
	}
}

func whaleEvent(txid string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"apply": []any{map[string]any{
			"block_identifier": map[string]any{"index": 1},
			"transactions": []any{map[string]any{
				"transaction_identifier": map[string]any{"hash": txid},
				"operations": []any{map[string]any{
					"type":   "transfer",
					"amount": map[string]any{"value": 250_000_000},
				}},
			}},
		}},
	})
	return raw
}

func TestServiceDeliversSubmittedEvent(t *testing.T) {
	h := newHarness(t)
	svc := New(h.deps, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.NoError(t, h.deps.Runner.Submit(whaleEvent("tx-1")))
	require.Eventually(t, func() bool { return h.transport.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	h.transport.mu.Lock()
	defer h.transport.mu.Unlock()
	assert.Equal(t, "tx-1", h.transport.notes[0].TxID)
	assert.True(t, h.transport.notes[0].AmountUSD.Equal(decimal.NewFromInt(150000)))
}

func TestServiceRecoversInFlightJobs(t *testing.T) {
	h := newHarness(t)

	job, err := queue.NewJob(alerting.Delivery{
		Channels:     []storage.Channel{storage.ChannelTelegram},
		Recipients:   map[storage.Channel]string{storage.ChannelTelegram: "42"},
		Notification: alerting.Notification{RuleID: "r1", TxID: "orphan"},
	})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), job, queue.DefaultRetryPolicy))
	inFlight, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, inFlight)

	svc := New(h.deps, time.Second, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return h.transport.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestServiceRequiresDependencies(t *testing.T) {
	svc := New(Deps{}, 0, zerolog.Nop())
	assert.Error(t, svc.Run(context.Background()))
}

func TestSampleQueueAndWarmPrice(t *testing.T) {
	h := newHarness(t)
	sink := &depthSink{}
	h.deps.Depth = sink
	h.deps.Sampler = scheduler.New(scheduler.Options{Interval: time.Minute}, zerolog.Nop())
	svc := New(h.deps, time.Second, zerolog.Nop())

	job, err := queue.NewJob("x")
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(context.Background(), job, queue.DefaultRetryPolicy))

	require.NoError(t, svc.SampleQueue(context.Background(), time.Now()))
	require.Len(t, sink.stats, 1)
	assert.Equal(t, int64(1), sink.stats[0].Ready)

	require.NoError(t, svc.WarmPrice(context.Background(), time.Now()))
	q, ok := h.deps.Oracle.Snapshot()
	require.True(t, ok)
	assert.True(t, q.Value.Equal(decimal.NewFromInt(60000)))
}
