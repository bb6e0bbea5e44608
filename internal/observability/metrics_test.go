package observability

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whalewatch/internal/dispatch"
	"whalewatch/internal/queue"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.WebhookRequest("accepted")
	m.EventHandled(dispatch.Summary{Matches: 1}, time.Second)
	m.JobFinished(queue.OutcomeAcked, time.Second)
	m.ChannelSend("email", nil)
	m.PriceRefresh("coingecko", nil)
	m.SetQueueDepth(queue.Stats{Ready: 1})
	assert.Nil(t, m.Registry())
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics("test")

	m.EventHandled(dispatch.Summary{Movements: 3, Matches: 2, Recorded: 1, Duplicates: 1, Enqueued: 1}, 10*time.Millisecond)
	m.ChannelSend("telegram", errors.New("boom"))
	m.ChannelSend("telegram", nil)
	m.JobFinished(queue.OutcomeDead, time.Millisecond)
	m.SetQueueDepth(queue.Stats{Ready: 4, Dead: 2})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.MovementsExtracted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HistoryDuplicates))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ChannelSends.WithLabelValues("telegram", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsFinished.WithLabelValues("dead")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.QueueDepth.WithLabelValues("dead")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "test_pipeline_matches_total 2"))
}
