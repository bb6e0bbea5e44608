// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whalewatch/internal/dispatch"
	"whalewatch/internal/queue"
)

// Metrics holds all Prometheus metrics for the application. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Webhook metrics
	WebhookRequests *prometheus.CounterVec

	// Pipeline metrics
	EventsProcessed    prometheus.Counter
	MovementsExtracted prometheus.Counter
	RulesMatched       prometheus.Counter
	HistoryRecorded    prometheus.Counter
	HistoryDuplicates  prometheus.Counter
	JobsEnqueued       prometheus.Counter
	PipelineFailures   prometheus.Counter
	EventDuration      prometheus.Histogram

	// Delivery metrics
	JobsFinished *prometheus.CounterVec
	JobDuration  prometheus.Histogram
	ChannelSends *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec

	// Pricing metrics
	PriceRefreshes *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "whalewatch"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Inbound webhook requests by result",
		}, []string{"result"}),

		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_processed_total",
			Help:      "Total number of chain events run through the pipeline",
		}),
		MovementsExtracted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "movements_extracted_total",
			Help:      "Total number of movements extracted from events",
		}),
		RulesMatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "matches_total",
			Help:      "Total number of rule matches",
		}),
		HistoryRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "history_recorded_total",
			Help:      "Total number of history records written",
		}),
		HistoryDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "history_duplicates_total",
			Help:      "Matches skipped because the rule already fired for the transaction",
		}),
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of delivery jobs enqueued",
		}),
		PipelineFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "failures_total",
			Help:      "Matches that could not be recorded or enqueued",
		}),
		EventDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "event_duration_seconds",
			Help:      "Time spent processing one event",
			Buckets:   prometheus.DefBuckets,
		}),

		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "jobs_finished_total",
			Help:      "Delivery job attempts by outcome",
		}, []string{"outcome"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "job_duration_seconds",
			Help:      "Time spent on one delivery attempt",
			Buckets:   prometheus.DefBuckets,
		}),
		ChannelSends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "channel_sends_total",
			Help:      "Channel sends by channel and result",
		}, []string{"channel", "result"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queue_depth",
			Help:      "Jobs per queue state",
		}, []string{"state"}),

		PriceRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "refreshes_total",
			Help:      "Upstream price refreshes by source and result",
		}, []string{"source", "result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WebhookRequest counts one inbound request.
func (m *Metrics) WebhookRequest(result string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(result).Inc()
}

// EventHandled records one pipeline run.
func (m *Metrics) EventHandled(s dispatch.Summary, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.EventsProcessed.Inc()
	m.MovementsExtracted.Add(float64(s.Movements))
	m.RulesMatched.Add(float64(s.Matches))
	m.HistoryRecorded.Add(float64(s.Recorded))
	m.HistoryDuplicates.Add(float64(s.Duplicates))
	m.JobsEnqueued.Add(float64(s.Enqueued))
	m.PipelineFailures.Add(float64(s.Failed))
	m.EventDuration.Observe(elapsed.Seconds())
}

// JobFinished records one delivery attempt.
func (m *Metrics) JobFinished(outcome queue.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(string(outcome)).Inc()
	m.JobDuration.Observe(elapsed.Seconds())
}

// ChannelSend records one transport call.
func (m *Metrics) ChannelSend(channel string, err error) {
	if m == nil {
		return
	}
	m.ChannelSends.WithLabelValues(channel, result(err)).Inc()
}

// PriceRefresh records one upstream quote fetch.
func (m *Metrics) PriceRefresh(source string, err error) {
	if m == nil {
		return
	}
	m.PriceRefreshes.WithLabelValues(source, result(err)).Inc()
}

// SetQueueDepth publishes queue state counts.
func (m *Metrics) SetQueueDepth(stats queue.Stats) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues("ready").Set(float64(stats.Ready))
	m.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	m.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
	m.QueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
