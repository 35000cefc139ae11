// Package metrics holds the prometheus collectors exported by the federation engine.
// All helpers are nil-safe so components can run without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks outbox, pull and signature activity
type Metrics struct {
	// Outbox
	JobsEnqueued     prometheus.Counter
	DeliveryOutcomes *prometheus.CounterVec
	DeliveryLatency  prometheus.Histogram
	StaleRequeued    prometheus.Counter

	// Pull
	PullRequests  *prometheus.CounterVec
	ItemsIngested *prometheus.CounterVec
	PullServed    *prometheus.CounterVec

	// Fan-out
	FeedEntries   prometheus.Counter
	FanoutDropped prometheus.Counter

	// Signatures
	SignatureChecks *prometheus.CounterVec

	// Scheduled tasks
	TaskRuns    *prometheus.CounterVec
	TaskSkipped *prometheus.CounterVec
}

// New creates and registers the collectors
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		JobsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "fedsync_outbox_jobs_enqueued_total",
			Help: "Outbox jobs created",
		}),
		DeliveryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedsync_outbox_delivery_attempts_total",
			Help: "Delivery attempts by outcome",
		}, []string{"outcome"}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fedsync_outbox_delivery_seconds",
			Help:    "Inbox POST latency",
			Buckets: prometheus.DefBuckets,
		}),
		StaleRequeued: f.NewCounter(prometheus.CounterOpts{
			Name: "fedsync_outbox_stale_requeued_total",
			Help: "Deliveries returned to pending after an expired claim",
		}),
		PullRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedsync_pull_requests_total",
			Help: "Outgoing pull requests by result",
		}, []string{"result"}),
		ItemsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedsync_pull_items_ingested_total",
			Help: "Remote items written to the local cache",
		}, []string{"scope"}),
		PullServed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedsync_pull_served_total",
			Help: "Incoming pull requests by result",
		}, []string{"result"}),
		FeedEntries: f.NewCounter(prometheus.CounterOpts{
			Name: "fedsync_fanout_feed_entries_total",
			Help: "Feed entries written by fan-out",
		}),
		FanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "fedsync_fanout_dropped_total",
			Help: "Fan-out batches dropped because the queue was full",
		}),
		SignatureChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedsync_signature_checks_total",
			Help: "Inbound signature verifications by result code",
		}, []string{"result"}),
		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedsync_task_runs_total",
			Help: "Scheduled task runs",
		}, []string{"task", "result"}),
		TaskSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fedsync_task_skipped_total",
			Help: "Ticks skipped because the previous run was still active",
		}, []string{"task"}),
	}
}

// Handler serves the given gatherer (nil means the default registry)
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) JobEnqueued() {
	if m == nil {
		return
	}
	m.JobsEnqueued.Inc()
}

func (m *Metrics) Delivery(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryOutcomes.WithLabelValues(outcome).Inc()
	if latency > 0 {
		m.DeliveryLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) Requeued(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleRequeued.Add(float64(n))
}

func (m *Metrics) Pull(result string) {
	if m == nil {
		return
	}
	m.PullRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Ingested(scope string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ItemsIngested.WithLabelValues(scope).Add(float64(n))
}

func (m *Metrics) Served(result string) {
	if m == nil {
		return
	}
	m.PullServed.WithLabelValues(result).Inc()
}

func (m *Metrics) FeedWritten(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FeedEntries.Add(float64(n))
}

func (m *Metrics) FanoutDrop() {
	if m == nil {
		return
	}
	m.FanoutDropped.Inc()
}

func (m *Metrics) Signature(result string) {
	if m == nil {
		return
	}
	m.SignatureChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) TaskRun(task, result string) {
	if m == nil {
		return
	}
	m.TaskRuns.WithLabelValues(task, result).Inc()
}

func (m *Metrics) TaskSkip(task string) {
	if m == nil {
		return
	}
	m.TaskSkipped.WithLabelValues(task).Inc()
}
