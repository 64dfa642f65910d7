// Package metrics exposes the daemon's prometheus instrumentation on a
// private registry, served at GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the full instrument set. A nil *Metrics is safe to use; all
// methods become no-ops, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	postings        *prometheus.CounterVec
	replays         prometheus.Counter
	postingSeconds  prometheus.Histogram
	reconFindings   *prometheus.CounterVec
	consumerDedup   prometheus.Counter
	archiveAppends  prometheus.Counter
	repairsExecuted prometheus.Counter
}

// New builds the instrument set on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		postings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_postings_total",
			Help: "Posting attempts by transaction type and outcome.",
		}, []string{"txn_type", "outcome"}),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_idempotent_replays_total",
			Help: "Postings answered from a stored receipt.",
		}),
		postingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledgerd_posting_seconds",
			Help:    "Wall time of PostTransaction, lock wait included.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		reconFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerd_recon_findings_total",
			Help: "Reconciliation and integrity findings by severity.",
		}, []string{"severity"}),
		consumerDedup: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_consumer_dedup_total",
			Help: "Queue messages dropped as already processed.",
		}),
		archiveAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_archive_appends_total",
			Help: "Events copied into the cold archive.",
		}),
		repairsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerd_repairs_total",
			Help: "Repair operations that modified an idempotency record.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.postings, m.replays, m.postingSeconds, m.reconFindings,
		m.consumerDedup, m.archiveAppends, m.repairsExecuted,
	)
	return m
}

// Handler serves the registry in prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePosting records one posting attempt.
func (m *Metrics) ObservePosting(txnType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(txnType, outcome).Inc()
	m.postingSeconds.Observe(seconds)
}

// ObserveReplay records a replay served from the stored receipt.
func (m *Metrics) ObserveReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// ObserveFinding records a reconciliation or integrity finding.
func (m *Metrics) ObserveFinding(severity string) {
	if m == nil {
		return
	}
	m.reconFindings.WithLabelValues(severity).Inc()
}

// ObserveConsumerDedup records a deduplicated queue message.
func (m *Metrics) ObserveConsumerDedup() {
	if m == nil {
		return
	}
	m.consumerDedup.Inc()
}

// ObserveArchiveAppend records one event archived.
func (m *Metrics) ObserveArchiveAppend() {
	if m == nil {
		return
	}
	m.archiveAppends.Inc()
}

// ObserveRepair records one executed repair.
func (m *Metrics) ObserveRepair() {
	if m == nil {
		return
	}
	m.repairsExecuted.Inc()
}
