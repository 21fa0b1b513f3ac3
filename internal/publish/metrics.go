package publish

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// cardLimit bounds how many distinct label-value combinations a vector
// accumulates before new combinations collapse onto a shared "__overflow__"
// label value, mirroring the cardinality guard the ariadne Prometheus
// provider applies — an operator feeding the governor thousands of
// distinct session ids must never be able to make /metrics itself a
// memory or scrape-latency problem.
const cardLimit = 200

// Metrics is the governor's Prometheus registry, wired directly to
// client_golang rather than anything that buffers or batches: every gauge
// set here is read fresh on each scrape.
type Metrics struct {
	registry *prometheus.Registry
	log      *logrus.Logger

	ActiveSessions        prometheus.Gauge
	SessionUtilization    *boundedGaugeVec
	ContextTokensTotal    *boundedGaugeVec
	ContextVelocity       *boundedGaugeVec
	OperationsTotal       *boundedCounterVec
	Checkpoints           prometheus.Counter
	CompactionsDetected   prometheus.Counter
	CompactionSavesTotal  prometheus.Counter
	IngestAccepted        prometheus.Counter
	IngestDropped         prometheus.Counter
	ProcessCPUPercent     prometheus.Gauge
	ProcessRSSBytes       prometheus.Gauge
}

// boundedGaugeVec wraps a GaugeVec with the cardinality cap.
type boundedGaugeVec struct {
	mu   sync.Mutex
	vec  *prometheus.GaugeVec
	seen map[string]struct{}
	log  *logrus.Logger
}

func newBoundedGaugeVec(vec *prometheus.GaugeVec, log *logrus.Logger) *boundedGaugeVec {
	return &boundedGaugeVec{vec: vec, seen: make(map[string]struct{}), log: log}
}

func (b *boundedGaugeVec) Set(label string, value float64) {
	b.mu.Lock()
	if _, ok := b.seen[label]; !ok {
		if len(b.seen) >= cardLimit {
			b.mu.Unlock()
			b.vec.WithLabelValues("__overflow__").Set(value)
			return
		}
		b.seen[label] = struct{}{}
	}
	b.mu.Unlock()
	b.vec.WithLabelValues(label).Set(value)
}

// boundedCounterVec wraps a CounterVec with the same cardinality cap.
type boundedCounterVec struct {
	mu   sync.Mutex
	vec  *prometheus.CounterVec
	seen map[string]float64 // last cumulative total reported per label
	log  *logrus.Logger
}

func newBoundedCounterVec(vec *prometheus.CounterVec, log *logrus.Logger) *boundedCounterVec {
	return &boundedCounterVec{vec: vec, seen: make(map[string]float64), log: log}
}

// Set records the latest cumulative value for label, since the governor
// tracks each session's Operations as a running total rather than a delta.
// CounterVec has no Set, so the counter is advanced by the difference from
// the total last reported for label; a total at or below that is ignored.
// Labels past the cardinality cap add their whole total to the shared
// "__overflow__" series on every call.
func (b *boundedCounterVec) Set(label string, total float64) {
	b.mu.Lock()
	last, ok := b.seen[label]
	if !ok && len(b.seen) >= cardLimit {
		b.mu.Unlock()
		b.vec.WithLabelValues("__overflow__").Add(total)
		return
	}
	if ok && total <= last {
		b.mu.Unlock()
		return
	}
	b.seen[label] = total
	b.mu.Unlock()
	b.vec.WithLabelValues(label).Add(total - last)
}

// NewMetrics builds and registers every governor metric on a fresh
// registry (not the global default, so tests and multiple instances never
// collide on registration).
func NewMetrics(log *logrus.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	sessionUtil := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "governor_session_utilization",
		Help: "Context window utilization (0-1) per session.",
	}, []string{"session"})
	contextTokens := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "governor_context_tokens_total",
		Help: "Latest known cumulative context token count per session.",
	}, []string{"session"})
	contextVelocity := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "governor_context_velocity_tokens_per_sec",
		Help: "EWMA token velocity (tokens/sec) per session.",
	}, []string{"session"})
	operationsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "governor_operations_total",
		Help: "Total claude.operations.count reported per session.",
	}, []string{"session"})

	m := &Metrics{
		registry: reg,
		log:      log,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_active_sessions",
			Help: "Number of sessions currently tracked and not closed.",
		}),
		SessionUtilization: newBoundedGaugeVec(sessionUtil, log),
		ContextTokensTotal:  newBoundedGaugeVec(contextTokens, log),
		ContextVelocity:     newBoundedGaugeVec(contextVelocity, log),
		OperationsTotal:     newBoundedCounterVec(operationsTotal, log),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_checkpoints_total",
			Help: "Total successful checkpoints across all sessions.",
		}),
		CompactionsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_compactions_detected_total",
			Help: "Total unannounced compaction events detected across all sessions.",
		}),
		CompactionSavesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_compaction_saves_total",
			Help: "Total emergency save-and-clear cycles the orchestrator completed successfully.",
		}),
		IngestAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_ingest_points_accepted_total",
			Help: "Total OTLP data points accepted by the receiver.",
		}),
		IngestDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "governor_ingest_points_dropped_total",
			Help: "Total OTLP data points dropped due to backpressure.",
		}),
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_process_cpu_percent",
			Help: "The governor's own process CPU utilization percentage.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "governor_process_rss_bytes",
			Help: "The governor's own process resident set size in bytes.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions, sessionUtil, contextTokens, contextVelocity, operationsTotal,
		m.Checkpoints, m.CompactionsDetected, m.CompactionSavesTotal,
		m.IngestAccepted, m.IngestDropped,
		m.ProcessCPUPercent, m.ProcessRSSBytes,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
