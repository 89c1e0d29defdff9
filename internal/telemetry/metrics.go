package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kbindex"

// Metrics holds the Prometheus collectors for kbindex. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	lockWait      *prometheus.HistogramVec
	lockOutcomes  *prometheus.CounterVec
	topicOps      *prometheus.CounterVec
	lookups       *prometheus.CounterVec
	lookupLatency *prometheus.HistogramVec
	shardCache    *prometheus.CounterVec
	shardCorrupt  prometheus.Counter
	indexUpdates  *prometheus.CounterVec
	migrations    *prometheus.CounterVec
	migrationTime prometheus.Histogram
	provenance    *prometheus.CounterVec
	registry      prometheus.Gatherer
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// uses a fresh private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a lease",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		lockOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Lease acquisitions by resource kind and outcome",
		}, []string{"kind", "outcome"}),
		topicOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topic",
			Name:      "operations_total",
			Help:      "Topic store operations by type and result",
		}, []string{"op", "result"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "lookups_total",
			Help:      "Index lookups by kind and how they were answered",
		}, []string{"kind", "path"}),
		lookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "lookup_seconds",
			Help:      "Index lookup latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		shardCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "shard_cache_total",
			Help:      "Shard cache hits and misses",
		}, []string{"result"}),
		shardCorrupt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "shard_corrupt_total",
			Help:      "Shards that failed to parse and were answered from metadata",
		}),
		indexUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "updates_total",
			Help:      "Incremental index updates by result",
		}, []string{"result"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migrate",
			Name:      "runs_total",
			Help:      "Index migrations by target layout and final state",
		}, []string{"target", "state"}),
		migrationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "migrate",
			Name:      "duration_seconds",
			Help:      "Index migration duration",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}),
		provenance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provenance",
			Name:      "records_total",
			Help:      "Provenance records written by kind",
		}, []string{"kind"}),
		registry: gatherer,
	}

	reg.MustRegister(
		m.lockWait, m.lockOutcomes, m.topicOps, m.lookups, m.lookupLatency,
		m.shardCache, m.shardCorrupt, m.indexUpdates, m.migrations,
		m.migrationTime, m.provenance,
	)
	return m
}

// Handler serves the registry the metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveLock records the outcome of a lease acquisition: "acquired",
// "timeout" or "error".
func (m *Metrics) ObserveLock(kind, outcome string, waited time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(kind).Observe(waited.Seconds())
	m.lockOutcomes.WithLabelValues(kind, outcome).Inc()
}

// TopicOp counts a topic store operation.
func (m *Metrics) TopicOp(op string, err error) {
	if m == nil {
		return
	}
	m.topicOps.WithLabelValues(op, resultLabel(err)).Inc()
}

// Lookup records an index lookup. path is "bloom_negative", "shard" or
// "fallback".
func (m *Metrics) Lookup(kind, path string, latency time.Duration) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(kind, path).Inc()
	m.lookupLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

// ShardCache records a shard cache hit or miss.
func (m *Metrics) ShardCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.shardCache.WithLabelValues("hit").Inc()
		return
	}
	m.shardCache.WithLabelValues("miss").Inc()
}

// ShardCorrupt counts a shard that failed to parse.
func (m *Metrics) ShardCorrupt() {
	if m == nil {
		return
	}
	m.shardCorrupt.Inc()
}

// IndexUpdate counts an incremental index update.
func (m *Metrics) IndexUpdate(err error) {
	if m == nil {
		return
	}
	m.indexUpdates.WithLabelValues(resultLabel(err)).Inc()
}

// Migration records a finished migration run.
func (m *Metrics) Migration(target, state string, took time.Duration) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(target, state).Inc()
	m.migrationTime.Observe(took.Seconds())
}

// Provenance counts a citation or log entry.
func (m *Metrics) Provenance(kind string) {
	if m == nil {
		return
	}
	m.provenance.WithLabelValues(kind).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
