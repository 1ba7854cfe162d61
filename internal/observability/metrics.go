package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the Prometheus collectors the core emits. NewMetrics
// registers a new bundle with the registry it is given, so tests can build
// several against separate registries; DefaultMetrics returns a lazily
// created process-wide bundle.
type Metrics struct {
	CacheHits            *prometheus.CounterVec
	CacheMisses          *prometheus.CounterVec
	EvictedEntries        *prometheus.CounterVec
	EvictedBytes          *prometheus.CounterVec
	InvalidationFailed    prometheus.Counter
	InvalidationPublished prometheus.Counter
	PrefixHealMigrations  prometheus.Counter
	SMDBOverrideRefused   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics constructs a Metrics bundle and registers it with reg. Pass
// prometheus.NewRegistry() in tests to avoid double-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by cache type.",
		}, []string{"cache_type"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by cache type.",
		}, []string{"cache_type"}),
		EvictedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "cache",
			Name:      "evicted_entries_total",
			Help:      "Entries evicted by cache type.",
		}, []string{"cache_type"}),
		EvictedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "cache",
			Name:      "evicted_bytes_total",
			Help:      "Bytes freed by eviction, by cache type.",
		}, []string{"cache_type"}),
		InvalidationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "invalidation",
			Name:      "failed_total",
			Help:      "Cross-instance invalidation publishes that exhausted retries.",
		}),
		InvalidationPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "invalidation",
			Name:      "published_total",
			Help:      "Cross-instance invalidation events published.",
		}),
		PrefixHealMigrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "redis",
			Name:      "prefix_heal_migrations_total",
			Help:      "Keys migrated during Redis prefix self-healing.",
		}),
		SMDBOverrideRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subcore",
			Subsystem: "smdb",
			Name:      "override_refused_total",
			Help:      "SMDB Save calls refused by the override rate limit.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheHits, m.CacheMisses, m.EvictedEntries, m.EvictedBytes,
			m.InvalidationFailed, m.InvalidationPublished,
			m.PrefixHealMigrations, m.SMDBOverrideRefused,
		)
	}
	return m
}

// DefaultMetrics returns a process-wide Metrics bundle registered against
// the default Prometheus registry, created lazily on first use.
func DefaultMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}
