package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the audit service. Every method is
// safe on a nil receiver so components can run without instrumentation.
type Metrics struct {
	EventsSubmitted   *prometheus.CounterVec
	SubmitRejected    *prometheus.CounterVec
	AppendDuration    prometheus.Histogram
	AppendConflicts   prometheus.Counter
	ChainContention   prometheus.Counter
	DownstreamDegrade *prometheus.CounterVec

	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions prometheus.Counter

	Dispatched          *prometheus.CounterVec
	DispatchFailures    *prometheus.CounterVec
	DeadLettered        prometheus.Counter
	DispatchQueueDepth  prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
	SubscriberDrops     prometheus.Counter

	EventsExpired    prometheus.Counter
	EventsAnonymized prometheus.Counter
	EventsPurged     prometheus.Counter
	EventsArchived   prometheus.Counter
	ChainVerified    *prometheus.CounterVec
}

// New creates and registers all metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the metrics with reg; tests pass a fresh
// prometheus.NewRegistry().
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_submitted_total",
			Help: "Events committed to the chain, by event type",
		}, []string{"event_type"}),
		SubmitRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_submit_rejected_total",
			Help: "Submissions that did not commit, by error code",
		}, []string{"code"}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_append_duration_seconds",
			Help:    "Time spent in the chain critical section",
			Buckets: prometheus.DefBuckets,
		}),
		AppendConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_append_conflicts_total",
			Help: "Conditional appends that lost the race for the chain tail",
		}),
		ChainContention: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_chain_contention_total",
			Help: "Submissions abandoned after exhausting append retries",
		}),
		DownstreamDegrade: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_downstream_degraded_total",
			Help: "Best-effort side effects that failed, by component",
		}, []string{"component"}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_cache_hits_total",
			Help: "Cache hits, by entry kind",
		}, []string{"kind"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_cache_misses_total",
			Help: "Cache misses, by entry kind",
		}, []string{"kind"}),
		CacheEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_cache_evictions_total",
			Help: "Cache keys removed by invalidation",
		}),
		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_dispatched_total",
			Help: "Events delivered to a downstream sink, by sink",
		}, []string{"sink"}),
		DispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_dispatch_failures_total",
			Help: "Failed delivery attempts, by sink",
		}, []string{"sink"}),
		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_dead_lettered_total",
			Help: "Events written to the dead letter sink",
		}),
		DispatchQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "audit_dispatch_queue_depth",
			Help: "Events waiting for dispatch",
		}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_circuit_breaker_state",
			Help: "Circuit breaker state per sink (0=closed, 1=open)",
		}, []string{"sink"}),
		SubscriberDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_subscriber_drops_total",
			Help: "Events dropped because a subscriber buffer was full",
		}),
		EventsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_expired_total",
			Help: "Events flipped to EXPIRED by the retention sweep",
		}),
		EventsAnonymized: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_anonymized_total",
			Help: "Events scrubbed by anonymization requests",
		}),
		EventsPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_purged_total",
			Help: "Expired events physically deleted",
		}),
		EventsArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_archived_total",
			Help: "Events exported to the archive",
		}),
		ChainVerified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_chain_verifications_total",
			Help: "Chain verifications, by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) IncSubmitted(eventType string) {
	if m == nil {
		return
	}
	m.EventsSubmitted.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncRejected(code string) {
	if m == nil {
		return
	}
	m.SubmitRejected.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveAppendDuration(seconds float64) {
	if m == nil {
		return
	}
	m.AppendDuration.Observe(seconds)
}

func (m *Metrics) IncAppendConflict() {
	if m == nil {
		return
	}
	m.AppendConflicts.Inc()
}

func (m *Metrics) IncChainContention() {
	if m == nil {
		return
	}
	m.ChainContention.Inc()
}

// IncDegraded records a failed best-effort side effect.
func (m *Metrics) IncDegraded(component string) {
	if m == nil {
		return
	}
	m.DownstreamDegrade.WithLabelValues(component).Inc()
}

func (m *Metrics) IncCacheHit(kind string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCacheMiss(kind string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(kind).Inc()
}

func (m *Metrics) AddCacheEvictions(n int) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

func (m *Metrics) IncDispatched(sink string) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncDispatchFailure(sink string) {
	if m == nil {
		return
	}
	m.DispatchFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncDeadLettered() {
	if m == nil {
		return
	}
	m.DeadLettered.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(n))
}

// SetCircuitBreakerState sets the circuit breaker state gauge for sink.
func (m *Metrics) SetCircuitBreakerState(sink string, open bool) {
	if m == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(sink).Set(v)
}

func (m *Metrics) IncSubscriberDrop() {
	if m == nil {
		return
	}
	m.SubscriberDrops.Inc()
}

func (m *Metrics) AddExpired(n int) {
	if m == nil {
		return
	}
	m.EventsExpired.Add(float64(n))
}

func (m *Metrics) AddAnonymized(n int) {
	if m == nil {
		return
	}
	m.EventsAnonymized.Add(float64(n))
}

func (m *Metrics) AddPurged(n int) {
	if m == nil {
		return
	}
	m.EventsPurged.Add(float64(n))
}

func (m *Metrics) AddArchived(n int) {
	if m == nil {
		return
	}
	m.EventsArchived.Add(float64(n))
}

func (m *Metrics) IncVerification(valid bool) {
	if m == nil {
		return
	}
	outcome := "valid"
	if !valid {
		outcome = "broken"
	}
	m.ChainVerified.WithLabelValues(outcome).Inc()
}
