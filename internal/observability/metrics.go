// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for the license server.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "licenseserver"

// MonitorStats exposes the live size of the hit table and ban list. It is
// sampled on every scrape.
type MonitorStats interface {
	TrackedClients() int
	BannedClients() int
}

// Metrics holds both Prometheus collectors and atomic counters for
// fast-path access in the request gate.
type Metrics struct {
	reg prometheus.Registerer

	// Atomic counters for the hot path (no mutex, no allocation).
	hits             int64
	rejected         int64
	bans             int64
	releases         int64
	invalidAddresses int64
	tickPanics       int64
	storeErrors      int64
	eventsDropped    int64
	eventsFailed     int64

	promHits             prometheus.Counter
	promRejected         prometheus.Counter
	promBans             prometheus.Counter
	promReleases         prometheus.Counter
	promInvalidAddresses prometheus.Counter
	promTickPanics       *prometheus.CounterVec
	promStoreErrors      *prometheus.CounterVec
	promEventsDropped    prometheus.Counter
	promEventsFailed     prometheus.Counter

	// PromRequestDuration covers every request seen by the gate, monitored or not.
	PromRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		promHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ddos_hits_total",
			Help:      "Total number of hits recorded against monitored calls.",
		}),
		promRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ddos_rejected_total",
			Help:      "Total number of requests rejected because the client is banned.",
		}),
		promBans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ddos_bans_total",
			Help:      "Total number of clients added to the ban list.",
		}),
		promReleases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ddos_releases_total",
			Help:      "Total number of clients released from the ban list.",
		}),
		promInvalidAddresses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ddos_invalid_client_address_total",
			Help:      "Total number of requests rejected for an unparseable client address.",
		}),
		promTickPanics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ddos_tick_panics_total",
			Help:      "Total number of recovered panics in background ticks.",
		}, []string{"ticker"}),
		promStoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of repository backend errors.",
		}, []string{"kind"}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of ban events dropped because the buffer was full.",
		}),
		promEventsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_send_failures_total",
			Help:      "Total number of event batches the receiver did not accept.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
	}
}

// RegisterMonitorGauges publishes tracked and banned client gauges that
// read from src at scrape time.
func (m *Metrics) RegisterMonitorGauges(src MonitorStats) {
	factory := promauto.With(m.reg)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ddos_tracked_clients",
		Help:      "Number of clients currently holding a hit count.",
	}, func() float64 { return float64(src.TrackedClients()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ddos_banned_clients",
		Help:      "Number of clients currently on the ban list.",
	}, func() float64 { return float64(src.BannedClients()) })
}

// IncHits increments the recorded hits counter.
func (m *Metrics) IncHits() {
	atomic.AddInt64(&m.hits, 1)
	m.promHits.Inc()
}

// IncRejected increments the rejected requests counter.
func (m *Metrics) IncRejected() {
	atomic.AddInt64(&m.rejected, 1)
	m.promRejected.Inc()
}

// IncBans increments the ban counter.
func (m *Metrics) IncBans() {
	atomic.AddInt64(&m.bans, 1)
	m.promBans.Inc()
}

// IncReleases increments the release counter.
func (m *Metrics) IncReleases() {
	atomic.AddInt64(&m.releases, 1)
	m.promReleases.Inc()
}

// IncInvalidAddresses increments the invalid client address counter.
func (m *Metrics) IncInvalidAddresses() {
	atomic.AddInt64(&m.invalidAddresses, 1)
	m.promInvalidAddresses.Inc()
}

// IncTickPanics increments the recovered panic counter for the named ticker.
func (m *Metrics) IncTickPanics(ticker string) {
	atomic.AddInt64(&m.tickPanics, 1)
	m.promTickPanics.WithLabelValues(ticker).Inc()
}

// IncStoreErrors increments the repository error counter for an entity kind.
func (m *Metrics) IncStoreErrors(kind string) {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.WithLabelValues(kind).Inc()
}

// IncEventsDropped increments the dropped event counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// IncEventsFailed increments the failed event batch counter.
func (m *Metrics) IncEventsFailed() {
	atomic.AddInt64(&m.eventsFailed, 1)
	m.promEventsFailed.Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Hits             int64
	Rejected         int64
	Bans             int64
	Releases         int64
	InvalidAddresses int64
	TickPanics       int64
	StoreErrors      int64
	EventsDropped    int64
	EventsFailed     int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Hits:             atomic.LoadInt64(&m.hits),
		Rejected:         atomic.LoadInt64(&m.rejected),
		Bans:             atomic.LoadInt64(&m.bans),
		Releases:         atomic.LoadInt64(&m.releases),
		InvalidAddresses: atomic.LoadInt64(&m.invalidAddresses),
		TickPanics:       atomic.LoadInt64(&m.tickPanics),
		StoreErrors:      atomic.LoadInt64(&m.storeErrors),
		EventsDropped:    atomic.LoadInt64(&m.eventsDropped),
		EventsFailed:     atomic.LoadInt64(&m.eventsFailed),
	}
}
