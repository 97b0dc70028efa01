package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for dispatch and the client
// adapter. A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	callsTotal       *prometheus.CounterVec
	callDuration     *prometheus.HistogramVec
	activeStreams    prometheus.Gauge
	pendingRequests  prometheus.Gauge
	connections      prometheus.Gauge
	eventsPublished  *prometheus.CounterVec
	eventDeliveries  *prometheus.CounterVec
	batchFlushes     prometheus.Counter
	batchSize        *prometheus.HistogramVec
	reconnectsTotal  prometheus.Counter
	disconnectErrors prometheus.Counter

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "duplexflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "duplexflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "duplexflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "duplexflow",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:       registerer,
		callsTotal:       newCounterVec("channel", "calls_total", "Total number of dispatched calls, streams and subscriptions", []string{"route", "kind", "outcome"}),
		callDuration:     newHistogramVec("channel", "call_duration_seconds", "Time from dispatch to the final response", prometheus.DefBuckets, []string{"route", "kind"}),
		activeStreams:    newGauge("channel", "active_streams", "Streams currently produced for remote callers"),
		pendingRequests:  newGauge("channel", "pending_requests", "Outbound requests waiting for a response"),
		connections:      newGauge("channel", "connections", "Open connections bound to a channel"),
		eventsPublished:  newCounterVec("channel", "events_published_total", "Topic events published by subscriptions", []string{"subscription"}),
		eventDeliveries:  newCounterVec("channel", "event_sinks_total", "Sinks an event was handed to", []string{"subscription"}),
		batchFlushes:     newCounter("client", "batch_flushes_total", "Coalesced batches written by the client adapter"),
		batchSize:        newHistogramVec("client", "batch_size", "Messages per coalesced batch", []float64{1, 2, 5, 10, 50, 100, 500, 1000, 5000}, nil),
		reconnectsTotal:  newCounter("client", "reconnects_total", "Connection attempts after a drop"),
		disconnectErrors: newCounter("channel", "disconnect_hook_errors_total", "Disconnect hooks that failed or panicked"),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.activeStreams,
		m.pendingRequests,
		m.connections,
		m.eventsPublished,
		m.eventDeliveries,
		m.batchFlushes,
		m.batchSize,
		m.reconnectsTotal,
		m.disconnectErrors,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			// Check if it's already registered (not an error)
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) callFinished(route string, kind RouteKind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(route, string(kind), outcome).Inc()
	m.callDuration.WithLabelValues(route, string(kind)).Observe(duration.Seconds())
}

func (m *Metrics) pendingChanged(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.pendingRequests.Add(float64(delta))
}

func (m *Metrics) streamsChanged(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.activeStreams.Add(float64(delta))
}

func (m *Metrics) connectionsChanged(delta int) {
	if m == nil {
		return
	}
	m.connections.Add(float64(delta))
}

func (m *Metrics) eventPublished(subscription string, sinks int) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(subscription).Inc()
	m.eventDeliveries.WithLabelValues(subscription).Add(float64(sinks))
}

func (m *Metrics) batchFlushed(size int) {
	if m == nil {
		return
	}
	m.batchFlushes.Inc()
	m.batchSize.WithLabelValues().Observe(float64(size))
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) disconnectFailed(count int) {
	if m == nil || count == 0 {
		return
	}
	m.disconnectErrors.Add(float64(count))
}

// Reset resets the labelled collectors (useful for testing).
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.callsTotal.Reset()
	m.callDuration.Reset()
	m.eventsPublished.Reset()
	m.eventDeliveries.Reset()
	m.batchSize.Reset()
}
