// Package metrics exposes Prometheus instrumentation for the event pipeline:
// notifications in, events out, SSE client population and reconnect activity.
// All methods are safe to call on a nil Collector, so wiring metrics into a
// component is optional.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for pgbridge.
type Collector struct {
	registry *prometheus.Registry

	notificationsReceived *prometheus.CounterVec
	eventsDispatched      prometheus.Counter
	unroutable            prometheus.Counter
	sseClients            prometheus.Gauge
	sseSendFailures       prometheus.Counter
	sessionRespawns       *prometheus.CounterVec
	openSessions          prometheus.Gauge
}

// New creates a Collector with its own registry, including the standard Go
// and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		notificationsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgbridge_notifications_received_total",
				Help: "Postgres notifications received, per listener session",
			},
			[]string{"session"},
		),
		eventsDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgbridge_events_dispatched_total",
				Help: "Events published to the fan-out bus",
			},
		),
		unroutable: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgbridge_notifications_unroutable_total",
				Help: "Notifications discarded because no channel was interested",
			},
		),
		sseClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgbridge_sse_clients",
				Help: "Currently registered SSE clients across all broadcaster shards",
			},
		),
		sseSendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pgbridge_sse_send_failures_total",
				Help: "SSE frame sends that failed and caused the client to be reaped",
			},
		),
		sessionRespawns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgbridge_session_respawns_total",
				Help: "Listener session respawn attempts by result",
			},
			[]string{"result"},
		),
		openSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pgbridge_pool_open_sessions",
				Help: "Listener sessions currently open in the pool",
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.notificationsReceived,
		c.eventsDispatched,
		c.unroutable,
		c.sseClients,
		c.sseSendFailures,
		c.sessionRespawns,
		c.openSessions,
	)
	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// NotificationReceived records one notification from the given session pid.
func (c *Collector) NotificationReceived(sessionPID uint32) {
	if c == nil {
		return
	}
	c.notificationsReceived.WithLabelValues(strconv.FormatUint(uint64(sessionPID), 10)).Inc()
}

// EventDispatched records one event published to the bus.
func (c *Collector) EventDispatched() {
	if c == nil {
		return
	}
	c.eventsDispatched.Inc()
}

// Unroutable records a notification with an empty match set.
func (c *Collector) Unroutable() {
	if c == nil {
		return
	}
	c.unroutable.Inc()
}

// ClientAdded records a new SSE client registration.
func (c *Collector) ClientAdded() {
	if c == nil {
		return
	}
	c.sseClients.Inc()
}

// ClientRemoved records an SSE client being reaped.
func (c *Collector) ClientRemoved() {
	if c == nil {
		return
	}
	c.sseClients.Dec()
}

// SendFailed records a failed SSE frame send.
func (c *Collector) SendFailed() {
	if c == nil {
		return
	}
	c.sseSendFailures.Inc()
}

// RespawnAttempted records a session respawn attempt.
func (c *Collector) RespawnAttempted(ok bool) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.sessionRespawns.WithLabelValues(result).Inc()
}

// SetOpenSessions sets the count of open listener sessions.
func (c *Collector) SetOpenSessions(n int) {
	if c == nil {
		return
	}
	c.openSessions.Set(float64(n))
}
