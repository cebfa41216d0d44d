// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the board server.
//
// A nil *Metrics is valid; every observation method is then a no-op so that
// components can be constructed in tests without a registry.
type Metrics struct {
	// Sync protocol
	SyncRequests *prometheus.CounterVec
	SyncDuration *prometheus.HistogramVec

	// Store
	StoreWrites       *prometheus.CounterVec
	StoreReadFailures prometheus.Counter
	StoreTaskCount    prometheus.Gauge

	// Live push
	WebsocketClients  prometheus.Gauge
	BroadcastsDropped prometheus.Counter
	WatcherEvents     *prometheus.CounterVec

	// Gateway
	GatewayInvocations *prometheus.CounterVec
	GatewayConnected   prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		SyncRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyboard_sync_requests_total",
				Help: "Task sync requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyboard_sync_duration_seconds",
				Help:    "Task sync request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		StoreWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyboard_store_writes_total",
				Help: "tasks.json writes by result",
			},
			[]string{"result"},
		),
		StoreReadFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "polyboard_store_read_failures_total",
				Help: "tasks.json reads that fell back to an empty board",
			},
		),
		StoreTaskCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyboard_store_tasks",
				Help: "Number of tasks in the last written or read board",
			},
		),
		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyboard_websocket_clients",
				Help: "Connected live-update websocket clients",
			},
		),
		BroadcastsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "polyboard_broadcasts_dropped_total",
				Help: "Live-update messages dropped because the broadcast queue was full",
			},
		),
		WatcherEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyboard_watcher_events_total",
				Help: "Task change events detected on disk by type",
			},
			[]string{"type"},
		),
		GatewayInvocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyboard_gateway_invocations_total",
				Help: "Tool invocations relayed to the gateway by tool and result",
			},
			[]string{"tool", "result"},
		),
		GatewayConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyboard_gateway_connected",
				Help: "1 while the gateway websocket link is up",
			},
		),
	}
}

// ObserveSync records one sync request.
func (m *Metrics) ObserveSync(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncRequests.WithLabelValues(method, outcome).Inc()
	m.SyncDuration.WithLabelValues(method).Observe(seconds)
}

// ObserveWrite records a store write and the resulting board size.
func (m *Metrics) ObserveWrite(err error, tasks int) {
	if m == nil {
		return
	}
	if err != nil {
		m.StoreWrites.WithLabelValues("error").Inc()
		return
	}
	m.StoreWrites.WithLabelValues("ok").Inc()
	m.StoreTaskCount.Set(float64(tasks))
}

// ObserveReadFailure records a read that degraded to an empty board.
func (m *Metrics) ObserveReadFailure() {
	if m == nil {
		return
	}
	m.StoreReadFailures.Inc()
}

// ClientConnected adjusts the websocket client gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WebsocketClients.Add(float64(delta))
}

// BroadcastDropped counts a live-update message that could not be queued.
func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.BroadcastsDropped.Inc()
}

// ObserveWatcherEvent counts a change detected by the file watcher.
func (m *Metrics) ObserveWatcherEvent(eventType string) {
	if m == nil {
		return
	}
	m.WatcherEvents.WithLabelValues(eventType).Inc()
}

// ObserveInvocation counts a relayed tool invocation.
func (m *Metrics) ObserveInvocation(tool, result string) {
	if m == nil {
		return
	}
	m.GatewayInvocations.WithLabelValues(tool, result).Inc()
}

// SetGatewayConnected mirrors the gateway link state.
func (m *Metrics) SetGatewayConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.GatewayConnected.Set(1)
		return
	}
	m.GatewayConnected.Set(0)
}
