package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gpsd"

// Metrics contains the daemon-wide metrics shared by every service.
type Metrics struct {
	// Services
	ServiceStatus     *prometheus.GaugeVec
	ActiveSessions    *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	RecordsParsed     *prometheus.CounterVec
	ParseDrops        *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	HealthCheckStatus *prometheus.GaugeVec

	// Positions
	PositionsAccepted *prometheus.CounterVec
	PositionsRejected *prometheus.CounterVec

	// Backend
	BackendRequests *prometheus.CounterVec
	BackendDuration *prometheus.HistogramVec

	// Commands
	CommandsTotal *prometheus.CounterVec
	QueueDepth    prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	// NATS
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the daemon metric set. Nothing is registered yet.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "status",
			Help: "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service"}),

		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "service", Name: "active_sessions",
			Help: "Live device sessions per service",
		}, []string{"service"}),

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "service", Name: "connections_total",
			Help: "Accepted or dialed connections",
		}, []string{"service"}),

		BytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "service", Name: "received_bytes_total",
			Help: "Bytes received from devices",
		}, []string{"service"}),

		RecordsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "records", Name: "parsed_total",
			Help: "Normalized records produced by adapters",
		}, []string{"service", "cmd"}),

		ParseDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "records", Name: "dropped_total",
			Help: "Inbound frames the adapter could not parse",
		}, []string{"service"}),

		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "service", Name: "reconnects_total",
			Help: "Outbound client reconnect attempts",
		}, []string{"service"}),

		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "health", Name: "status",
			Help: "Health check status (0=unhealthy, 1=healthy)",
		}, []string{"service"}),

		PositionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "positions", Name: "accepted_total",
			Help: "Positions accepted by the admission filter",
		}, []string{"service"}),

		PositionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "positions", Name: "rejected_total",
			Help: "Positions rejected by the admission filter",
		}, []string{"service"}),

		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "backend", Name: "requests_total",
			Help: "Backend calls by action and outcome",
		}, []string{"backend", "action", "status"}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "backend", Name: "duration_seconds",
			Help:    "Backend call latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend", "action"}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "commands_total",
			Help: "Command queue outcomes",
		}, []string{"status"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Jobs waiting in the command queue",
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "errors", Name: "total",
			Help: "Errors by service and class",
		}, []string{"service", "type"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "nats", Name: "reconnects_total",
			Help: "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus, m.ActiveSessions, m.ConnectionsTotal, m.BytesReceived,
		m.RecordsParsed, m.ParseDrops, m.Reconnects, m.HealthCheckStatus,
		m.PositionsAccepted, m.PositionsRejected,
		m.BackendRequests, m.BackendDuration,
		m.CommandsTotal, m.QueueDepth, m.ErrorsTotal,
		m.NATSConnected, m.NATSReconnects,
	}
}

// RecordServiceStatus updates service status metric
func (m *Metrics) RecordServiceStatus(service string, status int) {
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordBackendCall counts one backend call and observes its latency.
func (m *Metrics) RecordBackendCall(backend, action string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BackendRequests.WithLabelValues(backend, action, status).Inc()
	m.BackendDuration.WithLabelValues(backend, action).Observe(duration.Seconds())
}

// RecordCommand counts one command queue outcome.
func (m *Metrics) RecordCommand(status string) {
	m.CommandsTotal.WithLabelValues(status).Inc()
}

// RecordError increments error counter
func (m *Metrics) RecordError(service, errorType string) {
	m.ErrorsTotal.WithLabelValues(service, errorType).Inc()
}

// RecordHealthStatus updates health check status
func (m *Metrics) RecordHealthStatus(service string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(service).Set(value)
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}
