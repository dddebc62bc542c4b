// Package metric owns the daemon's Prometheus registry and its HTTP surface.
//
// MetricsRegistry holds the daemon-wide Metrics (sessions, records, admission
// outcomes, backend latency, command queue outcomes) and lets components register
// their own collectors under a service name. Duplicate registrations are reported as
// invalid errors rather than panics.
//
// Server exposes /metrics and /health on one listener; the HTTP API and the event
// websocket are mounted on it with Handle before Start:
//
//	reg := metric.NewMetricsRegistry()
//	srv := metric.NewServer(":9090", "/metrics", reg, metric.WithHealthHandler(h))
//	srv.Handle("/api/", api)
//	go srv.Start(ctx)
package metric
