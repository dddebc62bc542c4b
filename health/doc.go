// Package health aggregates the health of the daemon's services.
//
// Each controller engine implements Checker and is registered with
// Monitor.Watch; other parts (the NATS connection, the backend) push their
// state with Update. Monitor.Handler is mounted on /health of the metrics
// server and answers 503 while any service is unhealthy.
//
// Error messages are passed through FromError, which masks URLs, paths,
// addresses and credentials before they are exposed over HTTP.
package health
