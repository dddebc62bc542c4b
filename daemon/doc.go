// Package daemon assembles a running tracker from a configuration file.
//
// A Daemon owns the device registry, the command queue, the event bus, the
// storage backend and one controller.Engine per enabled service. Optional
// parts are created from the configuration: the NATS connection and event
// sink, the prometheus endpoint, the TCP re-broadcast feed and the HTTP API
// with its websocket event stream.
//
// HTTP API:
//
//	GET  /api/devices                 live sessions, ?service= filters
//	GET  /api/devices/{id}            one live session
//	GET  /api/devices/{id}/track      stored positions, newest first, ?count=n
//	POST /api/devices/{id}/logout     disconnect a session
//	POST /api/commands                {"device":"0","command":"GET_POS","args":[],"timeout":60}
//	GET  /api/services                per service counters and health
//	GET  /api/config                  running configuration, secrets masked
//	GET  /health, /healthz, /readyz   probes
//
// Usage:
//
//	adapters, backends, err := componentregistry.Registries()
//	d, err := daemon.New(ctx, cfg, adapters, backends, logger)
//	err = d.Run(ctx) // blocks until ctx is done
package daemon
