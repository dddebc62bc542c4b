// Package gpsdtracking is a multi-protocol GPS and AIS tracking daemon.
//
// Trackers, NMEA sources and AIS feeds connect over TCP. Each service pairs a
// protocol adapter with a controller mode; the controller owns the sockets and
// hands every decoded record to the device session, which keeps the state
// machine, the recent track and the alarms. Accepted positions go to a
// storage backend, and commands queued by operators are pushed back to the
// devices.
//
// # Architecture
//
//	             +-------------+      +-----------------+
//	 tracker --> | controller  | ---> | device.Session  | ---> backend (memory, sqlite,
//	 NMEA    --> |  + adapter  | <--- |  state, track   |      gpxfile, redis, natskv,
//	 AIS     --> +-------------+      +-----------------+      mqtt, webhook)
//	                    ^                     |
//	                    |                     v
//	                 queue  <--- API      event.Bus ---> websocket, NATS, AIS feed
//
// # Packages
//
// Domain:
//   - device: sessions, records, the registry and the backend contract
//   - controller: listening, connecting and one-shot engines
//   - adapter/...: gps103, nmea183, gtcfree, aisfeed and telnet protocols
//   - ais: AIVDM payload codec and fragment assembly
//   - queue: paced command delivery with retries and timeouts
//   - backend/...: storage implementations
//
// Infrastructure:
//   - config: JSON or YAML configuration with validation and masking
//   - errors: classified errors (transient, invalid, fatal)
//   - event: in-process publish/subscribe of accept, notice and queue events
//   - metric, health: Prometheus metrics and service health
//   - natsclient: NATS connection with reconnect and JetStream KV
//   - output/feed, output/websocket: outbound position feed and event stream
//   - daemon: wires everything and serves the HTTP API
//
// # Binaries
//
//	gpsd serve -c gpsd.yaml     run the daemon
//	gpsd devices                query a running daemon
//	gpsdsim route.gpx           replay a GPX route as a tracker or AIS transponder
package gpsdtracking
