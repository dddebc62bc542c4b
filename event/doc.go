// Package event is the daemon's typed event bus.
//
// Three kinds of events exist:
//
//   - queue: the outcome of one command job (ACCEPT, REFUSED, NOTLOG, RETRY,
//     TIMEOUT, UNKNOWN)
//   - accept: a record a session forwarded to the backend
//   - notice: informational session events such as LOGIN_REQUEST or
//     BACKEND_ERROR
//
// Bus implements device.Observer so sessions publish directly into it.
// Subscribers get a buffered channel and may filter by kind:
//
//	sub := bus.Subscribe(32, event.KindAccept)
//	defer sub.Close()
//	for ev := range sub.C {
//	    ...
//	}
//
// Publish never blocks. Slow subscribers lose events and the loss is counted
// per subscription and on the bus.
//
// Sink relays every event to NATS on "gpsd.events.<kind>".
package event
