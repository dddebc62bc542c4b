// Package websocket streams daemon events to browser and tool clients.
//
// A Stream is an http.Handler mounted on the metrics server. Each client gets
// its own bus subscription, narrowed by the query string:
//
//	ws://host:9090/ws?kinds=accept,notice&device=359710041234567
//
// Every event is sent as a JSON Envelope of type "event". Clients may send
// "command" envelopes back, which are pushed to the command queue and answered
// with a "queued" envelope carrying the request id:
//
//	{"type":"command","id":"c1","payload":{"device":"0","command":"REBOOT"}}
//
// A slow client loses events instead of slowing the bus. Run pings the
// clients and closes them when its context ends.
package websocket
