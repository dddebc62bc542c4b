// Package controller contains the per-service connection engine.
//
// An Engine is built from a Config and one protocol Adapter and runs in one
// of three modes:
//
//   - persistent-server: listens on TCP; every accepted connection gets its
//     own unauthenticated session, closed connections log their session out.
//   - request-response: serves HTTP; the adapter resolves a device id per
//     request through SessionResolver and no connection state is kept.
//   - outbound-client: dials a remote feed and reconnects after a fixed delay
//     forever. The feed session logs in as Config.DeviceID; records about
//     other devices go to child sessions created when the feed announces them.
//
// A listen failure is fatal and returned from Start. Outbound failures are
// only logged, counted and retried.
//
// Adapters are looked up by name in an AdapterRegistry populated at compile
// time by the componentregistry package.
package controller
