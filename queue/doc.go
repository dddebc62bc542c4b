// Package queue is the daemon command queue.
//
// Operator commands are pushed with Push and dispatched one at a time, so two
// commands never race on the same device transport. Dispatching a job looks
// the device up in the registry and calls Session.RequestAction:
//
//   - 0: ACCEPT, then the queue pauses for the pacing delay (3s)
//   - -1: REFUSED
//   - anything else: UNKNOWN
//
// When the device is not logged in the job reports NOTLOG and, if its timeout
// has not elapsed, RETRY after the retry delay (30s); otherwise TIMEOUT. A job
// pushed with a zero timeout is never retried.
//
// Device id "0" broadcasts: when the job reaches the head of the queue it is
// replaced by one job per session registered at that moment, each carrying the
// broadcast request id as ParentID.
//
// Every outcome is published as an event of kind queue.
package queue
