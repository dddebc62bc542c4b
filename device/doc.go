// Package device holds the per-device session state machine, the admission
// filter that decides which fixes are worth storing, and the registry of live
// sessions.
//
// A Session starts unauthenticated. A LOGIN record registers it under the
// device identifier and asks the Backend to authenticate it (AUTH_IMEI); only a
// logged-in session forwards positions (UPDATE_POS). TRACKER records pass the
// admission filter first:
//
//	accept when there is no previous fix,
//	or the device moved at least Policy.MinDistance metres,
//	or Policy.MaxSilence elapsed since the last accepted fix.
//
// A fix implying a speed above Policy.MaxSpeed is still accepted but raises a
// SUSPICIOUS_SPEED notice. Alarm records bypass the filter; after more than ten
// of one kind the session asks the adapter to send STOP_ALARM.
//
// The Registry keeps at most one session per identifier. A second login with
// the same identifier evicts the stale session, and removal is compare-and-delete
// so a stale connection closing late cannot unregister its successor.
package device
