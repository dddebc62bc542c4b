// Package aisfeed follows an AIS relay (AISHub, gpsd) and tracks every
// vessel it reports as a child session of the feed.
package aisfeed
