// Package gtcfree implements the HTTP protocol of the GpsTracker/OpenGTS
// Android clients.
//
// Phones report with GET <path>?id=<imei>&gprmc=<sentence>. The reply is a
// single word (OK, NOT_AUTH, ERR-GPRMC). The same service answers the
// OpenGTS events/dev.json queries the client map view uses: the live devices
// with their last position, or the stored track of one device.
package gtcfree
