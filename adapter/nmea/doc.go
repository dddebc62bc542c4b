// Package nmea decodes plain NMEA-0183 streams ($GPRMC and $GPGGA) sent by
// phones and simple trackers. A device logs in with the proprietary
// $GPRID,<id>,<name>*cs sentence.
package nmea
