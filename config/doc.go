// Package config loads the daemon configuration.
//
// A configuration is built from the defaults, then each file layer in
// order, then GPSD_* environment variables. Files are JSON or YAML, chosen by
// extension, and durations are written as strings such as "60s" or "2d":
//
//	name: harbour
//	backend:
//	  type: sqlite
//	  sqlite:
//	    path: /var/lib/gpsd/tracking.db
//	services:
//	  tk102:
//	    adapter: gps103
//	    mode: persistent-server
//	    address: ":5001"
//	    max_silence: 10m
//	  aishub:
//	    adapter: aisfeed
//	    mode: outbound-client
//	    address: data.aishub.net:4001
//	    device_id: aishub
//
// Each service entry converts to a controller.Config with Controller. The
// backend block named after backend.type is handed to the backend factory
// untouched. Validate reports every problem as a fatal error.
package config
