// Package componentregistry registers every adapter and storage backend
// compiled into the daemon.
package componentregistry

import (
	"errors"

	"github.com/mark-sch/GpsdTracking/adapter/aisfeed"
	"github.com/mark-sch/GpsdTracking/adapter/gps103"
	"github.com/mark-sch/GpsdTracking/adapter/gtcfree"
	"github.com/mark-sch/GpsdTracking/adapter/nmea"
	"github.com/mark-sch/GpsdTracking/adapter/telnet"
	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/backend/gpxfile"
	"github.com/mark-sch/GpsdTracking/backend/memory"
	"github.com/mark-sch/GpsdTracking/backend/mqtt"
	"github.com/mark-sch/GpsdTracking/backend/natskv"
	"github.com/mark-sch/GpsdTracking/backend/redis"
	"github.com/mark-sch/GpsdTracking/backend/sqlite"
	"github.com/mark-sch/GpsdTracking/backend/webhook"
	"github.com/mark-sch/GpsdTracking/controller"
	pkgerrors "github.com/mark-sch/GpsdTracking/errors"
)

// RegisterAdapters adds the device protocol adapters:
//   - gps103: GPS103/TK102 trackers over TCP
//   - nmea183: NMEA 0183 streams over TCP
//   - gtcfree: GtcFree phone apps over HTTP
//   - aisfeed: remote AIS feeds (AISHub style) dialed out
//   - telnet: the operator console
func RegisterAdapters(registry *controller.AdapterRegistry) error {
	if registry == nil {
		return pkgerrors.WrapFatal(errors.New("registry cannot be nil"),
			"ComponentRegistry", "RegisterAdapters", "registry validation")
	}

	for name, register := range map[string]func(*controller.AdapterRegistry) error{
		gps103.Name:  gps103.Register,
		nmea.Name:    nmea.Register,
		gtcfree.Name: gtcfree.Register,
		aisfeed.Name: aisfeed.Register,
		telnet.Name:  telnet.Register,
	} {
		if err := register(registry); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "RegisterAdapters", name+" adapter registration")
		}
	}
	return nil
}

// RegisterBackends adds the storage backends.
func RegisterBackends(registry *backend.Registry) error {
	if registry == nil {
		return pkgerrors.WrapFatal(errors.New("registry cannot be nil"),
			"ComponentRegistry", "RegisterBackends", "registry validation")
	}

	for name, register := range map[string]func(*backend.Registry) error{
		memory.Name:  memory.Register,
		gpxfile.Name: gpxfile.Register,
		sqlite.Name:  sqlite.Register,
		redis.Name:   redis.Register,
		natskv.Name:  natskv.Register,
		mqtt.Name:    mqtt.Register,
		webhook.Name: webhook.Register,
	} {
		if err := register(registry); err != nil {
			return pkgerrors.WrapInvalid(err, "ComponentRegistry", "RegisterBackends", name+" backend registration")
		}
	}
	return nil
}

// Registries returns registries holding everything compiled in.
func Registries() (*controller.AdapterRegistry, *backend.Registry, error) {
	adapters := controller.NewAdapterRegistry()
	if err := RegisterAdapters(adapters); err != nil {
		return nil, nil, err
	}
	backends := backend.NewRegistry()
	if err := RegisterBackends(backends); err != nil {
		return nil, nil, err
	}
	return adapters, backends, nil
}
