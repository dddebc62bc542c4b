package controller

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

// Mode selects how an engine talks to devices.
type Mode string

const (
	ModePersistentServer Mode = "persistent-server"
	ModeRequestResponse  Mode = "request-response"
	ModeOutboundClient   Mode = "outbound-client"
)

// Config describes one service. It is not modified once the engine starts.
type Config struct {
	Name     string
	Adapter  string
	Mode     Mode
	Address  string // listen address, or remote host:port for outbound clients
	Path     string // HTTP mount point for request-response services
	DeviceID string // identity the outbound feed session logs in with
	Info     string

	MinDistance      float64 // metres
	MaxSilence       time.Duration
	MaxSpeed         float64 // m/s
	ReconnectTimeout time.Duration
	IdleTimeout      time.Duration
	ReadTimeout      time.Duration

	RateLimit float64 // inbound chunks per second per connection, 0 disables
	RateBurst int

	TLS *tls.Config // wraps the listener of server modes when set
}

// WithDefaults fills unset limits with the stock values.
func (c Config) WithDefaults() Config {
	def := device.DefaultPolicy()
	if c.MinDistance == 0 {
		c.MinDistance = def.MinDistance
	}
	if c.MaxSilence == 0 {
		c.MaxSilence = def.MaxSilence
	}
	if c.MaxSpeed == 0 {
		c.MaxSpeed = def.MaxSpeed
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = 60 * time.Second
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = c.IdleTimeout
	}
	if c.Path == "" && c.Mode == ModeRequestResponse {
		c.Path = "/"
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		c.RateBurst = 1
	}
	return c
}

// Policy returns the admission policy sessions of this service apply.
func (c Config) Policy() device.Policy {
	return device.Policy{
		MinDistance: c.MinDistance,
		MaxSilence:  c.MaxSilence,
		MaxSpeed:    c.MaxSpeed,
		IdleTimeout: c.IdleTimeout,
	}
}

// Validate checks one service in isolation.
func (c Config) Validate() error {
	invalid := func(msg string) error {
		return errors.WrapFatal(fmt.Errorf("%w: service %q: %s", errors.ErrInvalidConfig, c.Name, msg),
			"Config", "Validate", "check service")
	}

	if c.Name == "" {
		return invalid("name is required")
	}
	if c.Adapter == "" {
		return invalid("adapter is required")
	}
	switch c.Mode {
	case ModePersistentServer, ModeRequestResponse, ModeOutboundClient:
	default:
		return invalid(fmt.Sprintf("unknown mode %q", c.Mode))
	}
	if c.Address == "" {
		return invalid("address is required")
	}
	if c.TLS != nil && c.Mode == ModeOutboundClient {
		return invalid("tls applies to listening services only")
	}
	if c.MinDistance < 0 || c.MaxSpeed < 0 || c.RateLimit < 0 {
		return invalid("limits cannot be negative")
	}
	if c.MaxSilence < 0 || c.IdleTimeout < 0 || c.ReconnectTimeout < 0 || c.ReadTimeout < 0 {
		return invalid("durations cannot be negative")
	}
	return nil
}

// ValidateAll checks every service and the constraints between them: names
// are unique and no two outbound feeds share a DeviceID.
func ValidateAll(services []Config) error {
	names := make(map[string]bool, len(services))
	feeds := make(map[string]string)

	for _, c := range services {
		if err := c.Validate(); err != nil {
			return err
		}
		if names[c.Name] {
			return errors.WrapFatal(fmt.Errorf("%w: duplicate service %q", errors.ErrInvalidConfig, c.Name),
				"Config", "ValidateAll", "check services")
		}
		names[c.Name] = true

		if c.Mode != ModeOutboundClient || c.DeviceID == "" {
			continue
		}
		if other, ok := feeds[c.DeviceID]; ok {
			return errors.WrapFatal(
				fmt.Errorf("%w: device %q used by %q and %q", errors.ErrDuplicateDevice, c.DeviceID, other, c.Name),
				"Config", "ValidateAll", "check feed identities")
		}
		feeds[c.DeviceID] = c.Name
	}
	return nil
}
