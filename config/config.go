package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/output/feed"
	"github.com/mark-sch/GpsdTracking/output/websocket"
	"github.com/mark-sch/GpsdTracking/pkg/security"
	"github.com/mark-sch/GpsdTracking/pkg/tlsutil"
)

// Duration is a time.Duration written as "90s", "15m" or "2d" in files.
// Plain numbers are read as seconds.
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// parseDurationWithDays accepts a "d" suffix on top of time.ParseDuration.
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Config is the daemon configuration file.
type Config struct {
	Name     string                   `json:"name"`
	Backend  BackendConfig            `json:"backend"`
	Services map[string]ServiceConfig `json:"services"`
	Queue    QueueConfig              `json:"queue"`
	API      APIConfig                `json:"api"`
	Metrics  MetricsConfig            `json:"metrics"`
	Feed     FeedConfig               `json:"feed"`
	Events   EventsConfig             `json:"events"`
	NATS     NATSConfig               `json:"nats"`
	Log      LogConfig                `json:"log"`
}

// BackendConfig selects the storage backend. Only the block named after the
// selected type is read; the others may stay in the file.
type BackendConfig struct {
	Type      string `json:"type"`
	Workers   int    `json:"workers"`    // asynchronous writers, 0 writes inline
	QueueSize int    `json:"queue_size"` // pending writes per worker pool

	Memory  json.RawMessage `json:"memory,omitempty"`
	File    json.RawMessage `json:"file,omitempty"`
	SQLite  json.RawMessage `json:"sqlite,omitempty"`
	Redis   json.RawMessage `json:"redis,omitempty"`
	NATS    json.RawMessage `json:"nats,omitempty"`
	MQTT    json.RawMessage `json:"mqtt,omitempty"`
	Webhook json.RawMessage `json:"webhook,omitempty"`
}

// Options returns the configuration block of the selected backend, nil when
// the file has none.
func (b BackendConfig) Options() json.RawMessage {
	switch b.Type {
	case "memory":
		return b.Memory
	case "gpxfile":
		return b.File
	case "sqlite":
		return b.SQLite
	case "redis":
		return b.Redis
	case "natskv":
		return b.NATS
	case "mqtt":
		return b.MQTT
	case "webhook":
		return b.Webhook
	}
	return nil
}

// ServiceConfig is one entry of the services map, keyed by service name.
type ServiceConfig struct {
	Enabled  *bool           `json:"enabled,omitempty"` // defaults to true
	Adapter  string          `json:"adapter"`
	Mode     controller.Mode `json:"mode"`
	Address  string          `json:"address"`
	Path     string          `json:"path,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Info     string          `json:"info,omitempty"`

	MinDistance      float64  `json:"min_distance,omitempty"` // metres
	MaxSilence       Duration `json:"max_silence,omitempty"`
	MaxSpeed         float64  `json:"max_speed,omitempty"` // m/s
	ReconnectTimeout Duration `json:"reconnect_timeout,omitempty"`
	IdleTimeout      Duration `json:"idle_timeout,omitempty"`
	ReadTimeout      Duration `json:"read_timeout,omitempty"`
	RateLimit        float64  `json:"rate_limit,omitempty"`
	RateBurst        int      `json:"rate_burst,omitempty"`

	TLS security.ServerTLS `json:"tls,omitempty"`
}

// IsEnabled reports whether the service should be started.
func (s ServiceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Controller converts the entry to an engine configuration, loading the TLS
// material when enabled.
func (s ServiceConfig) Controller(name string) (controller.Config, error) {
	cfg := controller.Config{
		Name:             name,
		Adapter:          s.Adapter,
		Mode:             s.Mode,
		Address:          s.Address,
		Path:             s.Path,
		DeviceID:         s.DeviceID,
		Info:             s.Info,
		MinDistance:      s.MinDistance,
		MaxSilence:       s.MaxSilence.Std(),
		MaxSpeed:         s.MaxSpeed,
		ReconnectTimeout: s.ReconnectTimeout.Std(),
		IdleTimeout:      s.IdleTimeout.Std(),
		ReadTimeout:      s.ReadTimeout.Std(),
		RateLimit:        s.RateLimit,
		RateBurst:        s.RateBurst,
	}
	tlsConfig, err := tlsutil.Server(s.TLS)
	if err != nil {
		return controller.Config{}, errors.WrapFatal(err, "Config", "Controller", "load tls of service "+name)
	}
	cfg.TLS = tlsConfig
	return cfg.WithDefaults(), nil
}

// QueueConfig tunes the command queue.
type QueueConfig struct {
	Pacing     Duration `json:"pacing"`
	RetryDelay Duration `json:"retry_delay"`
	Capacity   int      `json:"capacity"`
}

// APIConfig configures the HTTP API. An empty address disables it.
type APIConfig struct {
	Address string             `json:"address"`
	TLS     security.ServerTLS `json:"tls,omitempty"`
}

// MetricsConfig configures the prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool               `json:"enabled"`
	Address string             `json:"address"`
	Path    string             `json:"path"`
	TLS     security.ServerTLS `json:"tls,omitempty"`
}

// FeedConfig enables the TCP re-broadcast feed.
type FeedConfig struct {
	Enabled bool `json:"enabled"`
	feed.Config
	TLS security.ServerTLS `json:"tls,omitempty"`
}

// EventsConfig routes bus events to NATS and to websocket clients. The
// websocket stream is served by the HTTP API.
type EventsConfig struct {
	Subject   string          `json:"subject"` // NATS subject prefix, empty disables
	WebSocket WebSocketConfig `json:"websocket"`
}

// WebSocketConfig enables the websocket event stream.
type WebSocketConfig struct {
	Enabled bool `json:"enabled"`
	websocket.Config
}

// NATSConfig configures the shared NATS connection. An empty URL disables it.
type NATSConfig struct {
	URL           string   `json:"url"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// SlogLevel maps Level to a slog level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Name:     "gpsd",
		Backend:  BackendConfig{Type: "memory", Workers: 4, QueueSize: 1024},
		Services: map[string]ServiceConfig{},
		Queue: QueueConfig{
			Pacing:     Duration(3 * time.Second),
			RetryDelay: Duration(30 * time.Second),
			Capacity:   1024,
		},
		API:     APIConfig{Address: ":8080"},
		Metrics: MetricsConfig{Enabled: true, Address: ":9090", Path: "/metrics"},
		Feed:    FeedConfig{Config: feed.DefaultConfig()},
		Events: EventsConfig{
			Subject:   "gpsd.events",
			WebSocket: WebSocketConfig{Enabled: true, Config: websocket.DefaultConfig()},
		},
		NATS: NATSConfig{MaxReconnects: -1, ReconnectWait: Duration(2 * time.Second)},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "check configuration")
}

// ServiceNames returns the enabled service names, sorted.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name, svc := range c.Services {
		if svc.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks the whole file. Problems are fatal: the daemon must not
// start half configured.
func (c *Config) Validate() error {
	if c.Name == "" {
		return invalid("name is required")
	}
	if c.Backend.Type == "" {
		return invalid("backend.type is required")
	}
	if c.Backend.Workers < 0 || c.Backend.QueueSize < 0 {
		return invalid("backend workers and queue_size cannot be negative")
	}
	if c.Backend.Type == "natskv" && c.NATS.URL == "" {
		return invalid("backend natskv needs nats.url")
	}

	names := c.ServiceNames()
	if len(names) == 0 {
		return invalid("at least one enabled service is required")
	}
	addresses := make(map[string]string)
	feeds := make(map[string]string)
	for _, name := range names {
		svc := c.Services[name]
		cfg := controller.Config{
			Name:             name,
			Adapter:          svc.Adapter,
			Mode:             svc.Mode,
			Address:          svc.Address,
			MinDistance:      svc.MinDistance,
			MaxSpeed:         svc.MaxSpeed,
			RateLimit:        svc.RateLimit,
			MaxSilence:       svc.MaxSilence.Std(),
			IdleTimeout:      svc.IdleTimeout.Std(),
			ReconnectTimeout: svc.ReconnectTimeout.Std(),
			ReadTimeout:      svc.ReadTimeout.Std(),
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := validateServerTLS("services."+name+".tls", svc.TLS); err != nil {
			return err
		}
		if svc.TLS.Enabled && svc.Mode == controller.ModeOutboundClient {
			return invalid("service %q: tls applies to listening services only", name)
		}

		if svc.Mode == controller.ModeOutboundClient {
			if svc.DeviceID != "" {
				if other, dup := feeds[svc.DeviceID]; dup {
					return errors.WrapFatal(fmt.Errorf("%w: device id %q used by services %q and %q",
						errors.ErrDuplicateDevice, svc.DeviceID, other, name), "Config", "Validate", "check feeds")
				}
				feeds[svc.DeviceID] = name
			}
			continue
		}
		if other, dup := addresses[svc.Address]; dup {
			return invalid("services %q and %q both listen on %s", other, name, svc.Address)
		}
		addresses[svc.Address] = name
	}

	if c.Queue.Pacing < 0 || c.Queue.RetryDelay < 0 || c.Queue.Capacity < 0 {
		return invalid("queue settings cannot be negative")
	}
	if err := validateServerTLS("api.tls", c.API.TLS); err != nil {
		return err
	}
	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return invalid("metrics.address is required when metrics are enabled")
		}
		if err := validateServerTLS("metrics.tls", c.Metrics.TLS); err != nil {
			return err
		}
	}
	if c.Feed.Enabled {
		if err := c.Feed.Config.Validate(); err != nil {
			return errors.WrapFatal(err, "Config", "Validate", "check feed")
		}
		if err := validateServerTLS("feed.tls", c.Feed.TLS); err != nil {
			return err
		}
	}
	if c.Events.WebSocket.Enabled && c.API.Address == "" {
		return invalid("events.websocket needs api.address")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the configuration as indented JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, p := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *p != "" {
			*p = "****"
		}
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
