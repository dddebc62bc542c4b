// Package mqtt publishes device activity to an MQTT broker.
//
// Positions go to <topic>/<id>/position as JSON, logins and logouts to the
// retained <topic>/<id>/status. The broker keeps no history, so the recent
// track answered by LookupDev is held in memory.
package mqtt

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/pkg/buffer"
	"github.com/mark-sch/GpsdTracking/pkg/security"
	"github.com/mark-sch/GpsdTracking/pkg/tlsutil"
)

// Name is the backend name used in configurations.
const Name = "mqtt"

type Config struct {
	Broker    string             `json:"broker"` // tcp://host:1883, ssl://host:8883
	ClientID  string             `json:"client_id"`
	Username  string             `json:"username,omitempty"`
	Password  string             `json:"password,omitempty"`
	Topic     string             `json:"topic"`
	QoS       byte               `json:"qos"`
	TrackSize int                `json:"track_size"`
	Timeout   int                `json:"timeout"` // seconds
	TLS       security.ClientTLS `json:"tls,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Broker:    "tcp://localhost:1883",
		ClientID:  "gpsd-tracking",
		Topic:     "gpsd",
		QoS:       1,
		TrackSize: 20,
		Timeout:   5,
	}
}

func (c Config) Validate() error {
	if c.Broker == "" || c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "broker and topic are required")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("%w: qos %d", errors.ErrInvalidConfig, c.QoS), "Config", "Validate", "check qos")
	}
	if c.TrackSize <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: track_size must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check track size")
	}
	return nil
}

// Status is the retained payload of the status topic.
type Status struct {
	ID     string    `json:"id"`
	Name   string    `json:"name,omitempty"`
	Online bool      `json:"online"`
	Time   time.Time `json:"time"`
}

// Fix is the payload of the position topic.
type Fix struct {
	ID string `json:"id"`
	device.Position
}

type Backend struct {
	cfg     Config
	client  paho.Client
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration

	mu     sync.Mutex
	tracks map[string]*buffer.Ring[device.Position]
}

var _ device.Backend = (*Backend)(nil)

// New is the backend.Factory of the MQTT backend.
func New(raw json.RawMessage, deps backend.Deps) (device.Backend, error) {
	cfg := DefaultConfig()
	if err := backend.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return Open(cfg, deps.Log(Name), deps.Clock())
}

// Register adds the backend to registry.
func Register(registry *backend.Registry) error {
	return registry.Register(Name, New)
}

// Open connects to the broker.
func Open(cfg Config, logger *slog.Logger, now func() time.Time) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", "broker", cfg.Broker, "error", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("MQTT connected", "broker", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	tlsConfig, err := tlsutil.Client(cfg.TLS)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	b := NewBackend(cfg, paho.NewClient(opts), logger, now)
	if err := b.wait(b.client.Connect()); err != nil {
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err), "Backend", "Open", "connect "+cfg.Broker)
	}
	return b, nil
}

// NewBackend builds a backend over an existing client.
func NewBackend(cfg Config, client paho.Client, logger *slog.Logger, now func() time.Time) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Backend{
		cfg:     cfg,
		client:  client,
		logger:  logger,
		now:     now,
		timeout: timeout,
		tracks:  make(map[string]*buffer.Ring[device.Position]),
	}
}

func (b *Backend) wait(token paho.Token) error {
	if !token.WaitTimeout(b.timeout) {
		return errors.ErrConnectionTimeout
	}
	return token.Error()
}

func (b *Backend) publish(topic string, retained bool, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.WrapInvalid(err, "Backend", "publish", "encode "+topic)
	}
	if err := b.wait(b.client.Publish(topic, b.cfg.QoS, retained, data)); err != nil {
		return errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err), "Backend", "publish", "publish "+topic)
	}
	return nil
}

// Topic returns the topic of a device stream, kind being position or status.
func (b *Backend) Topic(id, kind string) string {
	return b.cfg.Topic + "/" + id + "/" + kind
}

func (b *Backend) UpdateDev(_ context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := backend.DeviceID(s, rec)

	switch action {
	case device.ActionAuth:
		b.mu.Lock()
		if _, ok := b.tracks[id]; !ok {
			b.tracks[id] = buffer.NewRing[device.Position](b.cfg.TrackSize)
		}
		b.mu.Unlock()
		status := Status{ID: id, Name: rec.Name, Online: true, Time: b.now().UTC()}
		if err := b.publish(b.Topic(id, "status"), true, status); err != nil {
			return device.Reply{}, err
		}
		return device.Reply{Accepted: true}, nil

	case device.ActionUpdatePos:
		if !rec.HasFix() {
			return device.Reply{}, nil
		}
		b.mu.Lock()
		track, ok := b.tracks[id]
		b.mu.Unlock()
		if !ok {
			return device.Reply{}, nil
		}
		p := backend.Stamp(rec, b.now)
		if err := b.publish(b.Topic(id, "position"), false, Fix{ID: id, Position: p}); err != nil {
			return device.Reply{}, err
		}
		_ = track.Write(p)
		return device.Reply{Accepted: true}, nil

	case device.ActionLogout:
		status := Status{ID: id, Online: false, Time: b.now().UTC()}
		return device.Reply{Accepted: true}, b.publish(b.Topic(id, "status"), true, status)
	}
	return device.Reply{}, nil
}

func (b *Backend) LookupDev(_ context.Context, id string, count int) ([]device.Position, error) {
	b.mu.Lock()
	track, ok := b.tracks[id]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return track.Latest(count), nil
}

func (b *Backend) Close() error {
	b.client.Disconnect(250)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, track := range b.tracks {
		_ = track.Close()
	}
	return nil
}
