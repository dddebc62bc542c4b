// Package redis keeps devices in a Redis hash and the recent track of each
// device in a capped list. Every stored fix is also published on a channel
// so map front-ends can follow devices live.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

// Name is the backend name used in configurations.
const Name = "redis"

type Config struct {
	Addr       string `json:"addr"`
	Password   string `json:"password,omitempty"`
	DB         int    `json:"db"`
	PoolSize   int    `json:"pool_size,omitempty"`
	Prefix     string `json:"prefix"`     // key prefix
	TrackSize  int    `json:"track_size"` // positions kept per device
	AutoCreate bool   `json:"auto_create"`
	Timeout    int    `json:"timeout"` // seconds, per request
}

func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		Prefix:     "gpsd:",
		TrackSize:  100,
		AutoCreate: true,
		Timeout:    5,
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "redis address is required")
	}
	if c.TrackSize <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: track_size must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check track size")
	}
	return nil
}

// Backend implements device.Backend and backend.Provisioner.
type Backend struct {
	cfg     Config
	client  *goredis.Client
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

var (
	_ device.Backend      = (*Backend)(nil)
	_ backend.Provisioner = (*Backend)(nil)
)

// New is the backend.Factory of the Redis backend.
func New(raw json.RawMessage, deps backend.Deps) (device.Backend, error) {
	cfg := DefaultConfig()
	if err := backend.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return Open(context.Background(), cfg, deps.Log(Name), deps.Clock())
}

// Register adds the backend to registry.
func Register(registry *backend.Registry) error {
	return registry.Register(Name, New)
}

// Open connects and pings the server.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, now func() time.Time) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
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

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err), "Backend", "Open", "ping "+cfg.Addr)
	}

	logger.Info("Redis backend connected", "addr", cfg.Addr, "db", cfg.DB)
	return &Backend{cfg: cfg, client: client, logger: logger, now: now, timeout: timeout}, nil
}

func (b *Backend) devicesKey() string {
	return b.cfg.Prefix + "devices"
}

func (b *Backend) trackKey(id string) string {
	return b.cfg.Prefix + "track:" + id
}

// Channel is where stored positions are published.
func (b *Backend) Channel() string {
	return b.cfg.Prefix + "positions"
}

// Fix is the JSON stored in track lists and published on Channel.
type Fix struct {
	ID string `json:"id"`
	device.Position
}

func (b *Backend) UpdateDev(ctx context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := backend.DeviceID(s, rec)
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	switch action {
	case device.ActionAuth:
		name, err := b.client.HGet(ctx, b.devicesKey(), id).Result()
		switch {
		case err == nil:
			return device.Reply{Accepted: true, Name: name}, nil
		case !stderrors.Is(err, goredis.Nil):
			return device.Reply{}, b.unavailable(err, "auth", id)
		case !b.cfg.AutoCreate:
			b.logger.Info("Unknown device refused", "device", id)
			return device.Reply{}, nil
		}
		if rec.Name == "" {
			rec.Name = id
		}
		if err := b.client.HSetNX(ctx, b.devicesKey(), id, rec.Name).Err(); err != nil {
			return device.Reply{}, b.unavailable(err, "auth", id)
		}
		return device.Reply{Accepted: true, Name: rec.Name}, nil

	case device.ActionUpdatePos:
		if !rec.HasFix() {
			return device.Reply{}, nil
		}
		data, err := json.Marshal(Fix{ID: id, Position: backend.Stamp(rec, b.now)})
		if err != nil {
			return device.Reply{}, errors.WrapInvalid(err, "Backend", "UpdateDev", "encode position")
		}
		_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.LPush(ctx, b.trackKey(id), data)
			pipe.LTrim(ctx, b.trackKey(id), 0, int64(b.cfg.TrackSize-1))
			pipe.Publish(ctx, b.Channel(), data)
			return nil
		})
		if err != nil {
			return device.Reply{}, b.unavailable(err, "store position", id)
		}
		return device.Reply{Accepted: true}, nil

	case device.ActionLogout:
		return device.Reply{Accepted: true}, nil
	}
	return device.Reply{}, nil
}

func (b *Backend) unavailable(err error, action, id string) error {
	return errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err), "Backend", "UpdateDev", action+" "+id)
}

// LookupDev reads the capped track list, which is already newest first.
func (b *Backend) LookupDev(ctx context.Context, id string, count int) ([]device.Position, error) {
	stop := int64(count - 1)
	if count <= 0 {
		stop = -1
	}
	items, err := b.client.LRange(ctx, b.trackKey(id), 0, stop).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "Backend", "LookupDev", "read track of "+id)
	}
	out := make([]device.Position, 0, len(items))
	for _, item := range items {
		var fix Fix
		if err := json.Unmarshal([]byte(item), &fix); err != nil {
			b.logger.Warn("Skipping corrupt track entry", "device", id, "error", err)
			continue
		}
		out = append(out, fix.Position)
	}
	return out, nil
}

// CreateDev registers or renames a device.
func (b *Backend) CreateDev(ctx context.Context, id, name string) error {
	if name == "" {
		name = id
	}
	if err := b.client.HSet(ctx, b.devicesKey(), id, name).Err(); err != nil {
		return errors.WrapTransient(err, "Backend", "CreateDev", "register "+id)
	}
	return nil
}

// RemoveDev drops a device and its track.
func (b *Backend) RemoveDev(ctx context.Context, id string) error {
	removed, err := b.client.HDel(ctx, b.devicesKey(), id).Result()
	if err != nil {
		return errors.WrapTransient(err, "Backend", "RemoveDev", "remove "+id)
	}
	if removed == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, id), "Backend", "RemoveDev", "remove device")
	}
	return b.client.Del(ctx, b.trackKey(id)).Err()
}

// Client exposes the connection for subscribers of Channel.
func (b *Backend) Client() *goredis.Client {
	return b.client
}

func (b *Backend) Close() error {
	return b.client.Close()
}
