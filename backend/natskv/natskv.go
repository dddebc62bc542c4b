// Package natskv stores devices and their recent track in a NATS JetStream
// key/value bucket. Each device is one key holding its name and a capped
// list of positions, newest first, updated with compare-and-swap.
package natskv

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/natsclient"
)

// Name is the backend name used in configurations.
const Name = "natskv"

type Config struct {
	Bucket     string `json:"bucket"`
	Replicas   int    `json:"replicas"`
	TrackSize  int    `json:"track_size"`
	AutoCreate bool   `json:"auto_create"`
}

func DefaultConfig() Config {
	return Config{Bucket: "GPSD_DEVICES", Replicas: 1, TrackSize: 50, AutoCreate: true}
}

func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "bucket is required")
	}
	if c.TrackSize <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: track_size must be positive", errors.ErrInvalidConfig),
			"Config", "Validate", "check track size")
	}
	return nil
}

// Store is the subset of natsclient.KVStore the backend needs.
type Store interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
	Keys(ctx context.Context) ([]string, error)
}

// Entry is the value stored under each device key.
type Entry struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Updated time.Time         `json:"updated"`
	Track   []device.Position `json:"track,omitempty"`
}

// Backend implements device.Backend and backend.Provisioner.
type Backend struct {
	cfg    Config
	kv     Store
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ device.Backend      = (*Backend)(nil)
	_ backend.Provisioner = (*Backend)(nil)
)

// New is the backend.Factory of the NATS KV backend. It needs the daemon
// NATS connection.
func New(raw json.RawMessage, deps backend.Deps) (device.Backend, error) {
	cfg := DefaultConfig()
	if err := backend.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.NATS == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: nats url", errors.ErrMissingConfig), "natskv", "New", "check connection")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bucket, err := deps.NATS.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "GpsdTracking devices and recent tracks",
		History:     1,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, errors.Wrap(err, "natskv", "New", "open bucket "+cfg.Bucket)
	}
	return NewBackend(cfg, natsclient.NewKVStore(bucket), deps.Log(Name), deps.Clock()), nil
}

// Register adds the backend to registry.
func Register(registry *backend.Registry) error {
	return registry.Register(Name, New)
}

// NewBackend builds a backend over kv.
func NewBackend(cfg Config, kv Store, logger *slog.Logger, now func() time.Time) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Backend{cfg: cfg, kv: kv, logger: logger, now: now}
}

// Key maps a device identifier to a valid bucket key.
func Key(id string) string {
	return "dev." + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			return r
		}
		return '_'
	}, id)
}

func (b *Backend) load(ctx context.Context, id string) (*Entry, error) {
	kv, err := b.kv.Get(ctx, Key(id))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err), "Backend", "load", "read "+id)
	}
	var entry Entry
	if err := json.Unmarshal(kv.Value, &entry); err != nil {
		return nil, errors.WrapInvalid(err, "Backend", "load", "decode "+id)
	}
	return &entry, nil
}

func (b *Backend) UpdateDev(ctx context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := backend.DeviceID(s, rec)

	switch action {
	case device.ActionAuth:
		entry, err := b.load(ctx, id)
		if err != nil {
			return device.Reply{}, err
		}
		if entry != nil {
			return device.Reply{Accepted: true, Name: entry.Name}, nil
		}
		if !b.cfg.AutoCreate {
			b.logger.Info("Unknown device refused", "device", id)
			return device.Reply{}, nil
		}
		name := rec.Name
		if name == "" {
			name = id
		}
		if err := b.CreateDev(ctx, id, name); err != nil {
			return device.Reply{}, err
		}
		return device.Reply{Accepted: true, Name: name}, nil

	case device.ActionUpdatePos:
		if !rec.HasFix() {
			return device.Reply{}, nil
		}
		p := backend.Stamp(rec, b.now)
		err := b.kv.UpdateWithRetry(ctx, Key(id), func(current []byte) ([]byte, error) {
			if current == nil {
				return nil, errors.ErrDeviceNotFound
			}
			var entry Entry
			if err := json.Unmarshal(current, &entry); err != nil {
				return nil, err
			}
			entry.Track = append([]device.Position{p}, entry.Track...)
			if len(entry.Track) > b.cfg.TrackSize {
				entry.Track = entry.Track[:b.cfg.TrackSize]
			}
			entry.Updated = b.now().UTC()
			return json.Marshal(entry)
		})
		if stderrors.Is(err, errors.ErrDeviceNotFound) {
			return device.Reply{}, nil
		}
		if err != nil {
			return device.Reply{}, errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err), "Backend", "UpdateDev", "store position of "+id)
		}
		return device.Reply{Accepted: true}, nil

	case device.ActionLogout:
		return device.Reply{Accepted: true}, nil
	}
	return device.Reply{}, nil
}

func (b *Backend) LookupDev(ctx context.Context, id string, count int) ([]device.Position, error) {
	entry, err := b.load(ctx, id)
	if err != nil || entry == nil {
		return nil, err
	}
	track := entry.Track
	if count > 0 && len(track) > count {
		track = track[:count]
	}
	return track, nil
}

// CreateDev registers or renames a device, keeping its track.
func (b *Backend) CreateDev(ctx context.Context, id, name string) error {
	if name == "" {
		name = id
	}
	err := b.kv.UpdateWithRetry(ctx, Key(id), func(current []byte) ([]byte, error) {
		entry := Entry{ID: id}
		if current != nil {
			if err := json.Unmarshal(current, &entry); err != nil {
				return nil, err
			}
		}
		entry.Name = name
		entry.Updated = b.now().UTC()
		return json.Marshal(entry)
	})
	if err != nil {
		return errors.WrapTransient(err, "Backend", "CreateDev", "register "+id)
	}
	return nil
}

// RemoveDev deletes a device key.
func (b *Backend) RemoveDev(ctx context.Context, id string) error {
	entry, err := b.load(ctx, id)
	if err != nil {
		return err
	}
	if entry == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, id), "Backend", "RemoveDev", "remove device")
	}
	if err := b.kv.Delete(ctx, Key(id)); err != nil {
		return errors.WrapTransient(err, "Backend", "RemoveDev", "remove "+id)
	}
	return nil
}

// Devices lists the registered device keys.
func (b *Backend) Devices(ctx context.Context) ([]string, error) {
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Backend", "Devices", "list keys")
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := strings.CutPrefix(key, "dev."); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close is a no-op: the NATS connection belongs to the daemon.
func (b *Backend) Close() error {
	return nil
}
