package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/metric"
	"github.com/mark-sch/GpsdTracking/natsclient"
)

// Deps are the daemon resources a backend may use.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
	NATS    *natsclient.Client // nil unless the daemon connects to NATS
	Now     func() time.Time
}

// Log returns the dependency logger tagged with the backend name.
func (d Deps) Log(name string) *slog.Logger {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "backend", "backend", name)
}

// Clock returns Now or time.Now.
func (d Deps) Clock() func() time.Time {
	if d.Now != nil {
		return d.Now
	}
	return time.Now
}

// Factory builds a backend from its raw configuration block.
type Factory func(raw json.RawMessage, deps Deps) (device.Backend, error)

// Provisioner is implemented by backends holding a device table.
type Provisioner interface {
	CreateDev(ctx context.Context, id, name string) error
	RemoveDev(ctx context.Context, id string) error
}

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.WrapInvalid(fmt.Errorf("backend %q already registered", name),
			"Registry", "Register", "register backend")
	}
	r.factories[name] = f
	return nil
}

// Create builds the backend called name.
func (r *Registry) Create(name string, raw json.RawMessage, deps Deps) (device.Backend, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %q", errors.ErrUnknownBackend, name),
			"Registry", "Create", "lookup backend")
	}
	b, err := f(raw, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", "build backend "+name)
	}
	return b, nil
}

// Names lists registered backends, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unmarshal decodes a configuration block into cfg. An empty block keeps the
// defaults already in cfg; unknown fields are rejected.
func Unmarshal(raw json.RawMessage, cfg any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "backend", "Unmarshal", "decode config")
	}
	return nil
}

// DeviceID returns the identifier a record belongs to: its own, or the
// session's for adapters that name the device only at login.
func DeviceID(s *device.Session, rec device.Record) string {
	if rec.ID != "" || s == nil {
		return rec.ID
	}
	return s.ID()
}

// Stamp returns the fix of rec, timed now when the adapter gave no time.
func Stamp(rec device.Record, now func() time.Time) device.Position {
	p := rec.Position()
	if p.Time.IsZero() {
		p.Time = now()
	}
	p.Time = p.Time.UTC()
	return p
}
