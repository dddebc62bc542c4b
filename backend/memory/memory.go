// Package memory is a demo backend: every device is accepted and the last
// positions of each are kept in RAM only.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/pkg/buffer"
)

// Name is the backend name used in configurations.
const Name = "memory"

// DefaultTrackSize is the number of positions kept per device.
const DefaultTrackSize = 20

type Config struct {
	TrackSize int `json:"track_size"`
}

// Backend keeps a fixed-size FIFO of positions per device.
type Backend struct {
	size   int
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	tracks map[string]*buffer.Ring[device.Position]
	logins int
}

var _ device.Backend = (*Backend)(nil)

// New is the backend.Factory of the memory backend.
func New(raw json.RawMessage, deps backend.Deps) (device.Backend, error) {
	cfg := Config{TrackSize: DefaultTrackSize}
	if err := backend.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	b := NewBackend(cfg.TrackSize)
	b.logger = deps.Log(Name)
	b.now = deps.Clock()
	return b, nil
}

// NewBackend creates a backend keeping size positions per device.
func NewBackend(size int) *Backend {
	if size <= 0 {
		size = DefaultTrackSize
	}
	return &Backend{
		size:   size,
		logger: slog.Default(),
		now:    time.Now,
		tracks: make(map[string]*buffer.Ring[device.Position]),
	}
}

// Register adds the backend to registry.
func Register(registry *backend.Registry) error {
	return registry.Register(Name, New)
}

func (b *Backend) UpdateDev(_ context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := backend.DeviceID(s, rec)

	switch action {
	case device.ActionAuth:
		b.mu.Lock()
		b.logins++
		n := b.logins
		if _, ok := b.tracks[id]; !ok {
			b.tracks[id] = buffer.NewRing[device.Position](b.size)
		}
		b.mu.Unlock()

		reply := device.Reply{Accepted: true}
		if rec.Name == "" {
			reply.Name = fmt.Sprintf("Test-Dev-%d", n)
		}
		b.logger.Debug("Device accepted", "device", id, "name", reply.Name)
		return reply, nil

	case device.ActionUpdatePos:
		if !rec.HasFix() || (rec.Lat == 0 && rec.Lon == 0) {
			return device.Reply{}, nil
		}
		b.mu.Lock()
		track, ok := b.tracks[id]
		b.mu.Unlock()
		if !ok {
			return device.Reply{}, nil
		}
		if err := track.Write(backend.Stamp(rec, b.now)); err != nil {
			return device.Reply{}, err
		}
		return device.Reply{Accepted: true}, nil
	}
	return device.Reply{Accepted: true}, nil
}

// LookupDev returns up to count positions, newest first. A count of zero or
// less returns the whole FIFO.
func (b *Backend) LookupDev(_ context.Context, id string, count int) ([]device.Position, error) {
	b.mu.Lock()
	track, ok := b.tracks[id]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return track.Latest(count), nil
}

// Devices lists the devices seen since start.
func (b *Backend) Devices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.tracks))
	for id := range b.tracks {
		ids = append(ids, id)
	}
	return ids
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tracks {
		_ = t.Close()
	}
	return nil
}
