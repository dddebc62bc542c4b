// Package gpxfile stores each device track in its own GPX file and keeps an
// authentication log next to them. It is meant for demos and debugging.
package gpxfile

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/pkg/gpx"
)

// Name is the backend name used in configurations.
const Name = "gpxfile"

type Config struct {
	Store  string `json:"store"`  // directory, must exist
	Prefix string `json:"prefix"` // file name prefix
	Erase  bool   `json:"erase"`  // truncate files of a device on its first login after start
}

// DefaultConfig mirrors the historical defaults.
func DefaultConfig() Config {
	return Config{Store: "./gps-tracks", Prefix: "track-", Erase: true}
}

func (c Config) Validate() error {
	if c.Store == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "store directory is required")
	}
	if strings.ContainsAny(c.Prefix, `/\`) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "prefix cannot contain a path separator")
	}
	return nil
}

type track struct {
	f      *os.File
	w      *bufio.Writer
	points int
}

// Backend writes <store>/<prefix><id>.gpx per device.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	authen *os.File
	open   map[string]*track
	seen   map[string]bool
	logins int
	closed bool
}

var _ device.Backend = (*Backend)(nil)

// New is the backend.Factory of the GPX backend.
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

// Open checks the store directory and starts the authentication log.
func Open(cfg Config, logger *slog.Logger, now func() time.Time) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := os.Stat(cfg.Store)
	if err != nil {
		return nil, errors.WrapFatal(err, "Backend", "Open", "stat store")
	}
	if !st.IsDir() {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %s is not a directory", errors.ErrInvalidConfig, cfg.Store),
			"Backend", "Open", "stat store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if cfg.Erase {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	authen, err := os.OpenFile(filepath.Join(cfg.Store, cfg.Prefix+"authen.log"), flags, 0o644)
	if err != nil {
		return nil, errors.WrapFatal(err, "Backend", "Open", "create authentication log")
	}
	b := &Backend{
		cfg:    cfg,
		logger: logger,
		now:    now,
		authen: authen,
		open:   make(map[string]*track),
		seen:   make(map[string]bool),
	}
	b.logf("GpsdTracking file backend start: %s", now().UTC().Format(time.DateTime))
	return b, nil
}

// Path returns the GPX file of a device.
func (b *Backend) Path(id string) string {
	return filepath.Join(b.cfg.Store, b.cfg.Prefix+sanitize(id)+".gpx")
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r < ' ' {
			return '_'
		}
		return r
	}, id)
}

func (b *Backend) logf(format string, args ...any) {
	if _, err := fmt.Fprintf(b.authen, format+"\n", args...); err != nil {
		b.logger.Warn("Authentication log write failed", "error", err)
	}
}

func (b *Backend) UpdateDev(_ context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := backend.DeviceID(s, rec)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return device.Reply{}, errors.WrapInvalid(errors.ErrAlreadyStopped, "Backend", "UpdateDev", "backend closed")
	}

	switch action {
	case device.ActionAuth:
		if err := b.login(id); err != nil {
			return device.Reply{}, err
		}
		return device.Reply{Accepted: true}, nil

	case device.ActionUpdatePos:
		t, ok := b.open[id]
		if !ok || !rec.HasFix() {
			return device.Reply{}, nil
		}
		t.points++
		p := backend.Stamp(rec, b.now)
		err := gpx.WritePoint(t.w, gpx.Point{
			Lat:    p.Lat,
			Lon:    p.Lon,
			Ele:    p.Altitude,
			Time:   p.Time,
			Name:   fmt.Sprintf("trackpts-%d", t.points),
			Course: p.Course,
			Speed:  p.Speed,
		})
		if err == nil {
			err = t.w.Flush()
		}
		if err != nil {
			return device.Reply{}, errors.WrapTransient(err, "Backend", "UpdateDev", "append point of "+id)
		}
		return device.Reply{Accepted: true}, nil

	case device.ActionLogout:
		b.logf("-- Logout id=%s date=%s", id, b.now().UTC().Format(time.RFC3339))
		return device.Reply{Accepted: true}, b.closeTrack(id)
	}
	return device.Reply{}, nil
}

// login opens the device file, writing the document header when new, and
// starts a track segment.
func (b *Backend) login(id string) error {
	b.logf("-- Login  id=%s date=%s", id, b.now().UTC().Format(time.RFC3339))
	if err := b.closeTrack(id); err != nil {
		b.logger.Warn("Closing previous track failed", "device", id, "error", err)
	}

	path := b.Path(id)
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if b.cfg.Erase && !b.seen[id] {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.WrapTransient(err, "Backend", "login", "open "+path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.WrapTransient(err, "Backend", "login", "stat "+path)
	}

	w := bufio.NewWriter(f)
	if st.Size() == 0 {
		fmt.Fprint(w, gpx.Header)
		fmt.Fprintf(w, "<metadata><name>GpsdTracking id=%s</name></metadata>\n", id)
	}
	b.logins++
	stamp := b.now().UTC().Format(time.RFC3339)
	if err := gpx.OpenTrack(w, fmt.Sprintf("GpsTrack-%d utc=%s", b.logins, stamp)); err != nil {
		_ = f.Close()
		return errors.WrapTransient(err, "Backend", "login", "write "+path)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.WrapTransient(err, "Backend", "login", "write "+path)
	}

	b.seen[id] = true
	b.open[id] = &track{f: f, w: w}
	b.logger.Debug("Track opened", "device", id, "path", path)
	return nil
}

func (b *Backend) closeTrack(id string) error {
	t, ok := b.open[id]
	if !ok {
		return nil
	}
	delete(b.open, id)
	return stderrors.Join(gpx.CloseTrack(t.w), t.w.Flush(), t.f.Close())
}

// LookupDev reads the device file back. Open tracks are read as well.
func (b *Backend) LookupDev(_ context.Context, id string, count int) ([]device.Position, error) {
	f, err := os.Open(b.Path(id))
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "Backend", "LookupDev", "open track of "+id)
	}
	defer f.Close()

	doc, err := gpx.Read(f)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Backend", "LookupDev", "parse track of "+id)
	}
	points := doc.TrackPoints()
	out := make([]device.Position, 0, len(points))
	for i := len(points) - 1; i >= 0 && (count <= 0 || len(out) < count); i-- {
		p := points[i]
		out = append(out, device.Position{
			Lat:      p.Lat,
			Lon:      p.Lon,
			Speed:    p.Speed,
			Course:   p.Course,
			Altitude: p.Ele,
			Time:     p.Time,
		})
	}
	return out, nil
}

// Close ends every open track and the authentication log.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	for id := range b.open {
		errs = append(errs, b.closeTrack(id))
	}
	b.logf("GpsdTracking file backend stop: %s", b.now().UTC().Format(time.DateTime))
	errs = append(errs, b.authen.Close())
	return stderrors.Join(errs...)
}
