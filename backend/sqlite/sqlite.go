// Package sqlite stores devices and their positions in a SQLite database.
//
// Only devices present in the devices table may log in unless AutoCreate is
// set. Every accepted fix becomes a row of positions and the device row keeps
// a pointer to its latest one.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

// Name is the backend name used in configurations.
const Name = "sqlite"

type Config struct {
	Path       string `json:"path"`        // database file, ":memory:" for tests
	AutoCreate bool   `json:"auto_create"` // register unknown devices at login
}

func DefaultConfig() Config {
	return Config{Path: "gpsd.db"}
}

func (c Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "database path is required")
	}
	return nil
}

// Backend implements device.Backend and backend.Provisioner.
type Backend struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	rowid map[string]int64 // uniqueID -> devices.id of logged in devices
}

var (
	_ device.Backend      = (*Backend)(nil)
	_ backend.Provisioner = (*Backend)(nil)
)

// New is the backend.Factory of the SQLite backend.
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

// Open connects to the database and creates the tables when missing.
func Open(cfg Config, logger *slog.Logger, now func() time.Time) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Backend", "Open", "open database")
	}
	// a single connection serializes writers and keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "Backend", "Open", "enable foreign keys")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "Backend", "Open", "create schema")
	}

	logger.Info("SQLite backend ready", "path", cfg.Path, "auto_create", cfg.AutoCreate)
	return &Backend{
		cfg:    cfg,
		db:     db,
		logger: logger,
		now:    now,
		rowid:  make(map[string]int64),
	}, nil
}

// DB exposes the connection, mostly for tests and maintenance commands.
func (b *Backend) DB() *sql.DB {
	return b.db
}

func (b *Backend) UpdateDev(ctx context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	id := backend.DeviceID(s, rec)

	switch action {
	case device.ActionAuth:
		return b.auth(ctx, id, rec.Name)

	case device.ActionUpdatePos:
		if !rec.HasFix() {
			return device.Reply{}, nil
		}
		b.mu.Lock()
		row, ok := b.rowid[id]
		b.mu.Unlock()
		if !ok {
			return device.Reply{}, nil
		}
		if err := b.insertPosition(ctx, row, backend.Stamp(rec, b.now)); err != nil {
			return device.Reply{}, err
		}
		return device.Reply{Accepted: true}, nil

	case device.ActionLogout:
		b.mu.Lock()
		delete(b.rowid, id)
		b.mu.Unlock()
		return device.Reply{Accepted: true}, nil
	}
	return device.Reply{}, nil
}

func (b *Backend) auth(ctx context.Context, id, name string) (device.Reply, error) {
	var (
		row    int64
		stored string
	)
	err := b.db.QueryRowContext(ctx, "SELECT id, name FROM devices WHERE uniqueID = ?", id).Scan(&row, &stored)
	if stderrors.Is(err, sql.ErrNoRows) {
		if !b.cfg.AutoCreate {
			b.logger.Info("Unknown device refused", "device", id)
			return device.Reply{}, nil
		}
		if name == "" {
			name = id
		}
		res, err := b.db.ExecContext(ctx, "INSERT INTO devices (name, uniqueID) VALUES (?, ?)", name, id)
		if err != nil {
			return device.Reply{}, errors.WrapTransient(err, "Backend", "auth", "register device "+id)
		}
		if row, err = res.LastInsertId(); err != nil {
			return device.Reply{}, errors.WrapTransient(err, "Backend", "auth", "register device "+id)
		}
		stored = name
	} else if err != nil {
		return device.Reply{}, errors.WrapTransient(err, "Backend", "auth", "lookup device "+id)
	}

	b.mu.Lock()
	b.rowid[id] = row
	b.mu.Unlock()
	return device.Reply{Accepted: true, Name: stored}, nil
}

func (b *Backend) insertPosition(ctx context.Context, row int64, p device.Position) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "Backend", "insertPosition", "begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO positions (device_id, time, valid, latitude, longitude, altitude, speed, course) VALUES (?, ?, 1, ?, ?, ?, ?, ?)",
		row, p.Time, p.Lat, p.Lon, p.Altitude, p.Speed, p.Course,
	)
	if err != nil {
		return errors.WrapTransient(err, "Backend", "insertPosition", "insert position")
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return errors.WrapTransient(err, "Backend", "insertPosition", "insert position")
	}
	if _, err := tx.ExecContext(ctx, "UPDATE devices SET latestPosition_id = ? WHERE id = ?", pos, row); err != nil {
		return errors.WrapTransient(err, "Backend", "insertPosition", "update latest position")
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "Backend", "insertPosition", "commit")
	}
	return nil
}

// LookupDev returns the latest positions of a device, newest first.
func (b *Backend) LookupDev(ctx context.Context, id string, count int) ([]device.Position, error) {
	limit := count
	if limit <= 0 {
		limit = -1
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT p.latitude, p.longitude, p.speed, p.course, p.altitude, p.time
		FROM positions p JOIN devices d ON d.id = p.device_id
		WHERE d.uniqueID = ?
		ORDER BY p.time DESC, p.id DESC
		LIMIT ?`, id, limit)
	if err != nil {
		return nil, errors.WrapTransient(err, "Backend", "LookupDev", "query positions of "+id)
	}
	defer rows.Close()

	var out []device.Position
	for rows.Next() {
		var (
			p                       device.Position
			speed, course, altitude sql.NullFloat64
		)
		if err := rows.Scan(&p.Lat, &p.Lon, &speed, &course, &altitude, &p.Time); err != nil {
			return nil, errors.WrapTransient(err, "Backend", "LookupDev", "scan position")
		}
		p.Speed, p.Course, p.Altitude = speed.Float64, course.Float64, altitude.Float64
		p.Time = p.Time.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Backend", "LookupDev", "read positions")
	}
	return out, nil
}

// CreateDev registers a device so it may log in.
func (b *Backend) CreateDev(ctx context.Context, id, name string) error {
	if name == "" {
		name = id
	}
	_, err := b.db.ExecContext(ctx,
		"INSERT INTO devices (name, uniqueID) VALUES (?, ?) ON CONFLICT(uniqueID) DO UPDATE SET name = excluded.name",
		name, id)
	if err != nil {
		return errors.WrapTransient(err, "Backend", "CreateDev", "insert device "+id)
	}
	return nil
}

// RemoveDev deletes a device and its positions.
func (b *Backend) RemoveDev(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, "DELETE FROM devices WHERE uniqueID = ?", id)
	if err != nil {
		return errors.WrapTransient(err, "Backend", "RemoveDev", "delete device "+id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrDeviceNotFound, id), "Backend", "RemoveDev", "delete device")
	}
	b.mu.Lock()
	delete(b.rowid, id)
	b.mu.Unlock()
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}
