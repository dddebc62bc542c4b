package backend

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/metric"
	"github.com/mark-sch/GpsdTracking/pkg/worker"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 4096
	stopTimeout      = 5 * time.Second
)

// write is one deferred UPDATE_POS or LOGOUT.
type write struct {
	id     string
	s      *device.Session
	action device.Action
	rec    device.Record
}

// Async moves UPDATE_POS and LOGOUT off the connection goroutines. Writes of
// one device are applied in order by the same worker. AUTH_IMEI and lookups
// go straight to the wrapped backend since sessions wait on their answer.
type Async struct {
	inner  device.Backend
	pool   *worker.Pool[write]
	logger *slog.Logger
}

var _ device.Backend = (*Async)(nil)

// NewAsync wraps inner. registry may be nil.
func NewAsync(inner device.Backend, workers, queueSize int, registry *metric.MetricsRegistry, logger *slog.Logger) *Async {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Async{inner: inner, logger: logger.With("component", "backend-async")}
	opts := []worker.Option[write]{worker.WithKey[write](func(w write) string { return w.id })}
	if registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[write](registry, "gpsd_backend_writes"))
	}
	a.pool = worker.NewPool(workers, queueSize, a.apply, opts...)
	return a
}

// Start runs the workers until ctx ends or Close is called.
func (a *Async) Start(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Async", "Start", "start write workers")
	}
	return nil
}

// Unwrap returns the wrapped backend.
func (a *Async) Unwrap() device.Backend { return a.inner }

func (a *Async) UpdateDev(ctx context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	if action == device.ActionAuth {
		return a.inner.UpdateDev(ctx, s, action, rec)
	}

	err := a.pool.Submit(write{id: DeviceID(s, rec), s: s, action: action, rec: rec})
	switch {
	case err == nil:
		return device.Reply{Accepted: true}, nil
	case stderrors.Is(err, worker.ErrQueueFull):
		return device.Reply{}, errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavailable, err),
			"Async", "UpdateDev", "queue "+string(action))
	default:
		return device.Reply{}, errors.WrapFatal(err, "Async", "UpdateDev", "queue "+string(action))
	}
}

func (a *Async) apply(ctx context.Context, w write) error {
	if _, err := a.inner.UpdateDev(ctx, w.s, w.action, w.rec); err != nil {
		a.logger.Warn("Backend write failed", "device", w.id, "action", string(w.action), "error", err)
		if w.s != nil {
			w.s.Notice(device.NoticeBackendError, err.Error())
		}
		return err
	}
	return nil
}

func (a *Async) LookupDev(ctx context.Context, id string, count int) ([]device.Position, error) {
	return a.inner.LookupDev(ctx, id, count)
}

// Stats returns the write pool statistics.
func (a *Async) Stats() worker.PoolStats { return a.pool.Stats() }

// Close drains pending writes, then closes the wrapped backend.
func (a *Async) Close() error {
	drain := a.pool.Stop(stopTimeout)
	if drain != nil {
		a.logger.Warn("Pending backend writes dropped", "error", drain)
	}
	return stderrors.Join(drain, a.inner.Close())
}
