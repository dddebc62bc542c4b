package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/health"
	"github.com/mark-sch/GpsdTracking/metric"
)

// Deps are the daemon-owned collaborators of an engine.
type Deps struct {
	Registry *device.Registry
	Backend  device.Backend
	Observer device.Observer
	Metrics  *metric.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// service status values reported through metric.Metrics.RecordServiceStatus.
const (
	statusStopped = iota
	statusStarting
	statusRunning
	statusStopping
	statusFailed
)

// Engine runs one service.
type Engine struct {
	cfg     Config
	adapter Adapter
	deps    *device.Deps
	metrics *metric.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	listener net.Listener
	server   *http.Server
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	running   atomic.Bool
	connected atomic.Bool // outbound client has a live socket
	startTime time.Time

	connections atomic.Int64
	active      atomic.Int64
	records     atomic.Int64
	bytes       atomic.Int64
	drops       atomic.Int64
	errCount    atomic.Int64
	lastErr     atomic.Value // string
	lastSeen    atomic.Int64 // unix nanos
}

// NewEngine binds cfg to adapter. The adapter doubles as the commander of
// every session the engine creates.
func NewEngine(cfg Config, adapter Adapter, deps Deps) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if adapter == nil {
		return nil, errors.WrapFatal(errors.ErrUnknownAdapter, "Engine", "NewEngine", "service "+cfg.Name)
	}
	if deps.Registry == nil {
		deps.Registry = device.NewRegistry()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("service", cfg.Name, "adapter", cfg.Adapter)

	e := &Engine{
		cfg:     cfg,
		adapter: adapter,
		metrics: deps.Metrics,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
	e.deps = &device.Deps{
		Service:   cfg.Name,
		Registry:  deps.Registry,
		Backend:   deps.Backend,
		Commander: adapter,
		Observer:  deps.Observer,
		Policy:    cfg.Policy(),
		Metrics:   deps.Metrics,
		Logger:    logger,
		Now:       deps.Now,
	}
	e.lastErr.Store("")
	return e, nil
}

func (e *Engine) Name() string     { return e.cfg.Name }
func (e *Engine) Config() Config   { return e.cfg }
func (e *Engine) Adapter() Adapter { return e.adapter }

// Addr returns the bound address of a listening engine, nil otherwise.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Start binds the listener or launches the outbound client. A listen failure
// is fatal; outbound failures are retried forever in the background.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "service "+e.cfg.Name)
	}
	e.setStatus(statusStarting)

	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.startTime = time.Now()
	e.mu.Unlock()

	var err error
	switch e.cfg.Mode {
	case ModePersistentServer:
		err = e.startServer(ctx)
	case ModeRequestResponse:
		err = e.startHTTP(ctx)
	case ModeOutboundClient:
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runClient(ctx)
		}()
	}
	if err != nil {
		cancel()
		e.running.Store(false)
		e.setStatus(statusFailed)
		e.recordError(err)
		return err
	}

	e.setStatus(statusRunning)
	e.logger.Info("Service started", "mode", string(e.cfg.Mode), "address", e.cfg.Address)
	return nil
}

// Stop closes the listener and every connection, logs their sessions out and
// waits up to timeout for the handlers to finish.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.setStatus(statusStopping)

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	srv := e.server
	// Shutdown closes the listener of a request-response engine.
	if e.listener != nil && srv == nil {
		_ = e.listener.Close()
	}
	for c := range e.conns {
		_ = c.Close()
	}
	e.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		_ = srv.Shutdown(ctx)
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		e.setStatus(statusFailed)
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "Engine", "Stop", "graceful shutdown")
	}

	// Request-response sessions have no connection to end them.
	for _, s := range e.deps.Registry.ByService(e.cfg.Name) {
		s.Disconnect(context.Background(), "service stopped")
	}

	e.mu.Lock()
	e.listener = nil
	e.server = nil
	e.mu.Unlock()
	e.setStatus(statusStopped)
	e.logger.Info("Service stopped")
	return nil
}

// newSession creates a session owned by this engine. transport is nil for
// sessions without a socket of their own.
func (e *Engine) newSession(transport net.Conn, remote string) *device.Session {
	if transport == nil {
		return device.NewSession(e.deps, nil, remote)
	}
	return device.NewSession(e.deps, transport, remote)
}

// dispatch hands one chunk to the adapter and applies the records it yields
// to the session chosen by route.
func (e *Engine) dispatch(ctx context.Context, s *device.Session, data []byte, route func(device.Record) *device.Session) {
	e.bytes.Add(int64(len(data)))
	e.lastSeen.Store(time.Now().UnixNano())
	if e.metrics != nil {
		e.metrics.BytesReceived.WithLabelValues(e.cfg.Name).Add(float64(len(data)))
	}

	for _, rec := range e.adapter.ParseBuffer(s, data) {
		target := s
		if route != nil {
			if target = route(rec); target == nil {
				continue
			}
		}
		_ = e.process(ctx, target, rec)
	}
}

// process applies one record and keeps the counters.
func (e *Engine) process(ctx context.Context, s *device.Session, rec device.Record) error {
	e.records.Add(1)
	if e.metrics != nil {
		e.metrics.RecordsParsed.WithLabelValues(e.cfg.Name, rec.Cmd.String()).Inc()
	}
	if rec.Cmd == device.CmdUnknown {
		e.drops.Add(1)
		if e.metrics != nil {
			e.metrics.ParseDrops.WithLabelValues(e.cfg.Name).Inc()
		}
		s.Notice(device.NoticeInvalidData, rec.Raw)
		e.logger.Debug("Dropped frame", "raw", rec.Raw)
		return errors.WrapInvalid(errors.ErrInvalidData, "Engine", "process", "parse frame")
	}

	err := s.ProcessData(ctx, rec)
	if err != nil {
		if errors.IsInvalid(err) {
			e.logger.Debug("Record refused", "cmd", rec.Cmd.String(), "device", rec.ID, "error", err)
		} else {
			e.recordError(err)
			e.logger.Warn("Record processing failed", "cmd", rec.Cmd.String(), "device", rec.ID, "error", err)
		}
	}
	return err
}

func (e *Engine) trackConn(c net.Conn, add bool) {
	e.mu.Lock()
	if add {
		e.conns[c] = struct{}{}
		if !e.running.Load() {
			_ = c.Close()
		}
	} else {
		delete(e.conns, c)
	}
	e.mu.Unlock()

	delta := int64(-1)
	if add {
		delta = 1
		e.connections.Add(1)
	}
	n := e.active.Add(delta)
	if e.metrics != nil {
		if add {
			e.metrics.ConnectionsTotal.WithLabelValues(e.cfg.Name).Inc()
		}
		e.metrics.ActiveSessions.WithLabelValues(e.cfg.Name).Set(float64(n))
	}
}

func (e *Engine) setStatus(status int) {
	if e.metrics != nil {
		e.metrics.RecordServiceStatus(e.cfg.Name, status)
	}
}

func (e *Engine) recordError(err error) {
	e.errCount.Add(1)
	e.lastErr.Store(err.Error())
	if e.metrics != nil {
		e.metrics.RecordError(e.cfg.Name, errors.Classify(err).String())
	}
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Connections int64 `json:"connections"`
	Active      int64 `json:"active"`
	Records     int64 `json:"records"`
	Bytes       int64 `json:"bytes"`
	Drops       int64 `json:"drops"`
	Errors      int64 `json:"errors"`
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Connections: e.connections.Load(),
		Active:      e.active.Load(),
		Records:     e.records.Load(),
		Bytes:       e.bytes.Load(),
		Drops:       e.drops.Load(),
		Errors:      e.errCount.Load(),
	}
}

// Health reports whether the service is serving. An outbound client waiting
// to reconnect is degraded.
func (e *Engine) Health() health.Status {
	var st health.Status
	switch {
	case !e.running.Load():
		st = health.NewUnhealthy(e.cfg.Name, "not running")
	case e.cfg.Mode == ModeOutboundClient && !e.connected.Load():
		msg := "reconnecting"
		if last, _ := e.lastErr.Load().(string); last != "" {
			msg = health.FromError(e.cfg.Name, fmt.Errorf("%s", last)).Message
		}
		st = health.NewDegraded(e.cfg.Name, msg)
	default:
		st = health.NewHealthy(e.cfg.Name, string(e.cfg.Mode))
	}

	var last time.Time
	if ns := e.lastSeen.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	e.mu.Lock()
	started := e.startTime
	e.mu.Unlock()
	var uptime time.Duration
	if !started.IsZero() {
		uptime = time.Since(started)
	}

	return st.WithMetrics(&health.Metrics{
		Uptime:       uptime,
		ErrorCount:   int(e.errCount.Load()),
		Sessions:     len(e.deps.Registry.ByService(e.cfg.Name)),
		Connections:  e.connections.Load(),
		Records:      e.records.Load(),
		LastActivity: last,
	})
}
