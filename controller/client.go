package controller

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/pkg/retry"
)

// runClient keeps the outbound connection up for the life of ctx. Every
// disconnect or dial error waits ReconnectTimeout before the next attempt.
func (e *Engine) runClient(ctx context.Context) {
	cfg := retry.Forever(e.cfg.ReconnectTimeout)
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		e.recordError(err)
		if e.metrics != nil {
			e.metrics.Reconnects.WithLabelValues(e.cfg.Name).Inc()
		}
		e.logger.Info("Feed reconnect scheduled", "attempt", attempt, "in", next, "error", err)
	}

	_ = retry.Do(ctx, cfg, func() error {
		dialer := net.Dialer{Timeout: e.cfg.ReconnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", e.cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				return retry.NonRetryable(ctx.Err())
			}
			return errors.WrapTransient(err, "Engine", "runClient", "dial "+e.cfg.Address)
		}

		reason := e.serveFeed(ctx, conn)
		if ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return errors.WrapTransient(errors.ErrConnectionLost, "Engine", "runClient", reason)
	})
}

// feed holds the sessions of one outbound connection: the feed itself and
// the devices it reports about.
type feed struct {
	engine *Engine
	main   *device.Session
	remote string

	mu       sync.Mutex
	children map[string]*device.Session
}

// route picks the session a record belongs to. Records about other devices go
// to child sessions, created on LOGIN and ignored before it.
func (f *feed) route(rec device.Record) *device.Session {
	if rec.ID == "" || rec.ID == f.main.ID() || rec.ID == f.engine.cfg.DeviceID {
		return f.main
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	child, ok := f.children[rec.ID]
	if ok && child.State() == device.StateLoggedOut {
		delete(f.children, rec.ID)
		ok = false
	}
	if !ok {
		if rec.Cmd != device.CmdLogin {
			return nil
		}
		child = f.engine.newSession(nil, f.remote)
		f.children[rec.ID] = child
	}
	return child
}

func (f *feed) close(ctx context.Context, reason string) {
	f.mu.Lock()
	children := make([]*device.Session, 0, len(f.children))
	for _, c := range f.children {
		children = append(children, c)
	}
	f.children = nil
	f.mu.Unlock()

	for _, c := range children {
		c.Logout(ctx, reason)
	}
	f.main.Disconnect(ctx, reason)
}

func (e *Engine) serveFeed(ctx context.Context, conn net.Conn) string {
	e.trackConn(conn, true)
	defer e.trackConn(conn, false)
	e.connected.Store(true)
	defer e.connected.Store(false)

	f := &feed{
		engine:   e,
		main:     e.newSession(conn, e.cfg.Address),
		remote:   e.cfg.Address,
		children: make(map[string]*device.Session),
	}
	e.logger.Info("Feed connected", "remote", e.cfg.Address)

	if e.cfg.DeviceID != "" {
		name := e.cfg.Info
		if name == "" {
			name = e.cfg.Name
		}
		login := device.Record{Cmd: device.CmdLogin, ID: e.cfg.DeviceID, Name: name, Time: time.Now()}
		if err := e.process(ctx, f.main, login); err != nil {
			e.logger.Warn("Feed login refused", "device", e.cfg.DeviceID, "error", err)
		}
	}
	e.adapter.ClientConnect(f.main)

	reason := e.readLoop(ctx, conn, func(data []byte) {
		e.dispatch(ctx, f.main, data, f.route)
	})

	e.adapter.ClientQuit(f.main)
	f.close(context.WithoutCancel(ctx), reason)
	e.logger.Info("Feed disconnected", "remote", e.cfg.Address, "reason", reason)
	return reason
}
