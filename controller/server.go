package controller

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"io"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/mark-sch/GpsdTracking/errors"
)

const readBufferSize = 4096

func (e *Engine) startServer(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.cfg.Address)
	if err != nil {
		e.logger.Error("Listen failed", "address", e.cfg.Address, "error", err)
		return errors.WrapFatal(stderrors.Join(errors.ErrListenFailed, err), "Engine", "Start", "listen on "+e.cfg.Address)
	}
	if e.cfg.TLS != nil {
		ln = tls.NewListener(ln, e.cfg.TLS)
	}

	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.acceptLoop(ctx, ln)
	}()
	return nil
}

func (e *Engine) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			e.recordError(err)
			e.logger.Warn("Accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.serveConn(ctx, conn)
		}()
	}
}

// serveConn owns one device connection from accept to close.
func (e *Engine) serveConn(ctx context.Context, conn net.Conn) {
	e.trackConn(conn, true)
	defer e.trackConn(conn, false)

	remote := conn.RemoteAddr().String()
	s := e.newSession(conn, remote)
	e.adapter.ClientConnect(s)
	e.logger.Debug("Device connected", "remote", remote, "session", s.UID())

	reason := e.readLoop(ctx, conn, func(data []byte) {
		e.dispatch(ctx, s, data, nil)
	})

	e.adapter.ClientQuit(s)
	s.Disconnect(context.WithoutCancel(ctx), reason)
	e.logger.Debug("Device disconnected", "remote", remote, "device", s.ID(), "reason", reason)
}

// readLoop reads conn until it fails and returns why it stopped. Chunks are
// paced by the configured rate limit.
func (e *Engine) readLoop(ctx context.Context, conn net.Conn, handle func([]byte)) string {
	var limiter *rate.Limiter
	if e.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(e.cfg.RateLimit), e.cfg.RateBurst)
	}

	buf := make([]byte, readBufferSize)
	for {
		if e.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(e.cfg.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.Wait(ctx); werr != nil {
					return "service stopped"
				}
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handle(chunk)
		}
		if err == nil {
			continue
		}

		var netErr net.Error
		switch {
		case ctx.Err() != nil:
			return "service stopped"
		case stderrors.Is(err, io.EOF):
			return "connection closed"
		case stderrors.As(err, &netErr) && netErr.Timeout():
			return "read timeout"
		default:
			return err.Error()
		}
	}
}
