package controller

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

func (e *Engine) startHTTP(ctx context.Context) error {
	ra, ok := e.adapter.(RequestAdapter)
	if !ok {
		return errors.WrapFatal(errors.ErrUnsupported, "Engine", "Start", "adapter cannot serve HTTP")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.cfg.Address)
	if err != nil {
		e.logger.Error("Listen failed", "address", e.cfg.Address, "error", err)
		return errors.WrapFatal(stderrors.Join(errors.ErrListenFailed, err), "Engine", "Start", "listen on "+e.cfg.Address)
	}
	if e.cfg.TLS != nil {
		ln = tls.NewListener(ln, e.cfg.TLS)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(e.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 {
			e.bytes.Add(r.ContentLength)
		}
		e.lastSeen.Store(time.Now().UnixNano())
		e.connections.Add(1)
		if e.metrics != nil {
			e.metrics.ConnectionsTotal.WithLabelValues(e.cfg.Name).Inc()
		}
		ra.ServeRequest(w, r, e)
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	e.mu.Lock()
	e.listener = ln
	e.server = srv
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			e.recordError(err)
			e.logger.Error("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// Resolve returns the session of id for this service, creating and logging it
// in when absent. A login refused by the backend is returned as an error.
func (e *Engine) Resolve(ctx context.Context, id, name string) (*device.Session, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Engine", "Resolve", "missing device id")
	}
	if s, ok := e.deps.Registry.Get(id); ok && s.IsLoggedIn() && s.Service() == e.cfg.Name {
		return s, nil
	}

	s := e.newSession(nil, "http")
	login := device.Record{Cmd: device.CmdLogin, ID: id, Name: name, Time: time.Now()}
	if err := e.process(ctx, s, login); err != nil {
		return nil, err
	}
	return s, nil
}

// Process applies a record parsed from an HTTP request.
func (e *Engine) Process(ctx context.Context, s *device.Session, rec device.Record) error {
	return e.process(ctx, s, rec)
}
