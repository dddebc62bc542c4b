package metric

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mark-sch/GpsdTracking/errors"
)

// Server is the daemon's HTTP surface. It always exposes /metrics and /health;
// the API and the websocket event stream are mounted on it with Handle.
type Server struct {
	addr     string
	path     string
	registry *MetricsRegistry
	health   http.Handler
	tls      *tls.Config

	mu       sync.Mutex
	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHealthHandler replaces the static /health responder.
func WithHealthHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithTLS serves HTTPS with the given configuration.
func WithTLS(cfg *tls.Config) ServerOption {
	return func(s *Server) { s.tls = cfg }
}

// NewServer creates a metrics server listening on addr (":9090" when empty).
func NewServer(addr, path string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	if path == "" {
		path = "/metrics"
	}
	if addr == "" {
		addr = ":9090"
	}

	s := &Server{
		addr:     addr,
		path:     path,
		registry: registry,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle mounts an additional handler. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mux.Handle(pattern, handler)
}

// Start binds the listener and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start metrics server")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("nil registry"), "Server", "Start", "metrics registry not provided")
	}

	s.mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true}))
	if s.health != nil {
		s.mux.Handle("/health", s.health)
	} else {
		s.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrListenFailed, err), "Server", "Start",
			fmt.Sprintf("listen on %s", s.addr))
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.WrapTransient(err, "Server", "Start", "serve http")
	}
	return nil
}

// Stop closes the server. It is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	err := s.server.Close()
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "close http server")
	}
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}
