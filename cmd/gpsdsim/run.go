package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dolmen-go/contextio"

	"github.com/mark-sch/GpsdTracking/pkg/gpx"
	"github.com/mark-sch/GpsdTracking/pkg/retry"
)

// LoadRoute reads the route, track or waypoints of a GPX file.
func LoadRoute(ctx context.Context, path string) (name string, route []gpx.Point, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	doc, err := gpx.Read(contextio.NewReader(ctx, f))
	if err != nil {
		return "", nil, fmt.Errorf("read %s: %w", path, err)
	}
	route = doc.Route()
	if len(route) < 2 {
		return "", nil, fmt.Errorf("%s: need at least two points, found %d", path, len(route))
	}
	name = doc.Name
	if name == "" {
		name = "gpsdsim"
	}
	return name, route, nil
}

// Simulator plays the fixes of a route at the configured tick. The cursor
// survives reconnects so a client resumes where it stopped.
type Simulator struct {
	opts   Options
	name   string
	fixes  []Fix
	logger *slog.Logger
	now    func() time.Time
	wait   func(ctx context.Context, d time.Duration) error

	next int
	sent int
}

func NewSimulator(opts Options, name string, route []gpx.Point, logger *slog.Logger) (*Simulator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		opts:   opts,
		name:   name,
		fixes:  Interpolate(route, opts.Speed, opts.Tick),
		logger: logger,
		now:    time.Now,
		wait:   sleep,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Len returns the number of fixes in one pass.
func (s *Simulator) Len() int { return len(s.fixes) }

// Sent returns the number of sentences emitted so far.
func (s *Simulator) Sent() int { return s.sent }

// Rewind restarts the route.
func (s *Simulator) Rewind() { s.next = 0 }

// Play emits the remaining fixes, waiting one tick between two of them. It
// returns nil at the end of the route.
func (s *Simulator) Play(ctx context.Context, emit func(lines []string) error) error {
	for s.next < len(s.fixes) {
		f := s.fixes[s.next]
		first := s.next == 0 || s.fixes[s.next-1].Segment != f.Segment
		lines, err := Sentences(s.opts, f, first, s.now())
		if err != nil {
			return err
		}
		if err := emit(lines); err != nil {
			return err
		}
		s.sent += len(lines)
		s.next++
		s.logger.Debug("Fix sent", "index", s.next, "of", len(s.fixes), "lat", f.Lat, "lon", f.Lon)

		if s.next < len(s.fixes) {
			if err := s.wait(ctx, s.opts.Tick); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunClient connects to addr and plays the route, reconnecting after
// reconnect whenever the connection drops.
func RunClient(ctx context.Context, sim *Simulator, addr string, reconnect time.Duration, dump io.Writer) error {
	cfg := retry.Forever(reconnect)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		sim.logger.Warn("Connection lost, reconnecting", "address", addr, "attempt", attempt,
			"delay", delay.String(), "error", err)
	}
	return retry.Do(ctx, cfg, func() error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		defer conn.Close()
		sim.logger.Info("Connected", "address", addr)

		go drain(ctx, conn, sim.logger)
		if sim.opts.Proto == ProtoRMC {
			if _, err := io.WriteString(conn, Identify(fmt.Sprint(sim.opts.MMSI), sim.name)); err != nil {
				return err
			}
		}
		err = sim.Play(ctx, func(lines []string) error {
			return write(conn, dump, lines)
		})
		if err != nil && ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return err
	})
}

// drain logs whatever the server answers until the connection closes.
func drain(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	scanner := bufio.NewScanner(contextio.NewReader(ctx, conn))
	for scanner.Scan() {
		logger.Debug("Server says", "line", scanner.Text())
	}
}

func write(w io.Writer, dump io.Writer, lines []string) error {
	for _, line := range lines {
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
		if dump != nil {
			_, _ = io.WriteString(dump, line)
		}
	}
	return nil
}

// Server broadcasts the route to every connected client, as a chart plotter
// expects from a network NMEA source.
type Server struct {
	ln     net.Listener
	logger *slog.Logger

	mu      sync.Mutex
	clients map[net.Conn]struct{}
}

func Listen(ctx context.Context, addr string, logger *slog.Logger) (*Server, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, logger: logger, clients: make(map[net.Conn]struct{})}
	go s.accept(ctx)
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) accept(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !stderrors.Is(err, net.ErrClosed) {
				s.logger.Warn("Accept failed", "error", err)
			}
			return
		}
		s.logger.Info("Client connected", "remote", conn.RemoteAddr().String())
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		s.mu.Unlock()
		go func() {
			drain(ctx, conn, s.logger)
			s.drop(conn)
		}()
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Broadcast writes lines to every client, dropping those that fail.
func (s *Server) Broadcast(lines []string) error {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := write(c, nil, lines); err != nil {
			s.drop(c)
		}
	}
	return nil
}

// Close stops accepting and disconnects every client.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	for c := range s.clients {
		_ = c.Close()
	}
	s.clients = make(map[net.Conn]struct{})
	s.mu.Unlock()
	return err
}
