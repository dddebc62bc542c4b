package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/event"
	"github.com/mark-sch/GpsdTracking/metric"
)

// Config holds the stream settings. Durations are seconds.
type Config struct {
	Path         string `json:"path"`
	Buffer       int    `json:"buffer"` // events queued per client
	PingInterval int    `json:"ping_interval"`
	WriteTimeout int    `json:"write_timeout"`
	ReadTimeout  int    `json:"read_timeout"`
	AllowOrigin  string `json:"allow_origin,omitempty"` // "*" accepts any origin
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		Path:         "/ws",
		Buffer:       256,
		PingInterval: 30,
		WriteTimeout: 10,
		ReadTimeout:  60,
	}
}

// Envelope frames every message in both directions.
//
// Server to client:
//   - "event": Payload is an event.Event
//   - "queued": answer to a command, Payload is {"request_id":N}
//   - "error": Payload is {"error":"..."}
//
// Client to server:
//   - "command": Payload is a CommandRequest
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"` // event uid, or echoed from the client
	Timestamp int64           `json:"timestamp"`    // unix milliseconds
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CommandRequest asks the queue to send a command. Device "0" broadcasts.
type CommandRequest struct {
	Device  string   `json:"device"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout int      `json:"timeout,omitempty"` // seconds
}

type client struct {
	conn        *websocket.Conn
	sub         *event.Subscription
	device      string // only events of this device, when set
	connectedAt time.Time
	sent        atomic.Int64
	lastPong    atomic.Value // time.Time
	closeOnce   sync.Once
	writeMu     sync.Mutex // gorilla connections allow one writer
}

// Metrics holds the stream's prometheus collectors.
type Metrics struct {
	messagesSent       *prometheus.CounterVec
	bytesSent          prometheus.Counter
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	commandsTotal      prometheus.Counter
	errorsTotal        *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpsd",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Events sent to websocket clients",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsd",
			Subsystem: "websocket",
			Name:      "bytes_sent_total",
			Help:      "Bytes sent to websocket clients",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpsd",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Currently connected clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsd",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Client connections since start",
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpsd",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Client disconnections",
		}, []string{"disconnect_reason"}),
		commandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpsd",
			Subsystem: "websocket",
			Name:      "commands_total",
			Help:      "Commands queued by websocket clients",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpsd",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Websocket stream errors",
		}, []string{"error_type"}),
	}
	registry.PrometheusRegistry().MustRegister(
		m.messagesSent,
		m.bytesSent,
		m.clientsConnected,
		m.connectionTotal,
		m.disconnectionTotal,
		m.commandsTotal,
		m.errorsTotal,
	)
	return m
}

// Stream serves bus events to websocket clients and takes commands back.
type Stream struct {
	cfg      Config
	bus      *event.Bus
	queue    controller.CommandPusher // nil disables commands
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *Metrics

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// New creates a stream over bus. queue and registry may be nil.
func New(cfg Config, bus *event.Bus, queue controller.CommandPusher, registry *metric.MetricsRegistry, logger *slog.Logger) *Stream {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stream{
		cfg:     cfg,
		bus:     bus,
		queue:   queue,
		logger:  logger.With("component", "websocket"),
		metrics: newMetrics(registry),
		clients: make(map[*websocket.Conn]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Path is where the stream should be mounted.
func (s *Stream) Path() string {
	return s.cfg.Path
}

func (s *Stream) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.AllowOrigin == "*" {
		return true
	}
	if s.cfg.AllowOrigin != "" {
		return origin == s.cfg.AllowOrigin
	}
	return strings.HasSuffix(origin, "://"+r.Host)
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Stream) countError(kind string) {
	if s.metrics != nil {
		s.metrics.errorsTotal.WithLabelValues(kind).Inc()
	}
}

// ServeHTTP upgrades the request. The query selects what the client gets:
// kinds=accept,queue limits event kinds and device=<id> a single device.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	var kinds []event.Kind
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			k := event.ParseKind(strings.TrimSpace(name))
			if k == 0 {
				http.Error(w, "unknown event kind "+name, http.StatusBadRequest)
				return
			}
			kinds = append(kinds, k)
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.countError("connection_upgrade")
		return
	}

	c := &client{
		conn:        conn,
		sub:         s.bus.Subscribe(s.cfg.Buffer, kinds...),
		device:      r.URL.Query().Get("device"),
		connectedAt: time.Now(),
	}
	c.lastPong.Store(time.Now())

	s.clientsMu.Lock()
	s.clients[conn] = c
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.metrics != nil {
		s.metrics.connectionTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}
	s.logger.Debug("Websocket client connected", "remote", r.RemoteAddr, "kinds", kinds, "device", c.device)

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.readLoop(c)
}

// writeLoop forwards subscription events until the subscription or the
// connection ends.
func (s *Stream) writeLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c, "write_closed")

	for ev := range c.sub.C {
		if c.device != "" && ev.DeviceID != c.device {
			continue
		}
		payload, _ := json.Marshal(ev)
		data, _ := json.Marshal(Envelope{Type: "event", ID: ev.UID, Timestamp: ev.Time.UnixMilli(), Payload: payload})
		if err := s.send(c, data); err != nil {
			s.countError("write")
			return
		}
		c.sent.Add(1)
		if s.metrics != nil {
			s.metrics.messagesSent.WithLabelValues(ev.Kind.String()).Inc()
			s.metrics.bytesSent.Add(float64(len(data)))
		}
	}
}

// readLoop handles pongs and client commands.
func (s *Stream) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c, "normal")

	readTimeout := time.Duration(s.cfg.ReadTimeout) * time.Second
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now())
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var in Envelope
		if err := json.Unmarshal(data, &in); err != nil {
			s.reply(c, "error", "", map[string]string{"error": "invalid envelope"})
			continue
		}
		switch in.Type {
		case "command":
			s.command(c, in)
		default:
			s.reply(c, "error", in.ID, map[string]string{"error": "unknown message type " + in.Type})
		}
	}
}

func (s *Stream) command(c *client, in Envelope) {
	if s.queue == nil {
		s.reply(c, "error", in.ID, map[string]string{"error": "commands disabled"})
		return
	}
	var req CommandRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil || req.Device == "" || req.Command == "" {
		s.reply(c, "error", in.ID, map[string]string{"error": "command needs device and command"})
		return
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	id := s.queue.Push(req.Device, strings.ToUpper(req.Command), req.Args, timeout)
	if s.metrics != nil {
		s.metrics.commandsTotal.Inc()
	}
	s.reply(c, "queued", in.ID, map[string]uint64{"request_id": id})
}

func (s *Stream) reply(c *client, kind, id string, payload any) {
	body, _ := json.Marshal(payload)
	data, _ := json.Marshal(Envelope{Type: kind, ID: id, Timestamp: time.Now().UnixMilli(), Payload: body})
	if err := s.send(c, data); err != nil {
		s.countError("write")
	}
}

func (s *Stream) send(c *client, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Duration(s.cfg.WriteTimeout) * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Stream) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		s.clientsMu.Lock()
		delete(s.clients, c.conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		c.sub.Close()
		_ = c.conn.Close()
		if s.metrics != nil {
			s.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
			s.metrics.clientsConnected.Set(float64(count))
		}
		if dropped := c.sub.Dropped(); dropped > 0 {
			s.logger.Warn("Slow websocket client missed events", "dropped", dropped)
		}
		s.logger.Debug("Websocket client gone", "reason", reason, "sent", c.sent.Load())
	})
}

// Run pings clients until ctx ends, then closes every connection.
func (s *Stream) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(s.cfg.PingInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Stream) snapshot() []*client {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Stream) pingClients() {
	for _, c := range s.snapshot() {
		c.writeMu.Lock()
		err := c.conn.WriteControl(websocket.PingMessage, nil,
			time.Now().Add(time.Duration(s.cfg.WriteTimeout)*time.Second))
		c.writeMu.Unlock()
		if err != nil {
			s.countError("ping")
			s.removeClient(c, "ping_failed")
		}
	}
}

func (s *Stream) shutdown() {
	s.closed.Store(true)
	for _, c := range s.snapshot() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon stopping"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		s.removeClient(c, "shutdown")
	}
	s.wg.Wait()
}
