package feed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark-sch/GpsdTracking/ais"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/event"
	"github.com/mark-sch/GpsdTracking/pkg/buffer"
)

// Format selects what clients receive.
type Format string

const (
	FormatAIS  Format = "ais"  // !AIVDM sentences, for chart plotters
	FormatJSON Format = "json" // one Report per line
)

const msToKnots = 3600.0 / 1852.0

// Config configures the re-broadcast listener.
type Config struct {
	Address      string `json:"address"`
	Format       Format `json:"format"`
	StaticEvery  int    `json:"static_every"` // positions between two static reports of a device
	Backlog      int    `json:"backlog"`      // lines replayed to a new client
	ClientBuffer int    `json:"client_buffer"`
	WriteTimeout int    `json:"write_timeout"` // seconds
}

func DefaultConfig() Config {
	return Config{
		Address:      ":4001",
		Format:       FormatAIS,
		StaticEvery:  20,
		Backlog:      50,
		ClientBuffer: 128,
		WriteTimeout: 10,
	}
}

func (c Config) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "address is required")
	}
	if c.Format != FormatAIS && c.Format != FormatJSON {
		return errors.WrapInvalid(fmt.Errorf("%w: format %q", errors.ErrInvalidConfig, c.Format),
			"Config", "Validate", "format must be ais or json")
	}
	if c.StaticEvery <= 0 || c.ClientBuffer <= 0 || c.Backlog < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"static_every and client_buffer must be positive")
	}
	return nil
}

// Report is the JSON line form of one AIS message. MsgType is 18 for a
// position and 24 for the static report naming the device.
type Report struct {
	MsgType  int     `json:"msgtype"`
	MMSI     uint32  `json:"mmsi"`
	Device   string  `json:"device"`
	ShipName string  `json:"shipname,omitempty"`
	Part     int     `json:"part,omitempty"`
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`
	SOG      float64 `json:"sog,omitempty"` // knots
	COG      float64 `json:"cog,omitempty"`
	Date     int64   `json:"date,omitempty"` // unix seconds
}

// MMSI maps a device id to an AIS identity. Numeric ids that fit the 30 bit
// field are used as is, anything else is hashed into the nine digit range.
func MMSI(id string) uint32 {
	if n, err := strconv.ParseUint(id, 10, 32); err == nil && n <= 999999999 {
		return uint32(n)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32() % 1000000000
}

func truncate(v, scale float64) float64 {
	return math.Trunc(v*scale) / scale
}

// Reports turns an accept event into the messages sent for it. n is the
// position count of the device before this one.
func Reports(ev event.Event, n, staticEvery int) []Report {
	if ev.Position == nil {
		return nil
	}
	mmsi := MMSI(ev.DeviceID)
	var out []Report
	if staticEvery > 0 && n%staticEvery == 0 {
		name := ev.Name
		if name == "" {
			name = ev.DeviceID
		}
		out = append(out,
			Report{MsgType: 24, MMSI: mmsi, Device: ev.DeviceID, ShipName: name, Part: 0},
			Report{MsgType: 24, MMSI: mmsi, Device: ev.DeviceID, Part: 1})
	}
	p := ev.Position
	out = append(out, Report{
		MsgType: 18,
		MMSI:    mmsi,
		Device:  ev.DeviceID,
		Lat:     truncate(p.Lat, 10000),
		Lon:     truncate(p.Lon, 10000),
		SOG:     truncate(p.Speed*msToKnots, 10),
		COG:     truncate(p.Course, 10),
		Date:    p.Time.Unix(),
	})
	return out
}

// Encode renders a report in the given format, newline terminated.
func Encode(r Report, format Format) []byte {
	if format == FormatJSON {
		line, _ := json.Marshal(r)
		return append(line, '\n')
	}
	msg := ais.Message{Type: r.MsgType, MMSI: r.MMSI}
	switch r.MsgType {
	case 18:
		msg.Lat = r.Lat
		msg.Lon = r.Lon
		msg.SOG = r.SOG
		msg.COG = r.COG
		msg.Heading = int(math.Round(r.COG)) % 360
	case 24:
		msg.Part = r.Part
		msg.ShipName = r.ShipName
		msg.CargoType = 37 // pleasure craft
	}
	sentence, ok := ais.Encode(msg)
	if !ok {
		return nil
	}
	return []byte(sentence + "\r\n")
}

type client struct {
	conn    net.Conn
	out     chan []byte
	dropped atomic.Uint64
	once    sync.Once
}

// Stats counts feed activity.
type Stats struct {
	Clients  int
	Messages uint64
	Dropped  uint64
}

// Feed re-broadcasts accepted positions to every connected TCP client.
type Feed struct {
	cfg    Config
	tls    *tls.Config
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	clients  map[*client]struct{}
	counts   map[string]int

	backlog  *buffer.Ring[[]byte]
	messages atomic.Uint64
	dropped  atomic.Uint64
	wg       sync.WaitGroup
}

// New creates a feed. tlsConfig may be nil.
func New(cfg Config, tlsConfig *tls.Config, logger *slog.Logger) (*Feed, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		cfg:     cfg,
		tls:     tlsConfig,
		logger:  logger.With("component", "feed", "format", string(cfg.Format)),
		clients: make(map[*client]struct{}),
		counts:  make(map[string]int),
	}
	if cfg.Backlog > 0 {
		f.backlog = buffer.NewRing[[]byte](cfg.Backlog)
	}
	return f, nil
}

// Listen opens the listener. Run calls it when needed.
func (f *Feed) Listen(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Feed", "Listen", "listen on "+f.cfg.Address)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", f.cfg.Address)
	if err != nil {
		return errors.WrapFatal(stderrors.Join(errors.ErrListenFailed, err), "Feed", "Listen", "listen on "+f.cfg.Address)
	}
	if f.tls != nil {
		ln = tls.NewListener(ln, f.tls)
	}
	f.listener = ln
	return nil
}

// Addr returns the listening address, nil before Listen.
func (f *Feed) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Run forwards accept events from bus until ctx ends.
func (f *Feed) Run(ctx context.Context, bus *event.Bus) error {
	if f.Addr() == nil {
		if err := f.Listen(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	ln := f.listener
	f.mu.Unlock()
	f.logger.Info("Feed listening", "address", ln.Addr().String())

	sub := bus.Subscribe(f.cfg.ClientBuffer, event.KindAccept)
	defer sub.Close()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.acceptLoop(ln)
	}()

	defer f.shutdown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			f.Broadcast(ev)
		}
	}
}

// Broadcast sends the reports of one accept event to all clients.
func (f *Feed) Broadcast(ev event.Event) {
	if ev.Position == nil {
		return
	}
	f.mu.Lock()
	n := f.counts[ev.DeviceID]
	f.counts[ev.DeviceID] = n + 1
	f.mu.Unlock()

	for _, r := range Reports(ev, n, f.cfg.StaticEvery) {
		line := Encode(r, f.cfg.Format)
		if line == nil {
			continue
		}
		f.messages.Add(1)
		f.send(line)
	}
}

// send queues line for every client. The backlog is written under the same
// lock so a joining client never sees a line twice.
func (f *Feed) send(line []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backlog != nil {
		_ = f.backlog.Write(line)
	}
	for c := range f.clients {
		select {
		case c.out <- line:
		default:
			c.dropped.Add(1)
			f.dropped.Add(1)
		}
	}
}

func (f *Feed) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !stderrors.Is(err, net.ErrClosed) {
				f.logger.Warn("Feed accept failed", "error", err)
			}
			return
		}

		c := &client{conn: conn, out: make(chan []byte, f.cfg.ClientBuffer)}
		f.mu.Lock()
		if f.backlog != nil {
			history := f.backlog.Latest(0)
			for i := len(history) - 1; i >= 0 && len(c.out) < cap(c.out); i-- {
				c.out <- history[i]
			}
		}
		f.clients[c] = struct{}{}
		f.mu.Unlock()
		f.logger.Debug("Feed client connected", "remote", conn.RemoteAddr().String())

		f.wg.Add(2)
		go f.writeLoop(c)
		go f.drain(c)
	}
}

func (f *Feed) writeLoop(c *client) {
	defer f.wg.Done()
	defer f.remove(c)

	timeout := time.Duration(f.cfg.WriteTimeout) * time.Second
	for line := range c.out {
		if timeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		if _, err := c.conn.Write(line); err != nil {
			return
		}
	}
}

// drain discards whatever the client sends and notices when it hangs up.
func (f *Feed) drain(c *client) {
	defer f.wg.Done()
	defer f.remove(c)

	buf := make([]byte, 512)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			return
		}
	}
}

func (f *Feed) remove(c *client) {
	c.once.Do(func() {
		f.mu.Lock()
		delete(f.clients, c)
		close(c.out)
		f.mu.Unlock()
		_ = c.conn.Close()
		if n := c.dropped.Load(); n > 0 {
			f.logger.Warn("Slow feed client missed messages", "remote", c.conn.RemoteAddr().String(), "dropped", n)
		}
	})
}

func (f *Feed) shutdown() {
	f.mu.Lock()
	if f.listener != nil {
		_ = f.listener.Close()
	}
	clients := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		f.remove(c)
	}
	f.wg.Wait()
	if f.backlog != nil {
		_ = f.backlog.Close()
	}
}

// Stats returns the feed counters.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{Clients: len(f.clients), Messages: f.messages.Load(), Dropped: f.dropped.Load()}
}
