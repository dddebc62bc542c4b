package aisfeed

import (
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mark-sch/GpsdTracking/ais"
	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

// Name is the adapter name used in service configurations.
const Name = "aisfeed"

// Watch asks a gpsd server to stream raw NMEA.
const Watch = `?WATCH={"enable":true,"nmea":true}`

const (
	knot    = 1852.0 / 3600.0
	maxLine = 512

	sogNotAvailable = 102.3
	cogNotAvailable = 360
)

// Adapter consumes an AIS feed such as AISHub or a gpsd server. Every vessel
// becomes a child session of the feed: it logs in when its static report
// (type 5 or 24) is first seen and is tracked from its position reports
// (types 1, 2, 3 and 18) afterwards.
type Adapter struct {
	registry *device.Registry
	logger   *slog.Logger
	now      func() time.Time
}

var _ controller.Adapter = (*Adapter)(nil)

// New is the controller.AdapterFactory of the adapter.
func New(env controller.Env) (controller.Adapter, error) {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		registry: env.Registry,
		logger:   logger.With("adapter", Name, "service", env.Config.Name),
		now:      time.Now,
	}, nil
}

// Register adds the adapter to registry.
func Register(registry *controller.AdapterRegistry) error {
	return registry.Register(Name, New)
}

// conn is the per connection parser state.
type conn struct {
	line      bytes.Buffer
	assembler *ais.Assembler
}

// ClientConnect sends the gpsd WATCH request. Plain AIS relays ignore it.
func (a *Adapter) ClientConnect(s *device.Session) {
	s.Attach(&conn{assembler: ais.NewAssembler()})
	if err := s.Write([]byte(Watch)); err != nil {
		a.logger.Warn("WATCH request failed", "remote", s.Remote(), "error", err)
	}
}

func (a *Adapter) ClientQuit(s *device.Session) { s.Attach(nil) }

// ParseBuffer splits data into lines and decodes the AIS sentences among
// them. Lines that are not AIS, such as gpsd JSON reports, are skipped.
func (a *Adapter) ParseBuffer(s *device.Session, data []byte) []device.Record {
	c, _ := s.Attachment().(*conn)
	if c == nil {
		c = &conn{assembler: ais.NewAssembler()}
		s.Attach(c)
	}

	var out []device.Record
	for _, b := range data {
		switch b {
		case '\r':
		case '\n':
			line := strings.TrimSpace(c.line.String())
			c.line.Reset()
			if rec, ok := a.decode(c.assembler, line); ok {
				out = append(out, rec)
			}
		default:
			if c.line.Len() >= maxLine {
				c.line.Reset()
			}
			c.line.WriteByte(b)
		}
	}
	return out
}

func (a *Adapter) decode(asm *ais.Assembler, line string) (device.Record, bool) {
	if !strings.HasPrefix(line, "!AIVD") {
		return device.Record{}, false
	}

	msg, complete, err := asm.Add(line)
	if !complete {
		return device.Record{}, false
	}
	if err != nil {
		if stderrors.Is(err, errors.ErrUnsupported) || positionNotAvailable(msg) {
			return device.Record{}, false
		}
		a.logger.Debug("Invalid AIS sentence", "line", line, "error", err)
		return device.Record{Raw: line}, true
	}
	return a.record(msg, line)
}

// positionNotAvailable reports the 91/181 placeholder of vessels without fix.
func positionNotAvailable(msg ais.Message) bool {
	return msg.IsPosition() && (msg.Lat == 91 || msg.Lon == 181)
}

// record maps a decoded message to a session record.
func (a *Adapter) record(msg ais.Message, raw string) (device.Record, bool) {
	id := strconv.FormatUint(uint64(msg.MMSI), 10)

	switch {
	case msg.IsStatic():
		if s, ok := a.lookup(id); ok && s.IsLoggedIn() {
			return device.Record{}, false
		}
		return device.Record{Cmd: device.CmdLogin, ID: id, Name: strings.TrimSpace(msg.ShipName), Raw: raw}, true

	case msg.IsPosition():
		rec := device.Record{
			Cmd:  device.CmdTracker,
			ID:   id,
			Lat:  msg.Lat,
			Lon:  msg.Lon,
			Time: a.now().UTC(),
			Raw:  raw,
		}
		if msg.SOG < sogNotAvailable {
			rec.Speed = msg.SOG * knot
		}
		if msg.COG < cogNotAvailable {
			rec.Course = msg.COG
		}
		return rec, true
	}
	return device.Record{}, false
}

func (a *Adapter) lookup(id string) (*device.Session, bool) {
	if a.registry == nil {
		return nil, false
	}
	return a.registry.Get(id)
}

// SendCommand supports LOGOUT only.
func (a *Adapter) SendCommand(s *device.Session, action string, _ []string) int {
	if action == "LOGOUT" {
		s.Logout(context.Background(), "logout command")
		return 0
	}
	a.logger.Debug("AIS feed has no command", "action", action)
	return -1
}
