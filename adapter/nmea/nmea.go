package nmea

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gonmea "github.com/adrianmo/go-nmea"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
)

// Name is the adapter name used in service configurations.
const Name = "nmea183"

// KnotToMS converts knots to metres per second.
const KnotToMS = 1852.0 / 3600.0

const maxLine = 512

// Commands lists the actions SendCommand understands.
var Commands = []string{"LOGOUT", "HELP"}

// Adapter reads NMEA 0183 sentences. NMEA has no device identity, so a
// connection first announces itself with the non-standard sentence
// $GPRID,<id>,<name>*cs unless the service logs the feed in itself.
type Adapter struct {
	service string
	logger  *slog.Logger
	now     func() time.Time
}

var _ controller.Adapter = (*Adapter)(nil)

// New is the controller.AdapterFactory of the adapter.
func New(env controller.Env) (controller.Adapter, error) {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		service: env.Config.Name,
		logger:  logger.With("adapter", Name, "service", env.Config.Name),
		now:     time.Now,
	}, nil
}

// Register adds the adapter to registry.
func Register(registry *controller.AdapterRegistry) error {
	return registry.Register(Name, New)
}

func (a *Adapter) ClientConnect(*device.Session) {}

func (a *Adapter) ClientQuit(s *device.Session) { s.Attach(nil) }

// ParseBuffer splits data into '\n' terminated lines, ignoring '\r'.
func (a *Adapter) ParseBuffer(s *device.Session, data []byte) []device.Record {
	buf, _ := s.Attachment().(*bytes.Buffer)
	if buf == nil {
		buf = &bytes.Buffer{}
		s.Attach(buf)
	}

	var out []device.Record
	for _, c := range data {
		switch c {
		case '\r':
		case '\n':
			line := strings.TrimSpace(buf.String())
			buf.Reset()
			if rec, ok := a.line(s, line); ok {
				out = append(out, rec)
			}
		default:
			if buf.Len() >= maxLine {
				buf.Reset()
			}
			buf.WriteByte(c)
		}
	}
	return out
}

func (a *Adapter) line(s *device.Session, line string) (device.Record, bool) {
	if line == "" {
		a.reply(s, fmt.Sprintf("gpsd-tracking: %s running\n", a.service))
		return device.Record{}, false
	}

	rec, ok := Parse(line, a.now)
	if ok && rec.Cmd == device.CmdLogin {
		a.reply(s, fmt.Sprintf("NMEA accepted imei=[%s] route=[%s]\n", rec.ID, rec.Name))
	}
	return rec, ok
}

func (a *Adapter) reply(s *device.Session, msg string) {
	if !s.HasTransport() {
		return
	}
	if err := s.Write([]byte(msg)); err != nil {
		a.logger.Debug("Reply failed", "remote", s.Remote(), "error", err)
	}
}

// Parse decodes one sentence. ok is false for well-formed sentences that carry
// nothing for a session (VTG, GSV, ...); malformed input comes back as a
// device.CmdUnknown record.
func Parse(line string, now func() time.Time) (rec device.Record, ok bool) {
	rec.Raw = line

	if isRID(line) {
		return parseRID(line)
	}

	sentence, err := gonmea.Parse(line)
	if err != nil {
		return rec, true
	}

	switch m := sentence.(type) {
	case gonmea.RMC:
		if m.Validity != gonmea.ValidRMC {
			rec.Cmd = device.CmdPing
			return rec, true
		}
		rec.Cmd = device.CmdTracker
		rec.Lat = m.Latitude
		rec.Lon = m.Longitude
		rec.Speed = m.Speed * KnotToMS
		rec.Course = m.Course
		rec.Time = stamp(m.Date, m.Time, now)
		return rec, true

	case gonmea.GGA:
		if m.FixQuality == gonmea.Invalid {
			rec.Cmd = device.CmdPing
			return rec, true
		}
		rec.Cmd = device.CmdTracker
		rec.Lat = m.Latitude
		rec.Lon = m.Longitude
		rec.Altitude = m.Altitude
		rec.Time = stamp(gonmea.Date{}, m.Time, now)
		return rec, true
	}
	return rec, false
}

// isRID reports whether line is a $xxRID login sentence.
func isRID(line string) bool {
	return len(line) > 6 && line[0] == '$' && line[3:6] == "RID"
}

func parseRID(line string) (device.Record, bool) {
	rec := device.Record{Raw: line}

	body := line[1:]
	if i := strings.IndexByte(body, '*'); i >= 0 {
		if strings.ToUpper(body[i+1:]) != gonmea.Checksum(body[:i]) {
			return rec, true
		}
		body = body[:i]
	}

	f := strings.Split(body, ",")
	if len(f) < 2 || f[1] == "" {
		return rec, true
	}
	rec.Cmd = device.CmdLogin
	rec.ID = f[1]
	if len(f) > 2 {
		rec.Name = f[2]
	}
	return rec, true
}

// stamp combines an NMEA date and clock. Sentences without a date use the
// current UTC day.
func stamp(d gonmea.Date, t gonmea.Time, now func() time.Time) time.Time {
	if !t.Valid {
		return now().UTC()
	}
	y, m, day := now().UTC().Date()
	if d.Valid {
		y, m, day = 2000+d.YY, time.Month(d.MM), d.DD
		if d.YY >= 80 {
			y = 1900 + d.YY
		}
	}
	return time.Date(y, m, day, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}

// SendCommand supports LOGOUT and HELP only.
func (a *Adapter) SendCommand(s *device.Session, action string, _ []string) int {
	switch action {
	case "LOGOUT":
		s.Disconnect(context.Background(), "logout command")
		return 0
	case "HELP":
		s.Notice(device.NoticeHelp, strings.Join(Commands, " "))
		return 0
	}
	a.logger.Debug("NMEA has no command", "action", action)
	return -1
}
