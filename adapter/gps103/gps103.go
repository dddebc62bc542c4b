package gps103

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/pkg/timestamp"
)

// Name is the adapter name used in service configurations.
const Name = "gps103"

// maxFrame bounds a pending frame; longer garbage is discarded.
const maxFrame = 1024

// Commands lists the actions SendCommand understands, in HELP order.
var Commands = []string{
	"GET_POS", "SET_TRACK_BY_TIME", "STOP_TRACK", "STOP_SOS", "STOP_ALARM",
	"SET_BY_DISTANCE", "SET_MOVE_ALARM", "SET_SPEED_SMS", "SET_TIMEZONE",
	"ENGINE_OFF", "ENGINE_ON", "ALARM_ON", "ALARM_OFF", "GPRS_OFF", "GEOFENCE",
	"GET_SDCARD", "SET_ECOMOD", "GET_PHOTO", "HELP", "LOGOUT",
}

// codes maps an action to its command letter.
var codes = map[string]string{
	"GET_POS":           "B",
	"SET_TRACK_BY_TIME": "C",
	"STOP_TRACK":        "D",
	"STOP_SOS":          "E",
	"STOP_ALARM":        "E",
	"SET_BY_DISTANCE":   "F",
	"SET_MOVE_ALARM":    "G",
	"SET_SPEED_SMS":     "H",
	"SET_TIMEZONE":      "I",
	"ENGINE_OFF":        "J",
	"ENGINE_ON":         "K",
	"ALARM_ON":          "L",
	"ALARM_OFF":         "M",
	"GPRS_OFF":          "N",
	"GEOFENCE":          "O",
	"GET_SDCARD":        "Q",
	"SET_ECOMOD":        "T",
	"GET_PHOTO":         "V",
}

// keyword classification of imei: frames.
var keywords = map[string]device.Cmd{
	"tracker":      device.CmdTracker,
	"help me":      device.CmdSOSAlarm,
	"sensor alarm": device.CmdSensor,
	"low battery":  device.CmdTracker,
	"door alarm":   device.CmdTracker,
	"acc alarm":    device.CmdTracker,
	"acc on":       device.CmdTracker,
	"acc off":      device.CmdTracker,
	"ac alarm":     device.CmdTracker,
	"move":         device.CmdTracker,
	"speed":        device.CmdTracker,
	"stockade":     device.CmdTracker,
	"it":           device.CmdTracker,
	"et":           device.CmdTracker,
	"gt":           device.CmdTracker,
	"ht":           device.CmdTracker,
	"jt":           device.CmdTracker,
	"kt":           device.CmdTracker,
	"lt":           device.CmdTracker,
	"mt":           device.CmdTracker,
}

// Adapter speaks the GPS103/TK102/TK103 text protocol.
type Adapter struct {
	logger *slog.Logger
	now    func() time.Time
}

var _ controller.Adapter = (*Adapter)(nil)

// New is the controller.AdapterFactory of the adapter.
func New(env controller.Env) (controller.Adapter, error) {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		logger: logger.With("adapter", Name, "service", env.Config.Name),
		now:    time.Now,
	}, nil
}

// Register adds the adapter to registry.
func Register(registry *controller.AdapterRegistry) error {
	return registry.Register(Name, New)
}

// ClientConnect is a no-op: GPS103 devices speak first.
func (a *Adapter) ClientConnect(*device.Session) {}

// ClientQuit drops any partial frame.
func (a *Adapter) ClientQuit(s *device.Session) { s.Attach(nil) }

// ParseBuffer splits data into frames. A frame ends with ';' or '\n'; '\r'
// is ignored. Replies required by the protocol are written immediately.
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
			continue
		case ';', '\n':
			frame := strings.TrimSpace(buf.String())
			buf.Reset()
			if rec, ok := a.frame(s, frame); ok {
				out = append(out, rec)
			}
		default:
			if buf.Len() >= maxFrame {
				a.logger.Debug("Discarding oversized frame", "remote", s.Remote())
				buf.Reset()
			}
			buf.WriteByte(c)
		}
	}
	return out
}

func (a *Adapter) frame(s *device.Session, frame string) (device.Record, bool) {
	if frame == "" {
		return device.Record{}, false
	}

	rec, reply := Parse(frame, a.now)
	if rec.Cmd == device.CmdUnknown {
		reply = "Invalid GPS103 data:" + frame
	}
	if reply != "" {
		if err := s.Write([]byte(reply)); err != nil {
			a.logger.Debug("Reply failed", "remote", s.Remote(), "error", err)
		}
	}
	return rec, true
}

// Parse decodes one frame, without its ';' terminator, and returns the reply
// the device expects, if any. Frames that do not match the grammar come back
// with device.CmdUnknown.
func Parse(frame string, now func() time.Time) (rec device.Record, reply string) {
	rec.Raw = frame

	if id, ok := strings.CutPrefix(frame, "##,imei:"); ok {
		id, _, _ = strings.Cut(id, ",")
		if !isDigits(id) {
			return rec, ""
		}
		rec.Cmd = device.CmdLogin
		rec.ID = id
		return rec, "LOAD"
	}

	if isDigits(frame) {
		rec.Cmd = device.CmdPing
		rec.ID = frame
		return rec, "ON"
	}

	body, ok := strings.CutPrefix(frame, "imei:")
	if !ok {
		return rec, ""
	}
	f := strings.Split(body, ",")
	if len(f) < 5 || !isDigits(f[0]) {
		return rec, ""
	}
	cmd, ok := keywords[f[1]]
	if !ok {
		return rec, ""
	}
	rec.ID = f[0]
	if f[1] != "tracker" {
		rec.Alarm = f[1]
	}
	rec.Time = stamp(f[2], f, now)

	switch f[4] {
	case "L":
		// no fix: alarms still count, plain tracking degrades to a ping
		if cmd == device.CmdTracker {
			cmd = device.CmdPing
		}
		rec.Cmd = cmd
		return rec, ""
	case "F":
	default:
		return device.Record{Raw: frame}, ""
	}

	if len(f) < 12 {
		return device.Record{Raw: frame}, ""
	}
	lat, err1 := Minute2Dec(f[7], f[8])
	lon, err2 := Minute2Dec(f[9], f[10])
	if err1 != nil || err2 != nil {
		return device.Record{Raw: frame}, ""
	}
	rec.Cmd = cmd
	rec.Lat = lat
	rec.Lon = lon
	if v, err := strconv.ParseFloat(f[11], 64); err == nil {
		rec.Speed = v / 3.6
	}
	if len(f) > 12 {
		if v, err := strconv.ParseFloat(f[12], 64); err == nil {
			rec.Course = v
		}
	}
	return rec, ""
}

// stamp prefers the UTC fix clock on the frame date, then the frame date,
// then the local clock.
func stamp(date string, f []string, now func() time.Time) time.Time {
	day, err := timestamp.ParseCompact(date)
	if err != nil {
		return now().UTC()
	}
	if f[4] == "F" && len(f) > 5 {
		if t, err := timestamp.ParseClock(f[5], day); err == nil {
			return t
		}
	}
	return day
}

// Minute2Dec converts a DDMM.MMMM (or DDDMM.MMMM) coordinate to signed
// decimal degrees. S and W hemispheres are negative.
func Minute2Dec(value, hemisphere string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("gps103: bad coordinate %q", value)
	}
	deg := math.Trunc(v / 100)
	dec := deg + (v-deg*100)/60
	switch hemisphere {
	case "N", "E":
	case "S", "W":
		dec = -dec
	default:
		return 0, fmt.Errorf("gps103: bad hemisphere %q", hemisphere)
	}
	return dec, nil
}

// SendCommand writes action to the device as a "**,imei:<id>,<code>[,args];"
// frame.
func (a *Adapter) SendCommand(s *device.Session, action string, args []string) int {
	switch action {
	case "LOGOUT":
		s.Disconnect(context.Background(), "logout command")
		return 0
	case "HELP":
		s.Notice(device.NoticeHelp, strings.Join(Commands, " "))
		return 0
	}

	packet, err := Encode(s.ID(), action, args)
	if err != nil {
		a.logger.Debug("Command refused", "device", s.ID(), "action", action, "error", err)
		return -1
	}
	if err := s.Write([]byte(packet)); err != nil {
		a.logger.Warn("Command write failed", "device", s.ID(), "action", action, "error", err)
		return -1
	}
	a.logger.Debug("Command sent", "device", s.ID(), "packet", packet)
	return 0
}

// Encode builds the command frame of action for device id.
func Encode(id, action string, args []string) (string, error) {
	code, ok := codes[action]
	if !ok {
		return "", fmt.Errorf("gps103: unsupported action %q", action)
	}

	switch action {
	case "SET_SPEED_SMS":
		if len(args) == 0 {
			return "", fmt.Errorf("gps103: %s needs a speed", action)
		}
		speed, err := strconv.Atoi(args[0])
		if err != nil || speed < 0 || speed > 999 {
			return "", fmt.Errorf("gps103: bad speed %q", args[0])
		}
		return fmt.Sprintf("**,imei:%s,%s,%03d;", id, code, speed), nil
	case "GEOFENCE":
		if len(args) != 4 {
			return "", fmt.Errorf("gps103: %s needs two corners", action)
		}
		return fmt.Sprintf("**,imei:%s,%s,%s,%s;%s,%s;", id, code, args[0], args[1], args[2], args[3]), nil
	case "SET_TRACK_BY_TIME", "SET_BY_DISTANCE", "SET_TIMEZONE":
		if len(args) == 0 {
			return "", fmt.Errorf("gps103: %s needs an argument", action)
		}
		return fmt.Sprintf("**,imei:%s,%s,%s;", id, code, strings.Join(args, ",")), nil
	}
	return fmt.Sprintf("**,imei:%s,%s;", id, code), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
