package device

import (
	"time"
)

// Cmd classifies a normalized record.
type Cmd int

const (
	CmdUnknown Cmd = iota
	CmdLogin
	CmdPing
	CmdTracker
	CmdSOSAlarm
	CmdSensor
	CmdLogout
)

var cmdNames = [...]string{"UNKNOWN", "LOGIN", "PING", "TRACKER", "SOS_ALARM", "SENSOR", "LOGOUT"}

func (c Cmd) String() string {
	if c < 0 || int(c) >= len(cmdNames) {
		return "UNKNOWN"
	}
	return cmdNames[c]
}

// Record is the normalized output of a protocol adapter.
type Record struct {
	Cmd      Cmd
	ID       string // IMEI or MMSI, empty when the frame does not name the device
	Name     string
	Lat      float64
	Lon      float64
	Speed    float64 // m/s
	Course   float64 // degrees
	Altitude float64 // metres
	Time     time.Time
	Alarm    string // adapter keyword that raised the record, if any
	Raw      string
}

// HasFix reports whether the record carries coordinates.
func (r Record) HasFix() bool {
	return r.Cmd == CmdTracker || ((r.Cmd == CmdSOSAlarm || r.Cmd == CmdSensor) && (r.Lat != 0 || r.Lon != 0))
}

// Position extracts the fix carried by the record.
func (r Record) Position() Position {
	return Position{
		Lat:      r.Lat,
		Lon:      r.Lon,
		Speed:    r.Speed,
		Course:   r.Course,
		Altitude: r.Altitude,
		Time:     r.Time,
	}
}

// Position is one stored fix.
type Position struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Speed    float64   `json:"speed"`
	Course   float64   `json:"course"`
	Altitude float64   `json:"alt,omitempty"`
	Time     time.Time `json:"time"`
}
