package main

import (
	"fmt"
	"math"
	"time"

	"github.com/mark-sch/GpsdTracking/ais"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/pkg/gpx"
)

const knotToMS = 1852.0 / 3600.0

// Protocol values.
const (
	ProtoRMC = "gprmc"
	ProtoAIS = "aivdm"
)

// Options describe the simulated device.
type Options struct {
	Proto    string
	Class    string // AIS class, A or B
	MMSI     uint32
	Speed    float64       // knots
	Tick     time.Duration // between two fixes
	ShipName string
	CallSign string
	Cargo    int
	Length   int // metres
	Width    int // metres
}

func (o Options) Validate() error {
	switch o.Proto {
	case ProtoRMC, ProtoAIS:
	default:
		return fmt.Errorf("proto must be %s or %s, got %q", ProtoRMC, ProtoAIS, o.Proto)
	}
	if o.Class != "A" && o.Class != "B" {
		return fmt.Errorf("class must be A or B, got %q", o.Class)
	}
	if o.Speed <= 0 || o.Tick <= 0 {
		return fmt.Errorf("speed and tick must be positive")
	}
	if o.MMSI == 0 || o.MMSI > 999999999 {
		return fmt.Errorf("mmsi must have at most nine digits")
	}
	return nil
}

// Fix is one simulated position. Segment is the index of the route leg.
type Fix struct {
	Lat     float64
	Lon     float64
	SOG     float64 // knots
	COG     float64
	Segment int
}

// Interpolate walks the route at speed knots, one fix per tick, and returns
// every fix in order. The final waypoint is always included.
func Interpolate(route []gpx.Point, speed float64, tick time.Duration) []Fix {
	if len(route) == 0 {
		return nil
	}
	step := speed * knotToMS * tick.Seconds() // metres per tick
	var out []Fix
	for i := 0; i+1 < len(route); i++ {
		a := device.Position{Lat: route[i].Lat, Lon: route[i].Lon}
		b := device.Position{Lat: route[i+1].Lat, Lon: route[i+1].Lon}
		course := bearing(a, b)
		n := int(math.Round(device.Distance(a, b) / step))
		if n < 1 {
			n = 1
		}
		for j := 0; j < n; j++ {
			frac := float64(j) / float64(n)
			out = append(out, Fix{
				Lat:     a.Lat + (b.Lat-a.Lat)*frac,
				Lon:     a.Lon + (b.Lon-a.Lon)*frac,
				SOG:     speed,
				COG:     course,
				Segment: i,
			})
		}
	}
	last := route[len(route)-1]
	out = append(out, Fix{Lat: last.Lat, Lon: last.Lon, Segment: len(route) - 1})
	return out
}

// bearing is the initial great-circle course from a to b in degrees.
func bearing(a, b device.Position) float64 {
	const rad = math.Pi / 180
	dLon := (b.Lon - a.Lon) * rad
	y := math.Sin(dLon) * math.Cos(b.Lat*rad)
	x := math.Cos(a.Lat*rad)*math.Sin(b.Lat*rad) - math.Sin(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Cos(dLon)
	deg := math.Atan2(y, x) / rad
	return math.Mod(deg+360, 360)
}

// Identify is the line a client sends first so that the nmea183 adapter
// logs the device in under the route name.
func Identify(id, name string) string {
	body := fmt.Sprintf("GPRID,%s,%s", id, name)
	return "$" + body + "*" + ais.Checksum(body) + "\r\n"
}

// RMC renders a fix as a $GPRMC sentence stamped at.
func RMC(f Fix, at time.Time) string {
	at = at.UTC()
	latH, lonH := "N", "E"
	if f.Lat < 0 {
		latH = "S"
	}
	if f.Lon < 0 {
		lonH = "W"
	}
	body := fmt.Sprintf("GPRMC,%s.00,A,%s,%s,%s,%s,%.1f,%.1f,%s,,,A",
		at.Format("150405"), degMin(math.Abs(f.Lat), 2), latH, degMin(math.Abs(f.Lon), 3), lonH,
		f.SOG, f.COG, at.Format("020106"))
	return "$" + body + "*" + ais.Checksum(body) + "\r\n"
}

// degMin formats degrees as NMEA DDMM.MMMM with width degree digits.
func degMin(v float64, width int) string {
	deg := math.Floor(v)
	minutes := (v - deg) * 60
	if math.Round(minutes*10000) >= 600000 {
		deg++
		minutes = 0
	}
	return fmt.Sprintf("%0*d%07.4f", width, int(deg), minutes)
}

// Static returns the AIS messages naming the vessel: one type 5 for class A,
// type 24 parts A and B for class B.
func Static(o Options) []ais.Message {
	dims := [4]int{0, o.Length, 0, o.Width}
	if o.Class == "A" {
		return []ais.Message{{
			Type:       5,
			MMSI:       o.MMSI,
			AISVersion: 1,
			IMO:        int(o.MMSI),
			ShipName:   o.ShipName,
			CallSign:   o.CallSign,
			CargoType:  o.Cargo,
			Dimensions: dims,
			Draught:    float64(o.Width) / 2,
		}}
	}
	return []ais.Message{
		{Type: 24, Part: 0, MMSI: o.MMSI, ShipName: o.ShipName},
		{Type: 24, Part: 1, MMSI: o.MMSI, CallSign: o.CallSign, CargoType: o.Cargo, Dimensions: dims},
	}
}

// Position returns the AIS position report of a fix: type 3 for class A,
// type 18 for class B.
func Position(o Options, f Fix) ais.Message {
	msg := ais.Message{
		Type:    18,
		MMSI:    o.MMSI,
		Lat:     f.Lat,
		Lon:     f.Lon,
		SOG:     f.SOG,
		COG:     f.COG,
		Heading: int(math.Round(f.COG)) % 360,
		Second:  60,
	}
	if o.Class == "A" {
		msg.Type = 3
	}
	return msg
}

// Sentences renders what is sent for a fix. AIS static reports go out at
// the start of every route leg.
func Sentences(o Options, f Fix, first bool, at time.Time) ([]string, error) {
	if o.Proto == ProtoRMC {
		return []string{RMC(f, at)}, nil
	}

	var msgs []ais.Message
	if first {
		msgs = append(msgs, Static(o)...)
	}
	msgs = append(msgs, Position(o, f))

	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		s, ok := ais.Encode(m)
		if !ok {
			return nil, fmt.Errorf("cannot encode AIS type %d", m.Type)
		}
		out = append(out, s+"\r\n")
	}
	return out, nil
}
