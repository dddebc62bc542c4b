package device

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

// Distance is the great-circle distance between two fixes in whole metres.
func Distance(a, b Position) float64 {
	const rad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLon := (b.Lon - a.Lon) * rad

	h := 0.5 - math.Cos(dLat)/2 +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*(1-math.Cos(dLon))/2

	return math.Round(earthRadiusKm * 2 * math.Asin(math.Sqrt(h)) * 1000)
}

// Policy holds the per-service admission and liveness limits.
type Policy struct {
	MinDistance float64       // metres
	MaxSilence  time.Duration // accept regardless of distance after this long
	MaxSpeed    float64       // m/s, above it a fix is flagged
	IdleTimeout time.Duration // sweep sessions silent for this long; 0 disables
}

// DefaultPolicy returns the stock limits: 200 m, one hour, 55 m/s, two hours idle.
func DefaultPolicy() Policy {
	return Policy{
		MinDistance: 200,
		MaxSilence:  time.Hour,
		MaxSpeed:    55,
		IdleTimeout: 2 * time.Hour,
	}
}

// Verdict is the outcome of the admission filter.
type Verdict struct {
	Accept     bool
	Moved      float64 // metres since the last accepted fix
	Elapsed    time.Duration
	Suspicious bool // implied speed above MaxSpeed
}

// Admit applies the admission policy to a new fix. hasLast is false until the
// first fix has been accepted.
func (p Policy) Admit(last Position, lastAccepted time.Time, hasLast bool, next Position, now time.Time) Verdict {
	if !hasLast {
		return Verdict{Accept: true}
	}

	v := Verdict{
		Moved:   Distance(last, next),
		Elapsed: now.Sub(lastAccepted),
	}

	switch {
	case v.Moved >= p.MinDistance:
		v.Accept = true
	case v.Elapsed >= p.MaxSilence:
		v.Accept = true
	default:
		return v
	}

	if p.MaxSpeed > 0 && v.Elapsed > 0 && v.Moved/v.Elapsed.Seconds() > p.MaxSpeed {
		v.Suspicious = true
	}
	return v
}
