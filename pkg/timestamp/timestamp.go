// Package timestamp converts between the time formats devices send and
// time.Time, and provides Unix millisecond helpers used as storage keys.
//
// Device clocks are always UTC. Zero values mean "not set":
//
//	t, err := timestamp.ParseNMEA("230394", "123519.00") // 1994-03-23 12:35:19 UTC
//	t, err = timestamp.ParseCompact("1403251212")         // 2014-03-25 12:12 UTC
//	ms := timestamp.ToUnixMs(t)
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Now returns the current time as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts a time.Time to Unix milliseconds, 0 for the zero time.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to UTC time, zero time for 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Format renders t as RFC3339 in UTC, empty for the zero time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func digits(s string, from, to int) (int, error) {
	return strconv.Atoi(s[from:to])
}

// century maps a two digit year the way GPS receivers do: 80-99 are 19xx.
func century(yy int) int {
	if yy >= 80 {
		return 1900 + yy
	}
	return 2000 + yy
}

// ParseClock parses hhmmss[.sss] on the UTC date of day.
func ParseClock(clock string, day time.Time) (time.Time, error) {
	whole, frac, _ := strings.Cut(clock, ".")
	if len(whole) != 6 {
		return time.Time{}, fmt.Errorf("timestamp: bad clock %q", clock)
	}
	h, err1 := digits(whole, 0, 2)
	m, err2 := digits(whole, 2, 4)
	s, err3 := digits(whole, 4, 6)
	if err1 != nil || err2 != nil || err3 != nil || h > 23 || m > 59 || s > 60 {
		return time.Time{}, fmt.Errorf("timestamp: bad clock %q", clock)
	}

	var nanos int
	if frac != "" {
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: bad clock %q", clock)
		}
		nanos = int(f*1e3+0.5) * int(time.Millisecond)
	}

	y, mo, d := day.UTC().Date()
	return time.Date(y, mo, d, h, m, s, nanos, time.UTC), nil
}

// ParseNMEA combines an NMEA date (ddmmyy) and clock (hhmmss.sss).
func ParseNMEA(date, clock string) (time.Time, error) {
	if len(date) != 6 {
		return time.Time{}, fmt.Errorf("timestamp: bad date %q", date)
	}
	d, err1 := digits(date, 0, 2)
	m, err2 := digits(date, 2, 4)
	y, err3 := digits(date, 4, 6)
	if err1 != nil || err2 != nil || err3 != nil || d < 1 || d > 31 || m < 1 || m > 12 {
		return time.Time{}, fmt.Errorf("timestamp: bad date %q", date)
	}
	return ParseClock(clock, time.Date(century(y), time.Month(m), d, 0, 0, 0, 0, time.UTC))
}

// ParseCompact parses the YYMMDDhhmm[ss] stamps of TK102 class trackers.
func ParseCompact(s string) (time.Time, error) {
	if len(s) != 10 && len(s) != 12 {
		return time.Time{}, fmt.Errorf("timestamp: bad stamp %q", s)
	}
	var f [6]int
	for i := 0; i < len(s)/2; i++ {
		v, err := digits(s, 2*i, 2*i+2)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: bad stamp %q", s)
		}
		f[i] = v
	}
	if f[1] < 1 || f[1] > 12 || f[2] < 1 || f[2] > 31 || f[3] > 23 || f[4] > 59 || f[5] > 59 {
		return time.Time{}, fmt.Errorf("timestamp: bad stamp %q", s)
	}
	return time.Date(century(f[0]), time.Month(f[1]), f[2], f[3], f[4], f[5], 0, time.UTC), nil
}
