package ais

import (
	"fmt"
	"strings"
)

// Payload is an AIS payload unpacked to one 6-bit value per byte.
type Payload []byte

// Bits returns the payload length in bits.
func (p Payload) Bits() int { return len(p) * 6 }

// Int reads length bits starting at bit start, most significant bit first.
// Bits past the end of the payload read as zero.
func (p Payload) Int(start, length int) int {
	v := 0
	for i := 0; i < length; i++ {
		pos := start + i
		idx := pos / 6
		v <<= 1
		if idx < len(p) && p[idx]&(1<<(5-pos%6)) != 0 {
			v |= 1
		}
	}
	return v
}

// SignedInt reads a two's complement field of length bits.
func (p Payload) SignedInt(start, length int) int {
	v := p.Int(start, length)
	if length > 0 && v&(1<<(length-1)) != 0 {
		v -= 1 << length
	}
	return v
}

// Str reads length/6 six-bit characters starting at bit start. Decoding stops at
// the '@' padding character and trailing spaces are removed. When the payload
// is too short for the field, Str returns "".
func (p Payload) Str(start, length int) string {
	if len(p) < (start+length)/6 {
		return ""
	}

	var b strings.Builder
	for i := 0; i < length/6; i++ {
		c := p.Int(start+i*6, 6)
		if c < 0x20 {
			c += 0x40
		}
		if c == 0x40 {
			break
		}
		b.WriteByte(byte(c))
	}
	return strings.TrimRight(b.String(), " ")
}

// PutInt writes the low length bits of v starting at bit start. Negative values
// are written as length-bit two's complement.
func (p Payload) PutInt(start, length, v int) {
	if length < 64 {
		v &= (1 << length) - 1
	}
	for i := 0; i < length; i++ {
		if v&(1<<i) == 0 {
			continue
		}
		pos := start + length - i - 1
		if idx := pos / 6; idx < len(p) {
			p[idx] |= 1 << (5 - pos%6)
		}
	}
}

// PutStr writes s upper-cased, at most length/6 characters.
func (p Payload) PutStr(start, length int, s string) {
	s = strings.ToUpper(s)
	n := length / 6
	if len(s) < n {
		n = len(s)
	}
	for i := 0; i < n; i++ {
		p.PutInt(start+i*6, 6, int(s[i])&0x3f)
	}
}

// NewPayload allocates a zeroed payload large enough for bits.
func NewPayload(bits int) Payload {
	return make(Payload, (bits+5)/6)
}

// Unarmor converts armored payload characters to 6-bit values.
func Unarmor(armored string) (Payload, error) {
	p := make(Payload, len(armored))
	for i := 0; i < len(armored); i++ {
		c := armored[i]
		if c < 0x30 || c > 0x77 || (c > 0x57 && c < 0x60) {
			return nil, fmt.Errorf("invalid payload character %q at %d", c, i)
		}
		c += 0x28
		if c > 0x80 {
			c += 0x20
		} else {
			c += 0x28
		}
		p[i] = c & 0x3f
	}
	return p, nil
}

// Armor converts 6-bit values back to payload characters.
func (p Payload) Armor() string {
	out := make([]byte, len(p))
	for i, v := range p {
		v &= 0x3f
		if v < 40 {
			out[i] = v + 48
		} else {
			out[i] = v + 56
		}
	}
	return string(out)
}

// Checksum is the NMEA checksum of body: the XOR of its bytes as two
// upper-case hex digits. body excludes the leading '!' or '$' and the '*'.
func Checksum(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("%02X", sum)
}
