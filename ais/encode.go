package ais

import (
	"math"
)

const (
	positionBits = 168
	type5Bits    = 422
	type24ABits  = 160
	type24BBits  = 168
)

// Encode renders msg as a single-fragment !AIVDM sentence on channel A.
// It returns false for message types it cannot encode.
func Encode(msg Message) (string, bool) {
	p, ok := EncodePayload(msg)
	if !ok {
		return "", false
	}
	return Frame(p), true
}

// Frame wraps an encoded payload in the AIVDM envelope and appends its checksum.
func Frame(p Payload) string {
	body := "AIVDM,1,1,,A," + p.Armor() + ",0"
	return "!" + body + "*" + Checksum(body)
}

// EncodePayload packs msg into a payload without armoring it.
func EncodePayload(msg Message) (Payload, bool) {
	var p Payload

	switch msg.Type {
	case 1, 2, 3:
		p = NewPayload(positionBits)
		putHeader(p, msg)
		p.PutInt(38, 4, msg.NavStatus)
		p.PutInt(50, 10, tenths(msg.SOG))
		p.PutInt(61, 28, coord(msg.Lon))
		p.PutInt(89, 27, coord(msg.Lat))
		p.PutInt(116, 12, tenths(msg.COG))
		p.PutInt(128, 9, msg.Heading)
		p.PutInt(137, 6, SecondNotAvailable)

	case 18:
		p = NewPayload(positionBits)
		putHeader(p, msg)
		p.PutInt(46, 10, tenths(msg.SOG))
		p.PutInt(57, 28, coord(msg.Lon))
		p.PutInt(85, 27, coord(msg.Lat))
		p.PutInt(112, 12, tenths(msg.COG))
		p.PutInt(124, 9, msg.Heading)
		p.PutInt(133, 6, SecondNotAvailable)

	case 5:
		p = NewPayload(type5Bits)
		putHeader(p, msg)
		p.PutInt(38, 2, 1)
		p.PutInt(40, 30, msg.IMO)
		p.PutStr(70, 42, msg.CallSign)
		p.PutStr(112, 120, msg.ShipName)
		p.PutInt(232, 8, msg.CargoType)
		putDimensions(p, 240, msg.Dimensions, 9)
		p.PutInt(274, 4, msg.ETA.Month)
		p.PutInt(278, 5, msg.ETA.Day)
		p.PutInt(283, 5, msg.ETA.Hour)
		p.PutInt(288, 6, msg.ETA.Minute)
		p.PutInt(294, 8, tenths(msg.Draught))
		p.PutStr(302, 120, msg.Destination)

	case 24:
		switch msg.Part {
		case 0:
			p = NewPayload(type24ABits)
			putHeader(p, msg)
			p.PutStr(40, 120, msg.ShipName)
		case 1:
			p = NewPayload(type24BBits)
			putHeader(p, msg)
			p.PutInt(38, 2, 1)
			p.PutInt(40, 8, msg.CargoType)
			p.PutStr(90, 42, msg.CallSign)
			putDimensions(p, 132, msg.Dimensions, 9)
		default:
			return nil, false
		}

	default:
		return nil, false
	}

	return p, true
}

func putHeader(p Payload, msg Message) {
	p.PutInt(0, 6, msg.Type)
	p.PutInt(6, 2, msg.Repeat)
	p.PutInt(8, 30, int(msg.MMSI))
}

// putDimensions writes bow and stern with width bits, port and starboard with 6.
func putDimensions(p Payload, start int, d [4]int, width int) {
	p.PutInt(start, width, d[0])
	p.PutInt(start+width, width, d[1])
	p.PutInt(start+2*width, 6, d[2])
	p.PutInt(start+2*width+6, 6, d[3])
}

func tenths(v float64) int { return int(math.Round(v * 10)) }

func coord(deg float64) int { return int(math.Round(deg * coordScale)) }
