package ais

import (
	"fmt"
	"math"
	"strings"

	"github.com/mark-sch/GpsdTracking/errors"
)

// Decode parses a single-fragment !AIVDM or !AIVDO sentence. It never returns an
// error; check Message.Valid. Use Parse to learn why a sentence was rejected.
func Decode(sentence string) Message {
	msg, _ := Parse(sentence)
	return msg
}

// Parse decodes a sentence and reports why it is invalid. The returned Message
// carries whatever header fields could be read even when err is non-nil.
func Parse(sentence string) (Message, error) {
	payload, err := sentencePayload(sentence)
	if err != nil {
		return Message{}, err
	}
	return DecodePayload(payload)
}

// DecodePayload decodes an already unarmored payload.
func DecodePayload(p Payload) (Message, error) {
	if p.Bits() < 38 {
		return Message{}, errors.WrapInvalid(errors.ErrInvalidData, "ais", "DecodePayload", "payload too short")
	}

	msg := Message{
		Type:   p.Int(0, 6),
		Repeat: p.Int(6, 2),
		MMSI:   uint32(p.Int(8, 30)),
	}

	switch msg.Type {
	case 1, 2, 3:
		msg.NavStatus = p.Int(38, 4)
		msg.SOG = float64(p.Int(50, 10)) / 10
		msg.Lon = float64(p.SignedInt(61, 28)) / coordScale
		msg.Lat = float64(p.SignedInt(89, 27)) / coordScale
		msg.COG = float64(p.Int(116, 12)) / 10
		msg.Heading = p.Int(128, 9)
		msg.Second = p.Int(137, 6)
		return checkPosition(msg)

	case 18:
		msg.SOG = float64(p.Int(46, 10)) / 10
		msg.Lon = float64(p.SignedInt(57, 28)) / coordScale
		msg.Lat = float64(p.SignedInt(85, 27)) / coordScale
		msg.COG = float64(p.Int(112, 12)) / 10
		msg.Heading = p.Int(124, 9)
		msg.Second = p.Int(133, 6)
		return checkPosition(msg)

	case 5:
		msg.AISVersion = p.Int(38, 2)
		if msg.AISVersion >= 2 {
			return msg, errors.WrapInvalid(errors.ErrUnsupported, "ais", "DecodePayload",
				fmt.Sprintf("type 5 version %d", msg.AISVersion))
		}
		msg.IMO = p.Int(40, 30)
		msg.CallSign = p.Str(70, 42)
		msg.ShipName = p.Str(112, 120)
		msg.CargoType = p.Int(232, 8)
		msg.Dimensions = [4]int{p.Int(240, 9), p.Int(249, 9), p.Int(258, 6), p.Int(264, 6)}
		msg.ETA = ETA{Month: p.Int(274, 4), Day: p.Int(278, 5), Hour: p.Int(283, 5), Minute: p.Int(288, 6)}
		msg.Draught = float64(p.Int(294, 8)) / 10
		msg.Destination = p.Str(302, 120)
		msg.Valid = true
		return msg, nil

	case 24:
		msg.Part = p.Int(38, 2)
		switch msg.Part {
		case 0:
			msg.ShipName = p.Str(40, 120)
		case 1:
			msg.CargoType = p.Int(40, 8)
			msg.CallSign = p.Str(90, 42)
			msg.Dimensions = [4]int{p.Int(132, 9), p.Int(141, 9), p.Int(150, 6), p.Int(156, 6)}
		default:
			return msg, errors.WrapInvalid(errors.ErrUnsupported, "ais", "DecodePayload",
				fmt.Sprintf("type 24 part %d", msg.Part))
		}
		msg.Valid = true
		return msg, nil
	}

	return msg, errors.WrapInvalid(errors.ErrUnsupported, "ais", "DecodePayload",
		fmt.Sprintf("message type %d", msg.Type))
}

func checkPosition(msg Message) (Message, error) {
	if math.Abs(msg.Lon) > 180 || math.Abs(msg.Lat) > 90 {
		return msg, errors.WrapInvalid(errors.ErrInvalidData, "ais", "DecodePayload",
			fmt.Sprintf("position out of range lat=%f lon=%f", msg.Lat, msg.Lon))
	}
	msg.Valid = true
	return msg, nil
}

// sentencePayload validates the framing of an AIVDM/AIVDO sentence and returns
// its unarmored payload.
func sentencePayload(sentence string) (Payload, error) {
	fields, err := splitSentence(sentence)
	if err != nil {
		return nil, err
	}
	if fields[1] != "1" {
		return nil, errors.WrapInvalid(errors.ErrUnsupported, "ais", "Parse", "multi-fragment sentence")
	}
	return unarmorField(fields[5])
}

// splitSentence checks the prefix and checksum of a sentence and returns its
// comma separated fields, without the checksum.
func splitSentence(sentence string) ([]string, error) {
	s := strings.TrimRight(sentence, "\r\n ")
	if !strings.HasPrefix(s, "!AIVDM") && !strings.HasPrefix(s, "!AIVDO") {
		return nil, errors.WrapInvalid(errors.ErrInvalidSentence, "ais", "Parse", "unknown sentence prefix")
	}

	body := s[1:]
	if star := strings.LastIndexByte(body, '*'); star >= 0 {
		want := strings.ToUpper(body[star+1:])
		body = body[:star]
		if len(want) >= 2 && Checksum(body) != want[:2] {
			return nil, errors.WrapInvalid(errors.ErrChecksumFailed, "ais", "Parse",
				fmt.Sprintf("checksum %s", want[:2]))
		}
	}

	fields := strings.Split(body, ",")
	if len(fields) < 6 {
		return nil, errors.WrapInvalid(errors.ErrInvalidSentence, "ais", "Parse", "too few fields")
	}
	return fields, nil
}

func unarmorField(armored string) (Payload, error) {
	p, err := Unarmor(armored)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "ais", "Parse", "unarmor payload")
	}
	return p, nil
}
