package ais

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/errors"
)

func TestDecode_ClassBPosition(t *testing.T) {
	msg := Decode("!AIVDM,1,1,,B,B69>7mh0?J<:>05B0`0e;wq2PHI8,0*3D")

	require.True(t, msg.Valid)
	assert.Equal(t, 18, msg.Type)
	assert.Equal(t, uint32(412321751), msg.MMSI)
	assert.InDelta(t, 122.47338666666667, msg.Lon, 1e-9)
	assert.InDelta(t, 36.91968, msg.Lat, 1e-9)
	assert.InDelta(t, 6.1, msg.SOG, 1e-9)
	assert.InDelta(t, 72.2, msg.COG, 1e-9)
	assert.Equal(t, HeadingNotAvailable, msg.Heading)
	assert.Equal(t, 50, msg.Second)
	assert.True(t, msg.IsPosition())
}

func TestDecode_StaticDataReport(t *testing.T) {
	partA := Decode("!AIVDM,1,1,,A,H42O55i18tMET00000000000000,2*6D")
	require.True(t, partA.Valid)
	assert.Equal(t, 24, partA.Type)
	assert.Equal(t, 0, partA.Part)
	assert.Equal(t, uint32(271041815), partA.MMSI)
	assert.Equal(t, "PROGUY", partA.ShipName)

	partB := Decode("!AIVDM,1,1,,A,H42O55lti4hhhilD3nink000?050,0*40")
	require.True(t, partB.Valid)
	assert.Equal(t, 1, partB.Part)
	assert.Equal(t, uint32(271041815), partB.MMSI)
	assert.Equal(t, 60, partB.CargoType)
	assert.Equal(t, "TC6163", partB.CallSign)
	assert.Equal(t, [4]int{0, 15, 0, 5}, partB.Dimensions)
	assert.Equal(t, 15, partB.Length())
	assert.Equal(t, 5, partB.Width())
	assert.True(t, partB.IsStatic())
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		sentence string
		sentinel error
	}{
		{"wrong talker", "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A", errors.ErrInvalidSentence},
		{"bad checksum", "!AIVDM,1,1,,B,B69>7mh0?J<:>05B0`0e;wq2PHI8,0*3E", errors.ErrChecksumFailed},
		{"multi fragment", "!AIVDM,2,1,3,B,55?MbV02;H;s<HtKR20EHE:0@T4@Dn2222222216L961O5Gf0NSQEp6ClRp8,0", errors.ErrUnsupported},
		{"too few fields", "!AIVDM,1,1,,B", errors.ErrInvalidSentence},
		{"bad armor", "!AIVDM,1,1,,B,B69>7mh0?J<:>05B0X0e;wq2PHI8,0", errors.ErrInvalidData},
		{"short payload", "!AIVDM,1,1,,B,B69>,0", errors.ErrInvalidData},
		{"unsupported type", "!AIVDM,1,1,,A,D02=ag0flffp,0", errors.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse(tt.sentence)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.True(t, errors.IsInvalid(err))
			assert.False(t, msg.Valid)
			assert.False(t, Decode(tt.sentence).Valid)
		})
	}
}

func TestDecode_AcceptsAIVDOWithoutChecksum(t *testing.T) {
	msg := Decode("!AIVDO,1,1,,B,B69>7mh0?J<:>05B0`0e;wq2PHI8,0\r\n")
	require.True(t, msg.Valid)
	assert.Equal(t, uint32(412321751), msg.MMSI)
}

func TestDecode_PositionOutOfRange(t *testing.T) {
	p := NewPayload(positionBits)
	p.PutInt(0, 6, 1)
	p.PutInt(8, 30, 123456789)
	p.PutInt(61, 28, 181*600000)
	p.PutInt(89, 27, 0)

	msg := Decode(Frame(p))
	assert.False(t, msg.Valid)
	assert.Equal(t, 1, msg.Type)
}

func TestPayload_SignedRoundTrip(t *testing.T) {
	for _, v := range []int{0, 1, -1, 108600000, -108600000, 54000000, -54000000} {
		p := NewPayload(168)
		p.PutInt(57, 28, v)
		assert.Equal(t, v, p.SignedInt(57, 28), "value %d", v)
	}
}

func TestPayload_IntMatchesBitConcatenation(t *testing.T) {
	const armored = "13u?etPv2;0n:dDPwUM1U1Cb069D"
	p, err := Unarmor(armored)
	require.NoError(t, err)

	var bits strings.Builder
	for i := 0; i < len(armored); i++ {
		v := int(armored[i]) - 48
		if v > 40 {
			v -= 8
		}
		fmt.Fprintf(&bits, "%06b", v)
	}
	stream := bits.String()
	require.Equal(t, p.Bits(), len(stream))

	tests := []struct{ start, length int }{
		{0, 6}, {1, 5}, {5, 2}, {7, 11}, {8, 30}, {38, 1}, {50, 10},
		{61, 28}, {89, 27}, {100, 12}, {143, 6}, {160, 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d+%d", tt.start, tt.length), func(t *testing.T) {
			want, err := strconv.ParseInt(stream[tt.start:tt.start+tt.length], 2, 64)
			require.NoError(t, err)
			assert.Equal(t, int(want), p.Int(tt.start, tt.length))
		})
	}

	for c := 0; c < 64; c++ {
		one := Payload{byte(c)}
		v := one.Int(0, 6)
		assert.Equal(t, c, v)
		assert.True(t, v >= 0 && v <= 63)
	}
}

func TestPayload_Str(t *testing.T) {
	p := NewPayload(60)
	p.PutStr(0, 60, "ab@cd")
	assert.Equal(t, "AB", p.Str(0, 60), "decoding stops at '@'")

	p = NewPayload(60)
	p.PutStr(0, 60, "GO  ")
	assert.Equal(t, "GO", p.Str(0, 60), "trailing spaces trimmed")

	p = NewPayload(30)
	assert.Equal(t, "", p.Str(0, 60), "payload shorter than field")

	p = NewPayload(24)
	p.PutStr(0, 24, "TOOLONG")
	assert.Equal(t, "TOOL", p.Str(0, 24))
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, "3D", Checksum("AIVDM,1,1,,B,B69>7mh0?J<:>05B0`0e;wq2PHI8,0"))
	assert.Equal(t, "6D", Checksum("AIVDM,1,1,,A,H42O55i18tMET00000000000000,2"))
}

func TestEncode_ExactSentence(t *testing.T) {
	s, ok := Encode(Message{
		Type: 18, MMSI: 227006760,
		Lon: 2.3508, Lat: -48.8566,
		SOG: 10.5, COG: 123.4, Heading: 120,
	})
	require.True(t, ok)
	assert.Equal(t, "!AIVDM,1,1,,A,B3HOI:00J@2d;HI0e5Q=8tN00000,0*7B", s)

	s, ok = Encode(Message{Type: 24, Part: 0, MMSI: 271041815, ShipName: "proguy"})
	require.True(t, ok)
	assert.Equal(t, "!AIVDM,1,1,,A,H42O55i18tMET00000000000000,0*6F", s)
}

func TestEncode_PayloadLengths(t *testing.T) {
	tests := []struct {
		msg   Message
		chars int
	}{
		{Message{Type: 1}, 28},
		{Message{Type: 18}, 28},
		{Message{Type: 5}, 71},
		{Message{Type: 24, Part: 0}, 27},
		{Message{Type: 24, Part: 1}, 28},
	}
	for _, tt := range tests {
		p, ok := EncodePayload(tt.msg)
		require.True(t, ok)
		assert.Len(t, p, tt.chars, "type %d part %d", tt.msg.Type, tt.msg.Part)
	}
}

func TestEncode_Unsupported(t *testing.T) {
	for _, m := range []Message{{Type: 4}, {Type: 27}, {Type: 24, Part: 2}} {
		s, ok := Encode(m)
		assert.False(t, ok)
		assert.Empty(t, s)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	tests := []Message{
		{Type: 1, MMSI: 366053209, NavStatus: 5, Lon: -122.39253, Lat: 37.80835, SOG: 0.1, COG: 219.3, Heading: 221},
		{Type: 3, MMSI: 1, Lon: 179.99, Lat: -89.99, SOG: 102.2, COG: 359.9, Heading: 359},
		{Type: 18, MMSI: 412321751, Lon: 122.473387, Lat: 36.91968, SOG: 6.1, COG: 72.2, Heading: HeadingNotAvailable},
		{Type: 5, MMSI: 351759000, AISVersion: 1, IMO: 9134270, CallSign: "3FOF8", ShipName: "EVER DIADEM",
			CargoType: 70, Dimensions: [4]int{225, 70, 1, 31}, ETA: ETA{Month: 5, Day: 15, Hour: 14, Minute: 0},
			Draught: 12.2, Destination: "NEW YORK"},
		{Type: 24, Part: 0, MMSI: 271041815, ShipName: "PROGUY"},
		{Type: 24, Part: 1, MMSI: 271041815, CargoType: 60, CallSign: "TC6163", Dimensions: [4]int{0, 15, 0, 5}},
	}

	opts := cmp.Options{
		cmpopts.EquateApprox(0, 1e-6),
		cmpopts.IgnoreFields(Message{}, "Second", "Valid"),
	}

	for _, want := range tests {
		sentence, ok := Encode(want)
		require.True(t, ok)
		require.True(t, strings.HasPrefix(sentence, "!AIVDM,1,1,,A,"))

		got, err := Parse(sentence)
		require.NoError(t, err, sentence)
		assert.True(t, got.Valid)
		if want.IsPosition() {
			assert.Equal(t, SecondNotAvailable, got.Second)
		}
		if diff := cmp.Diff(want, got, opts); diff != "" {
			t.Errorf("round trip type %d mismatch (-want +got):\n%s", want.Type, diff)
		}
	}
}

func TestEncode_DraughtTenths(t *testing.T) {
	p, ok := EncodePayload(Message{Type: 5, Draught: 7.5})
	require.True(t, ok)
	assert.Equal(t, 75, p.Int(294, 8))
}
