package ais

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fragment splits a single-fragment sentence into count framed parts.
func fragment(t *testing.T, msg Message, seq string, count int) []string {
	t.Helper()
	p, ok := EncodePayload(msg)
	require.True(t, ok)
	armored := p.Armor()

	size := (len(armored) + count - 1) / count
	var out []string
	for i := 0; i < count; i++ {
		end := (i + 1) * size
		if end > len(armored) {
			end = len(armored)
		}
		body := fmt.Sprintf("AIVDM,%d,%d,%s,B,%s,0", count, i+1, seq, armored[i*size:end])
		out = append(out, "!"+body+"*"+Checksum(body))
	}
	return out
}

var diadem = Message{
	Type: 5, MMSI: 351759000, AISVersion: 1, IMO: 9134270, CallSign: "3FOF8", ShipName: "EVER DIADEM",
	CargoType: 70, Dimensions: [4]int{225, 70, 1, 31}, Draught: 12.2, Destination: "NEW YORK",
}

func TestAssembler_TwoFragments(t *testing.T) {
	a := NewAssembler()
	parts := fragment(t, diadem, "3", 2)

	_, complete, err := a.Add(parts[0])
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, 1, a.Pending())

	msg, complete, err := a.Add(parts[1])
	require.NoError(t, err)
	require.True(t, complete)
	assert.True(t, msg.Valid)
	assert.Equal(t, uint32(351759000), msg.MMSI)
	assert.Equal(t, "EVER DIADEM", msg.ShipName)
	assert.Equal(t, "NEW YORK", msg.Destination)
	assert.Zero(t, a.Pending())
}

func TestAssembler_SingleFragment(t *testing.T) {
	msg, complete, err := NewAssembler().Add("!AIVDM,1,1,,B,B69>7mh0?J<:>05B0`0e;wq2PHI8,0*3D")
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, 18, msg.Type)
}

func TestAssembler_InterleavedSequences(t *testing.T) {
	a := NewAssembler()
	first := fragment(t, diadem, "1", 2)
	other := diadem
	other.MMSI = 227006760
	second := fragment(t, other, "2", 2)

	for _, s := range []string{first[0], second[0], second[1]} {
		msg, complete, err := a.Add(s)
		require.NoError(t, err)
		if complete {
			assert.Equal(t, uint32(227006760), msg.MMSI)
		}
	}
	msg, complete, err := a.Add(first[1])
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, uint32(351759000), msg.MMSI)
}

func TestAssembler_RestartOnFirstFragment(t *testing.T) {
	a := NewAssembler()
	parts := fragment(t, diadem, "4", 2)

	_, _, _ = a.Add(parts[0])
	_, complete, _ := a.Add(parts[0])
	assert.False(t, complete)
	assert.Equal(t, 1, a.Pending())
}

func TestAssembler_BoundsPending(t *testing.T) {
	a := NewAssembler()
	for i := 0; i < maxPending+5; i++ {
		body := fmt.Sprintf("AIVDM,3,1,%d,B,55?M,0", i)
		_, complete, err := a.Add("!" + body + "*" + Checksum(body))
		require.NoError(t, err)
		assert.False(t, complete)
	}
	assert.Equal(t, maxPending, a.Pending())
}

func TestAssembler_Rejections(t *testing.T) {
	a := NewAssembler()
	_, complete, err := a.Add("!AIVDM,2,3,1,B,55?M,0")
	assert.Error(t, err)
	assert.True(t, complete)

	_, _, err = a.Add("$GPGGA,1,2,3,4,5")
	assert.Error(t, err)
}
