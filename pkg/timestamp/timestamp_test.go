package timestamp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnixMs(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, int(250*time.Millisecond), time.UTC)
	ms := ToUnixMs(ts)
	assert.Equal(t, int64(1714557600250), ms)
	assert.True(t, FromUnixMs(ms).Equal(ts))
	assert.Zero(t, ToUnixMs(time.Time{}))
	assert.True(t, FromUnixMs(0).IsZero())
	assert.Equal(t, "2024-05-01T10:00:00Z", Format(ts))
	assert.Empty(t, Format(time.Time{}))
	assert.InDelta(t, time.Now().UnixMilli(), Now(), 1000)
}

func TestParseNMEA(t *testing.T) {
	got, err := ParseNMEA("230394", "123519")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC), got)

	got, err = ParseNMEA("010124", "000001.500")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 1, int(500*time.Millisecond), time.UTC), got)

	for _, tc := range [][2]string{{"", "123519"}, {"320124", "123519"}, {"011324", "1"}, {"010124", "256000"}, {"0101xx", "123519"}} {
		_, err := ParseNMEA(tc[0], tc[1])
		assert.Error(t, err, tc)
	}
}

func TestParseClock(t *testing.T) {
	day := time.Date(2024, 2, 29, 17, 0, 0, 0, time.UTC)
	got, err := ParseClock("081530.25", day)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 8, 15, 30, int(250*time.Millisecond), time.UTC), got)

	_, err = ParseClock("0815", day)
	assert.Error(t, err)
}

func TestParseCompact(t *testing.T) {
	got, err := ParseCompact("1403251212")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2014, 3, 25, 12, 12, 0, 0, time.UTC), got)

	got, err = ParseCompact("991231235959")
	require.NoError(t, err)
	assert.Equal(t, time.Date(1999, 12, 31, 23, 59, 59, 0, time.UTC), got)

	for _, s := range []string{"", "14032512", "1413251212", "14032512ab"} {
		_, err := ParseCompact(s)
		assert.Error(t, err, s)
	}
}
