package nmea

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/testutil"
)

var fixedNow = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(controller.Env{Config: controller.Config{Name: "nmea"}})
	require.NoError(t, err)
	ad := a.(*Adapter)
	ad.now = fixedNow
	return ad
}

func TestParseRMC(t *testing.T) {
	rec, ok := Parse(testutil.NMEAFrames["rmc"], fixedNow)
	require.True(t, ok)

	assert.Equal(t, device.CmdTracker, rec.Cmd)
	assert.InDelta(t, -37.860833, rec.Lat, 1e-6)
	assert.InDelta(t, 145.122667, rec.Lon, 1e-6)
	assert.Equal(t, 360.0, rec.Course)
	assert.Zero(t, rec.Speed)
	assert.Equal(t, time.Date(1998, 9, 13, 8, 18, 36, 0, time.UTC), rec.Time)
}

func TestParseRMCSpeed(t *testing.T) {
	line := "$GPRMC,225446.00,A,4916.45,N,12311.12,W,010.0,054.7,191194,020.3,E*42"
	rec, ok := Parse(line, fixedNow)
	require.True(t, ok)
	require.Equal(t, device.CmdTracker, rec.Cmd)
	assert.InDelta(t, 10*KnotToMS, rec.Speed, 1e-9)
	assert.InDelta(t, -123.185333, rec.Lon, 1e-6)
}

func TestParseGGA(t *testing.T) {
	rec, ok := Parse(testutil.NMEAFrames["gga"], fixedNow)
	require.True(t, ok)

	assert.Equal(t, device.CmdTracker, rec.Cmd)
	assert.InDelta(t, 48.1173, rec.Lat, 1e-6)
	assert.InDelta(t, 11.516667, rec.Lon, 1e-6)
	assert.Equal(t, 545.4, rec.Altitude)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 35, 19, 0, time.UTC), rec.Time)
}

func TestParseOther(t *testing.T) {
	_, ok := Parse(testutil.NMEAFrames["vtg"], fixedNow)
	assert.False(t, ok, "VTG carries nothing for a session")

	rec, ok := Parse("$GPRMC,081836,A,3751.65,S,14507.36,E,000.0,360.0,130998,011.3,E*00", fixedNow)
	assert.True(t, ok)
	assert.Equal(t, device.CmdUnknown, rec.Cmd, "bad checksum")

	rec, ok = Parse("$GPRMC,081836,V,,,,,,,130998,,*", fixedNow)
	assert.True(t, ok)
	assert.Equal(t, device.CmdUnknown, rec.Cmd)

	rec, ok = Parse("garbage", fixedNow)
	assert.True(t, ok)
	assert.Equal(t, device.CmdUnknown, rec.Cmd)
}

func TestParseRID(t *testing.T) {
	rec, ok := Parse("$GPRID,359710043551135,Boat*48", fixedNow)
	require.True(t, ok)
	assert.Equal(t, device.CmdLogin, rec.Cmd)
	assert.Equal(t, "359710043551135", rec.ID)
	assert.Equal(t, "Boat", rec.Name)

	rec, _ = Parse("$GPRID,123456,Route Name", fixedNow)
	assert.Equal(t, device.CmdLogin, rec.Cmd)
	assert.Equal(t, "Route Name", rec.Name)

	rec, _ = Parse("$GPRID,123456,Route Name*05", fixedNow)
	assert.Equal(t, device.CmdUnknown, rec.Cmd)

	rec, _ = Parse("$GPRID,,x", fixedNow)
	assert.Equal(t, device.CmdUnknown, rec.Cmd)
}

func TestParseBuffer(t *testing.T) {
	a := newAdapter(t)
	env := testutil.NewSession(t, "nmea", a)

	input := "$GPRID,359710043551135,Boat*48\r\n" + testutil.NMEAFrames["vtg"] + "\r\n" + testutil.NMEAFrames["rmc"][:20]
	recs := a.ParseBuffer(env.Session, []byte(input))
	require.Len(t, recs, 1)
	assert.Equal(t, device.CmdLogin, recs[0].Cmd)
	assert.Equal(t, "NMEA accepted imei=[359710043551135] route=[Boat]\n", env.Conn.String())

	recs = a.ParseBuffer(env.Session, []byte(testutil.NMEAFrames["rmc"][20:]+"\n\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, device.CmdTracker, recs[0].Cmd)
	assert.Contains(t, env.Conn.String(), "gpsd-tracking: nmea running\n")

	for _, rec := range append([]device.Record{{Cmd: device.CmdLogin, ID: "359710043551135", Name: "Boat"}}, recs...) {
		require.NoError(t, env.Session.ProcessData(context.Background(), rec))
	}
	assert.Equal(t, "Boat", env.Session.Name())
	assert.Len(t, env.Observer.Accepted(), 1)
}

func TestSendCommand(t *testing.T) {
	a := newAdapter(t)
	env := testutil.NewSession(t, "nmea", a)
	env.Login(t, "42")

	assert.Equal(t, -1, env.Session.RequestAction("GET_POS", nil))
	assert.Equal(t, 0, env.Session.RequestAction("HELP", nil))
	require.Len(t, env.Observer.Notices(device.NoticeHelp), 1)
	assert.Equal(t, "LOGOUT HELP", env.Observer.Notices(device.NoticeHelp)[0].Details)

	assert.Equal(t, 0, env.Session.RequestAction("LOGOUT", nil))
	assert.True(t, env.Conn.Closed())
}
