package gps103

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/testutil"
)

const imei = "359710043551135"

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(controller.Env{Config: controller.Config{Name: "gps103"}})
	require.NoError(t, err)
	ad := a.(*Adapter)
	ad.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return ad
}

func TestParse(t *testing.T) {
	now := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		frame  string
		cmd    device.Cmd
		id     string
		alarm  string
		reply  string
		hasFix bool
	}{
		{"login", testutil.GPS103Frames["login"], device.CmdLogin, imei, "", "LOAD", false},
		{"ping", testutil.GPS103Frames["ping"], device.CmdPing, imei, "", "ON", false},
		{"tracker", testutil.GPS103Frames["tracker"], device.CmdTracker, imei, "", "", true},
		{"sos", testutil.GPS103Frames["help"], device.CmdSOSAlarm, imei, "help me", "", true},
		{"sos without fix", testutil.GPS103Frames["help-nogps"], device.CmdSOSAlarm, imei, "help me", "", false},
		{"alarm without fix", testutil.GPS103Frames["nogps"], device.CmdPing, "359586015829802", "low battery", "", false},
		{"battery alarm", testutil.GPS103Frames["battery"], device.CmdTracker, "359586015829802", "low battery", "", true},
		{"sensor", testutil.GPS103Frames["sensor"], device.CmdSensor, imei, "sensor alarm", "", true},
		{"door", testutil.GPS103Frames["door"], device.CmdTracker, "012497000419790", "door alarm", "", true},
		{"engine resumed", testutil.GPS103Frames["resume"], device.CmdTracker, "012497000419790", "kt", "", true},
		{"unknown keyword", testutil.GPS103Frames["unknown-word"], device.CmdUnknown, "", "", "", false},
		{"garbage", "hello world", device.CmdUnknown, "", "", "", false},
		{"bad login", "##,imei:12ab,A", device.CmdUnknown, "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, reply := Parse(tt.frame, now)
			assert.Equal(t, tt.cmd, rec.Cmd)
			assert.Equal(t, tt.id, rec.ID)
			assert.Equal(t, tt.alarm, rec.Alarm)
			assert.Equal(t, tt.reply, reply)
			assert.Equal(t, tt.frame, rec.Raw)
			if tt.hasFix {
				assert.NotZero(t, rec.Lat)
				assert.NotZero(t, rec.Lon)
			}
		})
	}
}

func TestParseTracker(t *testing.T) {
	rec, _ := Parse(testutil.GPS103Frames["tracker"], time.Now)

	assert.InDelta(t, 47.618460, rec.Lat, 1e-6)
	assert.InDelta(t, -2.760935, rec.Lon, 1e-6)
	assert.Equal(t, time.Date(2014, 9, 6, 21, 21, 47, 0, time.UTC), rec.Time)

	rec, _ = Parse(testutil.GPS103Frames["sensor"], time.Now)
	assert.InDelta(t, 21.21/3.6, rec.Speed, 1e-9)
	assert.Equal(t, 306.75, rec.Course)

	rec, _ = Parse(testutil.GPS103Frames["battery"], time.Now)
	assert.InDelta(t, 22.573377, rec.Lat, 1e-6)
	assert.InDelta(t, 113.905462, rec.Lon, 1e-6)
}

func TestParseUsesClockWhenDateIsMissing(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec, _ := Parse(testutil.GPS103Frames["nogps"], func() time.Time { return fixed })
	assert.Equal(t, fixed, rec.Time)
}

func TestMinute2Dec(t *testing.T) {
	v, err := Minute2Dec("4737.1024", "N")
	require.NoError(t, err)
	assert.InDelta(t, 47+37.1024/60, v, 1e-9)

	v, err = Minute2Dec("00245.6524", "W")
	require.NoError(t, err)
	assert.InDelta(t, -(2 + 45.6524/60), v, 1e-9)

	_, err = Minute2Dec("abc", "N")
	assert.Error(t, err)
	_, err = Minute2Dec("4737.1024", "X")
	assert.Error(t, err)
}

func TestParseBufferFraming(t *testing.T) {
	a := newAdapter(t)
	env := testutil.NewSession(t, "gps103", a)

	// a login split across reads, then a ping and a tracker frame in one read
	recs := a.ParseBuffer(env.Session, []byte("##,imei:3597100435"))
	assert.Empty(t, recs)
	recs = a.ParseBuffer(env.Session, []byte("51135,A;\r\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, device.CmdLogin, recs[0].Cmd)
	assert.Equal(t, "LOAD", env.Conn.String())

	recs = a.ParseBuffer(env.Session, []byte(imei+";"+testutil.GPS103Frames["tracker"]+";"))
	require.Len(t, recs, 2)
	assert.Equal(t, device.CmdPing, recs[0].Cmd)
	assert.Equal(t, device.CmdTracker, recs[1].Cmd)
	assert.Equal(t, "LOADON", env.Conn.String())
}

func TestParseBufferRejectsGarbage(t *testing.T) {
	a := newAdapter(t)
	env := testutil.NewSession(t, "gps103", a)

	recs := a.ParseBuffer(env.Session, []byte("nonsense\n"))
	require.Len(t, recs, 1)
	assert.Equal(t, device.CmdUnknown, recs[0].Cmd)
	assert.Equal(t, "Invalid GPS103 data:nonsense", env.Conn.String())

	// empty frames are skipped silently
	assert.Empty(t, a.ParseBuffer(env.Session, []byte(";;\n")))
}

func TestParseBufferDropsOversizedFrames(t *testing.T) {
	a := newAdapter(t)
	env := testutil.NewSession(t, "gps103", a)

	junk := make([]byte, maxFrame+10)
	for i := range junk {
		junk[i] = 'x'
	}
	assert.Empty(t, a.ParseBuffer(env.Session, junk))

	a.ClientQuit(env.Session)
	recs := a.ParseBuffer(env.Session, []byte(imei+";"))
	require.Len(t, recs, 1)
	assert.Equal(t, device.CmdPing, recs[0].Cmd)
}

func TestEncode(t *testing.T) {
	tests := []struct {
		action string
		args   []string
		want   string
	}{
		{"GET_POS", nil, "**,imei:" + imei + ",B;"},
		{"SET_TRACK_BY_TIME", []string{"30s"}, "**,imei:" + imei + ",C,30s;"},
		{"STOP_TRACK", nil, "**,imei:" + imei + ",D;"},
		{"STOP_ALARM", nil, "**,imei:" + imei + ",E;"},
		{"SET_BY_DISTANCE", []string{"0500m"}, "**,imei:" + imei + ",F,0500m;"},
		{"SET_SPEED_SMS", []string{"80"}, "**,imei:" + imei + ",H,080;"},
		{"SET_TIMEZONE", []string{"0"}, "**,imei:" + imei + ",I,0;"},
		{"ENGINE_OFF", nil, "**,imei:" + imei + ",J;"},
		{"GPRS_OFF", nil, "**,imei:" + imei + ",N;"},
		{"GEOFENCE", []string{"47.1", "-2.5", "47.2", "-2.4"}, "**,imei:" + imei + ",O,47.1,-2.5;47.2,-2.4;"},
		{"GET_PHOTO", nil, "**,imei:" + imei + ",V;"},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			got, err := Encode(imei, tt.action, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Encode(imei, "SET_SPEED_SMS", []string{"-5"})
	assert.Error(t, err)
	_, err = Encode(imei, "GEOFENCE", []string{"1"})
	assert.Error(t, err)
	_, err = Encode(imei, "FLY", nil)
	assert.Error(t, err)
}

func TestSendCommand(t *testing.T) {
	a := newAdapter(t)
	env := testutil.NewSession(t, "gps103", a)
	env.Login(t, imei)

	assert.Equal(t, 0, env.Session.RequestAction("GET_POS", nil))
	assert.Equal(t, "**,imei:"+imei+",B;", env.Conn.String())

	assert.Equal(t, -1, env.Session.RequestAction("SET_SPEED_SMS", []string{"-1"}))
	assert.Equal(t, -1, env.Session.RequestAction("WARP", nil))

	assert.Equal(t, 0, env.Session.RequestAction("HELP", nil))
	help := env.Observer.Notices(device.NoticeHelp)
	require.Len(t, help, 1)
	assert.Contains(t, help[0].Details, "GEOFENCE")

	assert.Equal(t, 0, env.Session.RequestAction("LOGOUT", nil))
	assert.True(t, env.Conn.Closed())
	assert.False(t, env.Session.IsLoggedIn())
	assert.Equal(t, []device.Action{device.ActionAuth, device.ActionLogout}, env.Backend.Actions(imei))
}

func TestServiceOverTCP(t *testing.T) {
	a := newAdapter(t)
	backend := testutil.NewMockBackend()
	observer := &testutil.Observer{}
	registry := device.NewRegistry()

	e, err := controller.NewEngine(controller.Config{
		Name:    "gps103",
		Adapter: Name,
		Mode:    controller.ModePersistentServer,
		Address: "127.0.0.1:0",
	}, a, controller.Deps{Registry: registry, Backend: backend, Observer: observer})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })

	conn, err := net.Dial("tcp", e.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	_, err = conn.Write([]byte(testutil.GPS103Frames["login"] + ";"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	_, err = io.ReadFull(r, reply)
	require.NoError(t, err)
	assert.Equal(t, "LOAD", string(reply))

	_, err = conn.Write([]byte(testutil.GPS103Frames["tracker"] + ";"))
	require.NoError(t, err)
	require.True(t, testutil.Eventually(t, 2*time.Second, func() bool { return len(observer.Accepted()) == 1 }))

	s, ok := registry.Get(imei)
	require.True(t, ok)
	pos, ok := s.LastPosition()
	require.True(t, ok)
	assert.InDelta(t, 47.618460, pos.Lat, 1e-6)

	assert.Equal(t, 0, s.RequestAction("GET_POS", nil))
	cmd := make([]byte, len("**,imei:"+imei+",B;"))
	_, err = io.ReadFull(r, cmd)
	require.NoError(t, err)
	assert.Equal(t, "**,imei:"+imei+",B;", string(cmd))
}
