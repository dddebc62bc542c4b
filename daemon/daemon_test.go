package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/componentregistry"
	"github.com/mark-sch/GpsdTracking/config"
	"github.com/mark-sch/GpsdTracking/controller"
	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/output/feed"
	"github.com/mark-sch/GpsdTracking/testutil"
)

const (
	wait = 3 * time.Second
	tick = 10 * time.Millisecond
	imei = "359710043551135"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Name = "test"
	cfg.Backend.Workers = 0
	cfg.Services["nmea"] = config.ServiceConfig{
		Adapter: "nmea183",
		Mode:    controller.ModePersistentServer,
		Address: "127.0.0.1:0",
	}
	cfg.API.Address = "127.0.0.1:0"
	cfg.Metrics.Enabled = false
	cfg.Feed.Enabled = true
	cfg.Feed.Address = "127.0.0.1:0"
	cfg.Feed.Format = feed.FormatJSON
	return cfg
}

type running struct {
	d      *Daemon
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	adapters, backends, err := componentregistry.Registries()
	require.NoError(t, err)

	d, err := New(context.Background(), cfg, adapters, backends, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- d.Run(ctx) }()
	t.Cleanup(func() { r.stop(t) })

	require.Eventually(t, d.Ready, wait, tick)
	return r
}

func (r *running) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(2 * wait):
		t.Fatal("daemon did not stop")
	}
}

func (r *running) url(path string) string {
	return "http://" + r.d.APIAddr().String() + path
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestDaemonTracksDevice(t *testing.T) {
	r := start(t, testConfig())
	require.Len(t, r.d.Engines(), 1)

	feedConn, err := net.Dial("tcp", r.d.FeedAddr().String())
	require.NoError(t, err)
	defer feedConn.Close()
	require.Eventually(t, func() bool { return r.d.feed.Stats().Clients == 1 }, wait, tick)

	conn, err := net.Dial("tcp", r.d.Engines()[0].Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	_, err = fmt.Fprintf(conn, "$GPRID,%s,Boat*48\r\n", imei)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, imei)

	_, err = fmt.Fprint(conn, testutil.NMEAFrames["rmc"]+"\r\n")
	require.NoError(t, err)

	var track []device.Position
	require.Eventually(t, func() bool {
		return getJSON(t, r.url("/api/devices/"+imei+"/track?count=5"), &track) == http.StatusOK && len(track) == 1
	}, wait, tick)
	assert.InDelta(t, -37.860833, track[0].Lat, 1e-6)

	var devices []device.Info
	require.Equal(t, http.StatusOK, getJSON(t, r.url("/api/devices"), &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, imei, devices[0].ID)
	assert.Equal(t, "nmea", devices[0].Service)

	var info device.Info
	require.Equal(t, http.StatusOK, getJSON(t, r.url("/api/devices/"+imei), &info))
	assert.Equal(t, "LOGGED_IN", info.State)
	assert.Equal(t, http.StatusNotFound, getJSON(t, r.url("/api/devices/unknown"), nil))

	require.NoError(t, feedConn.SetReadDeadline(time.Now().Add(wait)))
	feedReader := bufio.NewReader(feedConn)
	var reports []feed.Report
	for len(reports) < 3 {
		line, err := feedReader.ReadBytes('\n')
		require.NoError(t, err)
		var rep feed.Report
		require.NoError(t, json.Unmarshal(line, &rep))
		reports = append(reports, rep)
	}
	assert.Equal(t, 24, reports[0].MsgType)
	assert.Equal(t, 18, reports[2].MsgType)
	assert.Equal(t, imei, reports[2].Device)

	resp, err := http.Post(r.url("/api/devices/"+imei+"/logout"), "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Eventually(t, func() bool { return r.d.Registry().Len() == 0 }, wait, tick)
}

func TestDaemonCommands(t *testing.T) {
	r := start(t, testConfig())

	post := func(body string) *http.Response {
		resp, err := http.Post(r.url("/api/commands"), "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(`{"device":"0","command":"help"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotZero(t, out["request_id"])

	assert.Equal(t, http.StatusBadRequest, post(`{"device":"0"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).StatusCode)
}

func TestDaemonHealthEndpoints(t *testing.T) {
	r := start(t, testConfig())

	resp, err := http.Get(r.url("/readyz"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(r.url("/healthz"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var services []ServiceInfo
	require.Equal(t, http.StatusOK, getJSON(t, r.url("/api/services"), &services))
	require.Len(t, services, 1)
	assert.Equal(t, "nmea183", services[0].Adapter)
	assert.Equal(t, "healthy", services[0].Health)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, r.url("/api/devices/x/track?count=zero"), nil))
	assert.True(t, r.d.Health().IsHealthy())

	var running struct {
		Name     string `json:"name"`
		Services map[string]struct {
			Adapter string `json:"adapter"`
		} `json:"services"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, r.url("/api/config"), &running))
	assert.Equal(t, "test", running.Name)
	assert.Equal(t, "nmea183", running.Services["nmea"].Adapter)
}

func TestDaemonRejectsBadConfig(t *testing.T) {
	adapters, backends, err := componentregistry.Registries()
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Backend.Type = "cassandra"
	_, err = New(context.Background(), cfg, adapters, backends, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownBackend)
	assert.True(t, errors.IsFatal(err))

	cfg = testConfig()
	svc := cfg.Services["nmea"]
	svc.Adapter = "sirf"
	cfg.Services["nmea"] = svc
	_, err = New(context.Background(), cfg, adapters, backends, nil)
	assert.ErrorIs(t, err, errors.ErrUnknownAdapter)

	_, err = New(context.Background(), nil, adapters, backends, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestDaemonListenConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig()
	svc := cfg.Services["nmea"]
	svc.Address = ln.Addr().String()
	cfg.Services["nmea"] = svc

	adapters, backends, err := componentregistry.Registries()
	require.NoError(t, err)
	d, err := New(context.Background(), cfg, adapters, backends, nil)
	require.NoError(t, err)

	err = d.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrListenFailed)
	assert.False(t, d.Ready())
}
