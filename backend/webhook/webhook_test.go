package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type endpoint struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
}

func (e *endpoint) handler(answer func(p Payload) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		e.mu.Lock()
		e.payloads = append(e.payloads, p)
		e.headers = append(e.headers, r.Header.Clone())
		e.mu.Unlock()

		status, body := answer(p)
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}
}

func open(t *testing.T, url string, mutate func(*Config)) *Backend {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Headers = map[string]string{"Authorization": "Bearer secret"}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := Open(cfg, nil, func() time.Time { return start })
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDelivery(t *testing.T) {
	e := &endpoint{}
	srv := httptest.NewServer(e.handler(func(Payload) (int, any) { return http.StatusNoContent, nil }))
	defer srv.Close()
	b := open(t, srv.URL, nil)
	ctx := context.Background()

	reply, err := b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "42", Name: "PROGUY"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)

	reply, err = b.UpdateDev(ctx, nil, device.ActionUpdatePos, device.Record{
		Cmd: device.CmdTracker, ID: "42", Lat: 47.5, Lon: -3.1, Speed: 5, Time: start.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)

	_, err = b.UpdateDev(ctx, nil, device.ActionLogout, device.Record{ID: "42"})
	require.NoError(t, err)

	require.Len(t, e.payloads, 3)
	assert.Equal(t, device.ActionAuth, e.payloads[0].Action)
	assert.Equal(t, "PROGUY", e.payloads[0].Name)
	assert.Nil(t, e.payloads[0].Position)
	require.NotNil(t, e.payloads[1].Position)
	assert.Equal(t, 47.5, e.payloads[1].Position.Lat)
	assert.Equal(t, start.Add(time.Minute), e.payloads[1].Position.Time)
	assert.Equal(t, device.ActionLogout, e.payloads[2].Action)
	assert.Equal(t, "Bearer secret", e.headers[0].Get("Authorization"))
	assert.Equal(t, "application/json", e.headers[0].Get("Content-Type"))

	track, err := b.LookupDev(ctx, "42", 5)
	require.NoError(t, err)
	require.Len(t, track, 1)
	assert.Equal(t, 47.5, track[0].Lat)
	assert.Equal(t, Stats{Sent: 3}, b.Stats())
}

func TestAuthorize(t *testing.T) {
	e := &endpoint{}
	srv := httptest.NewServer(e.handler(func(p Payload) (int, any) {
		if p.ID == "42" {
			return http.StatusOK, Verdict{Accepted: true, Name: "truck"}
		}
		return http.StatusOK, Verdict{}
	}))
	defer srv.Close()
	b := open(t, srv.URL, func(c *Config) { c.Authorize = true })
	ctx := context.Background()

	reply, err := b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, device.Reply{Accepted: true, Name: "truck"}, reply)

	reply, err = b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "43"})
	require.NoError(t, err)
	assert.False(t, reply.Accepted)

	reply, err = b.UpdateDev(ctx, nil, device.ActionUpdatePos, device.Record{Cmd: device.CmdTracker, ID: "43", Lat: 1, Lon: 1})
	require.NoError(t, err)
	assert.False(t, reply.Accepted, "refused device has no track")
}

func TestRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	b := open(t, srv.URL, nil)

	reply, err := b.UpdateDev(context.Background(), nil, device.ActionAuth, device.Record{ID: "42"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, Stats{Sent: 1, Retried: 2}, b.Stats())
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	b := open(t, srv.URL, nil)

	_, err := b.UpdateDev(context.Background(), nil, device.ActionAuth, device.Record{ID: "42"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), b.Stats().Errors)
}

func TestConfig(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	for name, mutate := range map[string]func(*Config){
		"no url":       func(c *Config) { c.URL = "" },
		"relative url": func(c *Config) { c.URL = "/gpsd" },
		"timeout":      func(c *Config) { c.Timeout = 301 },
		"retries":      func(c *Config) { c.RetryCount = 11 },
		"track":        func(c *Config) { c.TrackSize = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
