package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/event"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) statuses() []string {
	var out []string
	for _, ev := range r.snapshot() {
		out = append(out, ev.Status)
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []event.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 2*time.Millisecond)
	return r.snapshot()
}

type commander struct {
	code  int
	mu    sync.Mutex
	calls []string
}

func (c *commander) SendCommand(s *device.Session, action string, _ []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, s.ID()+":"+action)
	return c.code
}

type nopConn struct{}

func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }

func login(t *testing.T, deps *device.Deps, id string) *device.Session {
	t.Helper()
	s := device.NewSession(deps, nopConn{}, "test")
	require.NoError(t, s.ProcessData(context.Background(), device.Record{Cmd: device.CmdLogin, ID: id}))
	return s
}

func setup(t *testing.T, code int, opts ...Option) (*Queue, *device.Deps, *recorder, *commander) {
	t.Helper()
	cmd := &commander{code: code}
	deps := &device.Deps{
		Service:   "test",
		Registry:  device.NewRegistry(),
		Commander: cmd,
		Policy:    device.DefaultPolicy(),
	}
	rec := &recorder{}
	opts = append([]Option{WithPacing(0), WithRetryDelay(5 * time.Millisecond)}, opts...)
	q := New(deps.Registry, rec, opts...)
	t.Cleanup(q.Stop)
	return q, deps, rec, cmd
}

func TestQueue_PushAssignsMonotonicIDs(t *testing.T) {
	q, _, _, _ := setup(t, 0)

	a := q.Push("1", "get_pos", nil, 0)
	b := q.Push("2", "GET_POS", nil, 0)
	assert.Equal(t, uint64(1), a)
	assert.Equal(t, uint64(2), b)
	assert.Equal(t, 2, q.Pending())
}

func TestQueue_Outcomes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Status
	}{
		{"accepted", 0, StatusAccept},
		{"refused", -1, StatusRefused},
		{"unreachable", -2, StatusUnknown},
		{"other", 7, StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, deps, rec, cmd := setup(t, tt.code)
			login(t, deps, "359710041234567")

			id := q.Push("359710041234567", "GET_POS", []string{"x"}, time.Minute)
			require.NoError(t, q.Start(context.Background()))

			ev := rec.waitFor(t, 1)[0]
			assert.Equal(t, string(tt.want), ev.Status)
			assert.Equal(t, event.KindQueue, ev.Kind)
			assert.Equal(t, id, ev.RequestID)
			assert.Equal(t, "test", ev.Service)
			assert.Equal(t, []string{"x"}, ev.Args)
			assert.Equal(t, []string{"359710041234567:GET_POS"}, cmd.calls)
		})
	}
}

func TestQueue_SessionWithoutSocket(t *testing.T) {
	q, deps, rec, cmd := setup(t, 0)
	s := device.NewSession(deps, nil, "")
	require.NoError(t, s.ProcessData(context.Background(), device.Record{Cmd: device.CmdLogin, ID: "phone-1"}))
	require.False(t, s.HasTransport())

	q.Push("phone-1", "LOGOUT", nil, 0)
	require.NoError(t, q.Start(context.Background()))

	ev := rec.waitFor(t, 1)[0]
	assert.Equal(t, string(StatusAccept), ev.Status)
	assert.Equal(t, []string{"phone-1:LOGOUT"}, cmd.calls)
}

func TestQueue_NotLoggedWithoutTimeout(t *testing.T) {
	q, _, rec, _ := setup(t, 0)
	q.Push("42", "GET_POS", nil, 0)
	q.Push("43", "GET_POS", nil, 0)
	require.NoError(t, q.Start(context.Background()))

	rec.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"NOTLOG", "NOTLOG"}, rec.statuses())
}

func TestQueue_RetryUntilTimeout(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int64
	// Every reading of the clock advances it by 30s.
	clock := func() time.Time {
		n := calls.Add(1) - 1
		return base.Add(time.Duration(n) * 30 * time.Second)
	}

	q, _, rec, _ := setup(t, 0, WithClock(clock))
	q.Push("42", "GET_POS", nil, 60*time.Second)
	require.NoError(t, q.Start(context.Background()))

	events := rec.waitFor(t, 6)
	assert.Equal(t, []string{"NOTLOG", "RETRY", "NOTLOG", "RETRY", "NOTLOG", "TIMEOUT"}, rec.statuses())
	assert.Equal(t, 1, events[1].Retry)
	assert.Equal(t, 2, events[3].Retry)
	assert.Equal(t, 2, events[5].Retry)
	for _, ev := range events {
		assert.NotEqual(t, string(StatusAccept), ev.Status)
	}
}

func TestQueue_RetryFindsLateLogin(t *testing.T) {
	q, deps, rec, _ := setup(t, 0)
	q.Push("42", "GET_POS", nil, time.Minute)
	require.NoError(t, q.Start(context.Background()))

	rec.waitFor(t, 2)
	login(t, deps, "42")

	require.Eventually(t, func() bool {
		st := rec.statuses()
		return st[len(st)-1] == string(StatusAccept)
	}, 2*time.Second, 2*time.Millisecond)
}

func TestQueue_BroadcastExpandsSnapshot(t *testing.T) {
	q, deps, rec, cmd := setup(t, 0)
	for _, id := range []string{"a", "b", "c"} {
		login(t, deps, id)
	}

	parent := q.Push(Broadcast, "GET_POS", nil, 0)
	require.NoError(t, q.Start(context.Background()))

	rec.waitFor(t, 3)
	time.Sleep(20 * time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 3)

	seen := map[uint64]bool{}
	devices := map[string]bool{}
	for _, ev := range events {
		assert.Equal(t, string(StatusAccept), ev.Status)
		assert.Equal(t, parent, ev.ParentID)
		assert.NotEqual(t, parent, ev.RequestID)
		seen[ev.RequestID] = true
		devices[ev.DeviceID] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, devices)
	assert.Len(t, cmd.calls, 3)
}

func TestQueue_PacingAfterAccept(t *testing.T) {
	q, deps, rec, _ := setup(t, 0, WithPacing(60*time.Millisecond))
	login(t, deps, "a")

	q.Push("a", "GET_POS", nil, 0)
	q.Push("a", "STOP_TRACK", nil, 0)
	start := time.Now()
	require.NoError(t, q.Start(context.Background()))

	rec.waitFor(t, 2)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestQueue_PacingNotAppliedAfterRefusal(t *testing.T) {
	q, deps, rec, _ := setup(t, -1, WithPacing(time.Hour))
	login(t, deps, "a")

	q.Push("a", "GET_POS", nil, 0)
	q.Push("a", "GET_POS", nil, 0)
	require.NoError(t, q.Start(context.Background()))

	rec.waitFor(t, 2)
	assert.Equal(t, []string{"REFUSED", "REFUSED"}, rec.statuses())
}

func TestQueue_Lifecycle(t *testing.T) {
	q, _, _, _ := setup(t, 0, WithCapacity(2))
	q.Push("1", "A", nil, 0)
	q.Push("2", "B", nil, 0)
	q.Push("3", "C", nil, 0)
	assert.Equal(t, 2, q.Pending())

	require.NoError(t, q.Start(context.Background()))
	err := q.Start(context.Background())
	assert.True(t, errors.IsInvalid(err))

	q.Stop()
	q.Stop()
	q.Push("4", "D", nil, 0)
}
