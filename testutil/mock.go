package testutil

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
)

// MockConn is an in-memory device transport.
type MockConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes []string
	closed bool
	err    error
}

// NewMockConn creates an open transport.
func NewMockConn() *MockConn {
	return &MockConn{}
}

// Write records p, or fails with the error set by FailWith.
func (c *MockConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrMockConnection
	}
	if c.err != nil {
		return 0, c.err
	}
	c.buf.Write(p)
	c.writes = append(c.writes, string(p))
	return len(p), nil
}

// Close marks the transport closed.
func (c *MockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// FailWith makes subsequent writes fail with err.
func (c *MockConn) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// String returns everything written so far.
func (c *MockConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// Writes returns the individual writes, oldest first.
func (c *MockConn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// Closed reports whether Close was called.
func (c *MockConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// BackendCall is one recorded UpdateDev call.
type BackendCall struct {
	Action device.Action
	ID     string
	Record device.Record
}

// MockBackend accepts every device unless told otherwise and keeps the
// positions it was given.
type MockBackend struct {
	mu     sync.Mutex
	calls  []BackendCall
	tracks map[string][]device.Position
	refuse map[string]bool
	names  map[string]string
	closed bool

	// Err, when set, is returned by every UpdateDev call.
	Err error
}

// NewMockBackend creates an accepting backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		tracks: make(map[string][]device.Position),
		refuse: make(map[string]bool),
		names:  make(map[string]string),
	}
}

// Refuse makes AUTH_IMEI fail for id.
func (b *MockBackend) Refuse(id string) {
	b.mu.Lock()
	b.refuse[id] = true
	b.mu.Unlock()
}

// Name sets the display name returned when id authenticates.
func (b *MockBackend) Name(id, name string) {
	b.mu.Lock()
	b.names[id] = name
	b.mu.Unlock()
}

// UpdateDev implements device.Backend.
func (b *MockBackend) UpdateDev(_ context.Context, s *device.Session, action device.Action, rec device.Record) (device.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := rec.ID
	if id == "" && s != nil {
		id = s.ID()
	}
	b.calls = append(b.calls, BackendCall{Action: action, ID: id, Record: rec})
	if b.Err != nil {
		return device.Reply{}, b.Err
	}

	switch action {
	case device.ActionAuth:
		if b.refuse[id] {
			return device.Reply{}, nil
		}
		return device.Reply{Accepted: true, Name: b.names[id]}, nil
	case device.ActionUpdatePos:
		if rec.HasFix() {
			b.tracks[id] = append(b.tracks[id], rec.Position())
		}
	}
	return device.Reply{Accepted: true}, nil
}

// LookupDev implements device.Backend.
func (b *MockBackend) LookupDev(_ context.Context, id string, count int) ([]device.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	track := b.tracks[id]
	out := make([]device.Position, 0, len(track))
	for i := len(track) - 1; i >= 0 && (count <= 0 || len(out) < count); i-- {
		out = append(out, track[i])
	}
	return out, nil
}

// Close implements device.Backend.
func (b *MockBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Calls returns the recorded UpdateDev calls.
func (b *MockBackend) Calls() []BackendCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BackendCall(nil), b.calls...)
}

// Actions returns the recorded actions of id, in call order.
func (b *MockBackend) Actions(id string) []device.Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []device.Action
	for _, c := range b.calls {
		if c.ID == id {
			out = append(out, c.Action)
		}
	}
	return out
}

// Notice is one recorded session notice.
type Notice struct {
	Device  string
	Kind    device.NoticeKind
	Details string
}

// Observer records accepted records and notices.
type Observer struct {
	mu       sync.Mutex
	accepted []device.Record
	notices  []Notice
}

// OnAccept implements device.Observer.
func (o *Observer) OnAccept(_ *device.Session, rec device.Record) {
	o.mu.Lock()
	o.accepted = append(o.accepted, rec)
	o.mu.Unlock()
}

// OnNotice implements device.Observer.
func (o *Observer) OnNotice(s *device.Session, kind device.NoticeKind, details string) {
	o.mu.Lock()
	o.notices = append(o.notices, Notice{Device: s.ID(), Kind: kind, Details: details})
	o.mu.Unlock()
}

// Accepted returns the records accepted so far.
func (o *Observer) Accepted() []device.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]device.Record(nil), o.accepted...)
}

// Notices returns the notices of the given kind, or all of them.
func (o *Observer) Notices(kinds ...device.NoticeKind) []Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Notice
	for _, n := range o.notices {
		if len(kinds) == 0 || containsKind(kinds, n.Kind) {
			out = append(out, n)
		}
	}
	return out
}

func containsKind(kinds []device.NoticeKind, k device.NoticeKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// SessionEnv bundles a session with the fakes behind it.
type SessionEnv struct {
	Session  *device.Session
	Conn     *MockConn
	Backend  *MockBackend
	Observer *Observer
	Registry *device.Registry
	Deps     *device.Deps
}

// NewSession builds a session on a MockConn. commander may be nil.
func NewSession(t testing.TB, service string, commander device.Commander) *SessionEnv {
	t.Helper()
	env := &SessionEnv{
		Conn:     NewMockConn(),
		Backend:  NewMockBackend(),
		Observer: &Observer{},
		Registry: device.NewRegistry(),
	}
	env.Deps = &device.Deps{
		Service:   service,
		Registry:  env.Registry,
		Backend:   env.Backend,
		Commander: commander,
		Observer:  env.Observer,
		Policy:    device.DefaultPolicy(),
	}
	env.Session = device.NewSession(env.Deps, env.Conn, "pipe")
	return env
}

// Login logs the session in as id and fails the test otherwise.
func (e *SessionEnv) Login(t testing.TB, id string) {
	t.Helper()
	if err := e.Session.ProcessData(context.Background(), device.Record{Cmd: device.CmdLogin, ID: id}); err != nil {
		t.Fatalf("login %s: %v", id, err)
	}
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// Common test errors
var (
	ErrMockFailed     = errors.New("mock operation failed")
	ErrMockTimeout    = errors.New("mock operation timed out")
	ErrMockConnection = errors.New("mock connection error")
)
