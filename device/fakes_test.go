package device

import (
	"context"
	"sync"
	"time"
)

type backendCall struct {
	action Action
	id     string
	rec    Record
}

type fakeBackend struct {
	mu     sync.Mutex
	calls  []backendCall
	refuse map[string]bool
	err    error
}

func (b *fakeBackend) UpdateDev(_ context.Context, s *Session, action Action, rec Record) (Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, backendCall{action: action, id: rec.ID, rec: rec})
	if b.err != nil && action != ActionAuth {
		return Reply{}, b.err
	}
	if action == ActionAuth && b.refuse[rec.ID] {
		return Reply{}, nil
	}
	return Reply{Accepted: true, Name: "dev-" + rec.ID}, nil
}

func (b *fakeBackend) LookupDev(context.Context, string, int) ([]Position, error) { return nil, nil }
func (b *fakeBackend) Close() error                                               { return nil }

func (b *fakeBackend) actions() []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Action, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.action
	}
	return out
}

type fakeObserver struct {
	mu       sync.Mutex
	accepted []Record
	notices  []NoticeKind
}

func (o *fakeObserver) OnAccept(_ *Session, rec Record) {
	o.mu.Lock()
	o.accepted = append(o.accepted, rec)
	o.mu.Unlock()
}

func (o *fakeObserver) OnNotice(_ *Session, kind NoticeKind, _ string) {
	o.mu.Lock()
	o.notices = append(o.notices, kind)
	o.mu.Unlock()
}

func (o *fakeObserver) has(kind NoticeKind) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, k := range o.notices {
		if k == kind {
			return true
		}
	}
	return false
}

type fakeCommander struct {
	mu     sync.Mutex
	sent   []string
	result int
}

func (c *fakeCommander) SendCommand(_ *Session, action string, _ []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, action)
	return c.result
}

type fakeConn struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	deps      *Deps
	backend   *fakeBackend
	observer  *fakeObserver
	commander *fakeCommander
	clock     *clock
}

func newFixture() *fixture {
	f := &fixture{
		backend:   &fakeBackend{refuse: map[string]bool{}},
		observer:  &fakeObserver{},
		commander: &fakeCommander{},
		clock:     newClock(),
	}
	f.deps = &Deps{
		Service:   "test",
		Registry:  NewRegistry(),
		Backend:   f.backend,
		Commander: f.commander,
		Observer:  f.observer,
		Policy:    DefaultPolicy(),
		Now:       f.clock.Now,
	}
	return f
}

func (f *fixture) loggedIn(id string) (*Session, *fakeConn) {
	conn := &fakeConn{}
	s := NewSession(f.deps, conn, "127.0.0.1:5000")
	if err := s.ProcessData(context.Background(), Record{Cmd: CmdLogin, ID: id}); err != nil {
		panic(err)
	}
	return s, conn
}
