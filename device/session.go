package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/metric"
)

// State is the login state of a session.
type State int

const (
	StateUnauthenticated State = iota
	StateLoginPending
	StateLoggedIn
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateLoginPending:
		return "LOGIN_PENDING"
	case StateLoggedIn:
		return "LOGGED_IN"
	case StateLoggedOut:
		return "LOGGED_OUT"
	}
	return "UNKNOWN"
}

// NoticeKind tags an informational event raised by a session.
type NoticeKind string

const (
	NoticeLoginRequest    NoticeKind = "LOGIN_REQUEST"
	NoticeDuplicateLogin  NoticeKind = "DUPLICATE_LOGIN"
	NoticeLoginRefused    NoticeKind = "LOGIN_REFUSED"
	NoticeNotLogged       NoticeKind = "NOT_LOGGED"
	NoticeSuspiciousSpeed NoticeKind = "SUSPICIOUS_SPEED"
	NoticeStopAlarm       NoticeKind = "STOP_ALARM"
	NoticeBackendError    NoticeKind = "BACKEND_ERROR"
	NoticeInvalidData     NoticeKind = "INVALID_DATA"
	NoticeLogout          NoticeKind = "LOGOUT"
	NoticeHelp            NoticeKind = "HELP"
)

// Observer receives session events. Implementations must not block.
type Observer interface {
	OnAccept(s *Session, rec Record)
	OnNotice(s *Session, kind NoticeKind, details string)
}

// alarmLimit is the number of alarm records tolerated before STOP_ALARM is sent.
const alarmLimit = 10

// Deps are shared by every session of one service.
type Deps struct {
	Service   string
	Registry  *Registry
	Backend   Backend
	Commander Commander
	Observer  Observer
	Policy    Policy
	Metrics   *metric.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Session is the live state of one device, or of one connection that has not
// identified itself yet.
type Session struct {
	uid     string
	deps    *Deps
	remote  string
	created time.Time
	logger  *slog.Logger

	mu           sync.Mutex
	id           string
	name         string
	state        State
	last         Position
	hasFix       bool
	lastAccepted time.Time
	lastSeen     time.Time
	alarmCount   int
	sensorCount  int
	messageCount int
	attachment   any

	writeMu   sync.Mutex
	transport io.WriteCloser
}

// NewSession creates an unauthenticated session. transport may be nil for
// sessions that have no socket of their own.
func NewSession(deps *Deps, transport io.WriteCloser, remote string) *Session {
	now := deps.now()
	uid := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		uid:       uid,
		deps:      deps,
		remote:    remote,
		created:   now,
		lastSeen:  now,
		transport: transport,
		logger:    logger.With("session", uid[:8]),
	}
}

func (s *Session) UID() string          { return s.uid }
func (s *Session) Service() string      { return s.deps.Service }
func (s *Session) Remote() string       { return s.remote }
func (s *Session) Policy() Policy       { return s.deps.Policy }
func (s *Session) Logger() *slog.Logger { return s.logger }

// ID returns the device identifier, empty before login.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Name returns the display name assigned at login.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsLoggedIn() bool { return s.State() == StateLoggedIn }

// LastSeen is the time of the last record of any kind.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Attach stores adapter-private state on the session.
func (s *Session) Attach(v any) {
	s.mu.Lock()
	s.attachment = v
	s.mu.Unlock()
}

// Attachment returns the value stored by Attach.
func (s *Session) Attachment() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachment
}

// Info is a point-in-time copy of a session.
type Info struct {
	UID          string    `json:"uid"`
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Service      string    `json:"service"`
	State        string    `json:"state"`
	Remote       string    `json:"remote,omitempty"`
	Position     *Position `json:"position,omitempty"`
	LastAccepted time.Time `json:"last_accepted"`
	LastSeen     time.Time `json:"last_seen"`
	Created      time.Time `json:"created"`
	Messages     int       `json:"messages"`
	Alarms       int       `json:"alarms"`
	Sensors      int       `json:"sensors"`
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		UID:          s.uid,
		ID:           s.id,
		Name:         s.name,
		Service:      s.deps.Service,
		State:        s.state.String(),
		Remote:       s.remote,
		LastAccepted: s.lastAccepted,
		LastSeen:     s.lastSeen,
		Created:      s.created,
		Messages:     s.messageCount,
		Alarms:       s.alarmCount,
		Sensors:      s.sensorCount,
	}
	if s.hasFix {
		pos := s.last
		info.Position = &pos
	}
	return info
}

// LastPosition returns the last known fix.
func (s *Session) LastPosition() (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasFix
}

// Write sends raw bytes to the device.
func (s *Session) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.transport == nil {
		return errors.WrapInvalid(errors.ErrNoTransport, "Session", "Write", "write to device")
	}
	if _, err := s.transport.Write(p); err != nil {
		return errors.WrapTransient(err, "Session", "Write", "write to device")
	}
	return nil
}

// HasTransport reports whether the session owns a socket.
func (s *Session) HasTransport() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport != nil
}

// Notice publishes an informational event for this session.
func (s *Session) Notice(kind NoticeKind, details string) {
	if s.deps.Observer != nil {
		s.deps.Observer.OnNotice(s, kind, details)
	}
}

// ProcessData applies one normalized record to the session.
func (s *Session) ProcessData(ctx context.Context, rec Record) error {
	now := s.deps.now()

	s.mu.Lock()
	s.lastSeen = now
	state := s.state
	s.mu.Unlock()

	switch rec.Cmd {
	case CmdLogin:
		return s.login(ctx, rec)
	case CmdLogout:
		s.Logout(ctx, "device request")
		return nil
	}

	if state != StateLoggedIn {
		s.Notice(NoticeNotLogged, rec.Cmd.String())
		return errors.WrapInvalid(errors.ErrNotLoggedIn, "Session", "ProcessData", rec.Cmd.String())
	}

	switch rec.Cmd {
	case CmdPing:
		return nil
	case CmdSOSAlarm, CmdSensor:
		return s.alarm(ctx, rec)
	case CmdTracker:
		return s.track(ctx, rec, now)
	}

	s.logger.Debug("Ignoring record", "cmd", rec.Cmd.String(), "raw", rec.Raw)
	return nil
}

func (s *Session) login(ctx context.Context, rec Record) error {
	s.Notice(NoticeLoginRequest, rec.ID)

	if rec.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Session", "login", "login without identifier")
	}

	s.mu.Lock()
	switch s.state {
	case StateLoggedIn, StateLoginPending:
		s.mu.Unlock()
		return nil
	case StateLoggedOut:
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Session", "login", "login on closed session")
	}
	s.id = rec.ID
	s.state = StateLoginPending
	s.mu.Unlock()

	if reg := s.deps.Registry; reg != nil {
		if prev := reg.Register(s); prev != nil {
			prev.evict()
			s.Notice(NoticeDuplicateLogin, prev.uid)
			s.logger.Info("Evicted stale session", "device", rec.ID, "stale", prev.uid)
		}
	}

	reply, err := s.backendCall(ctx, ActionAuth, rec)
	if err != nil || !reply.Accepted {
		s.mu.Lock()
		if s.state == StateLoginPending {
			s.state = StateUnauthenticated
			s.id = ""
		}
		s.mu.Unlock()
		if reg := s.deps.Registry; reg != nil {
			reg.Remove(rec.ID, s)
		}
		s.Notice(NoticeLoginRefused, rec.ID)
		if err != nil {
			return errors.Wrap(err, "Session", "login", "authenticate "+rec.ID)
		}
		return errors.WrapInvalid(errors.ErrLoginRefused, "Session", "login", "authenticate "+rec.ID)
	}

	name := reply.Name
	if name == "" {
		name = rec.Name
	}
	if name == "" {
		name = rec.ID
	}

	s.mu.Lock()
	if s.state != StateLoginPending {
		// Evicted by a newer login while the backend was answering.
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrDuplicateDevice, "Session", "login", "superseded "+rec.ID)
	}
	s.name = name
	s.state = StateLoggedIn
	s.mu.Unlock()

	s.logger.Info("Device logged in", "device", rec.ID, "name", name, "service", s.deps.Service)
	return nil
}

func (s *Session) alarm(ctx context.Context, rec Record) error {
	s.mu.Lock()
	counter := &s.alarmCount
	if rec.Cmd == CmdSensor {
		counter = &s.sensorCount
	}
	*counter++
	stop := *counter > alarmLimit
	if stop {
		*counter = 0
	}
	// Alarm fixes are forwarded but never become the filter baseline.
	s.messageCount++
	s.mu.Unlock()

	if stop {
		status := s.RequestAction("STOP_ALARM", nil)
		s.Notice(NoticeStopAlarm, fmt.Sprintf("status=%d", status))
	}

	return s.forward(ctx, rec)
}

func (s *Session) track(ctx context.Context, rec Record, now time.Time) error {
	next := rec.Position()

	s.mu.Lock()
	v := s.deps.Policy.Admit(s.last, s.lastAccepted, s.hasFix, next, now)
	if !v.Accept {
		s.mu.Unlock()
		s.logger.Debug("Position rejected", "device", s.ID(), "moved", v.Moved, "elapsed", v.Elapsed)
		if m := s.deps.Metrics; m != nil {
			m.PositionsRejected.WithLabelValues(s.deps.Service).Inc()
		}
		return nil
	}
	s.last = next
	s.hasFix = true
	s.lastAccepted = now
	s.messageCount++
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.PositionsAccepted.WithLabelValues(s.deps.Service).Inc()
	}
	if v.Suspicious {
		s.Notice(NoticeSuspiciousSpeed, fmt.Sprintf("moved=%.0fm elapsed=%s", v.Moved, v.Elapsed))
	}
	return s.forward(ctx, rec)
}

func (s *Session) forward(ctx context.Context, rec Record) error {
	if _, err := s.backendCall(ctx, ActionUpdatePos, rec); err != nil {
		s.Notice(NoticeBackendError, err.Error())
		return err
	}
	if s.deps.Observer != nil {
		s.deps.Observer.OnAccept(s, rec)
	}
	return nil
}

func (s *Session) backendCall(ctx context.Context, action Action, rec Record) (Reply, error) {
	if s.deps.Backend == nil {
		return Reply{Accepted: true}, nil
	}
	return s.deps.Backend.UpdateDev(ctx, s, action, rec)
}

// RequestAction forwards a command to the adapter owning the session.
// It returns 0 when accepted, -1 when refused and -2 when the session is not
// logged in. Sessions without a socket still reach the adapter, which refuses
// what it cannot deliver.
func (s *Session) RequestAction(action string, args []string) int {
	if !s.IsLoggedIn() || s.deps.Commander == nil {
		return -2
	}
	return s.deps.Commander.SendCommand(s, action, args)
}

// Logout ends the session. It is safe to call more than once.
func (s *Session) Logout(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.state == StateLoggedOut {
		s.mu.Unlock()
		return
	}
	wasLoggedIn := s.state == StateLoggedIn
	id := s.id
	s.state = StateLoggedOut
	s.mu.Unlock()

	if id != "" && s.deps.Registry != nil {
		s.deps.Registry.Remove(id, s)
	}
	if !wasLoggedIn {
		return
	}

	if _, err := s.backendCall(ctx, ActionLogout, Record{Cmd: CmdLogout, ID: id}); err != nil {
		s.Notice(NoticeBackendError, err.Error())
	}
	s.Notice(NoticeLogout, reason)
	s.logger.Info("Device logged out", "device", id, "reason", reason)
}

// Disconnect logs the session out and closes its transport.
func (s *Session) Disconnect(ctx context.Context, reason string) {
	s.Logout(ctx, reason)
	s.closeTransport()
}

// evict marks a session replaced by a newer login of the same device. The
// backend is not told: the device itself is still online.
func (s *Session) evict() {
	s.mu.Lock()
	s.state = StateLoggedOut
	s.mu.Unlock()
	s.closeTransport()
}

func (s *Session) closeTransport() {
	s.writeMu.Lock()
	t := s.transport
	s.writeMu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}
