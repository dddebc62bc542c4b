package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mark-sch/GpsdTracking/device"
)

// DefaultBuffer is the channel size used when Subscribe is given a size below 1.
const DefaultBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// channel is full loses the event and the drop is counted.
type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "event-bus"),
		now:    time.Now,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Subscription receives events on C until Close is called or the bus closes.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	ch      chan Event
	kinds   map[Kind]bool
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a subscriber for the given kinds, or for every kind
// when none are given.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, bus: b, ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		sub.once.Do(func() {})
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Dropped returns the number of events this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(k Kind) bool {
	return s.kinds == nil || s.kinds[k]
}

// Publish stamps ev with a uid and time when missing and delivers it.
func (b *Bus) Publish(ev Event) {
	if ev.UID == "" {
		ev.UID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for sub := range b.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// OnAccept publishes an accept event for a record taken by a session.
func (b *Bus) OnAccept(s *device.Session, rec device.Record) {
	ev := Event{
		Kind:     KindAccept,
		Service:  s.Service(),
		DeviceID: s.ID(),
		Name:     s.Name(),
		Cmd:      rec.Cmd.String(),
		Alarm:    rec.Alarm,
	}
	if rec.HasFix() {
		pos := rec.Position()
		ev.Position = &pos
	}
	b.Publish(ev)
}

// OnNotice publishes a notice raised by a session.
func (b *Bus) OnNotice(s *device.Session, kind device.NoticeKind, details string) {
	b.logger.Debug("Session notice", "kind", string(kind), "device", s.ID(), "details", details)
	b.Publish(Event{
		Kind:     KindNotice,
		Service:  s.Service(),
		DeviceID: s.ID(),
		Name:     s.Name(),
		Status:   string(kind),
		Details:  details,
	})
}

// Stats reports how many events were published and dropped.
func (b *Bus) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

var _ device.Observer = (*Bus)(nil)
