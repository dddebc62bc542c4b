package event

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// DefaultSubjectPrefix prefixes the subjects events are published on.
const DefaultSubjectPrefix = "gpsd.events"

// Publisher is the part of natsclient.Client the sink needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Sink forwards bus events to NATS as JSON on "<prefix>.<kind>".
type Sink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewSink creates a sink. An empty prefix selects DefaultSubjectPrefix.
func NewSink(pub Publisher, prefix string, logger *slog.Logger) *Sink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{pub: pub, prefix: prefix, logger: logger.With("component", "event-sink")}
}

// Subject returns the subject an event of kind k is published on.
func (s *Sink) Subject(k Kind) string { return s.prefix + "." + k.String() }

// Run forwards events from bus until ctx is done or the bus closes.
func (s *Sink) Run(ctx context.Context, bus *Bus) error {
	sub := bus.Subscribe(256)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := s.pub.Publish(ctx, s.Subject(ev.Kind), ev.JSON()); err != nil {
				s.failed.Add(1)
				s.logger.Debug("Event publish failed", "kind", ev.Kind.String(), "error", err)
				continue
			}
			s.sent.Add(1)
		}
	}
}

// Stats returns the number of forwarded and failed events.
func (s *Sink) Stats() (sent, failed uint64) { return s.sent.Load(), s.failed.Load() }
