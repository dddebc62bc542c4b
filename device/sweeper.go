package device

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron"
)

// Sweeper disconnects sessions that stayed silent longer than their service's
// idle timeout.
type Sweeper struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a sweeper over registry.
func NewSweeper(registry *Registry, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: registry,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}
}

// Start schedules a sweep every minute until ctx is done or Stop is called.
func (w *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	if err := c.AddFunc("@every 1m", func() { w.Sweep(ctx) }); err != nil {
		return err
	}

	w.mu.Lock()
	if w.cron != nil {
		w.mu.Unlock()
		return nil
	}
	w.cron = c
	c.Start()
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// Stop cancels future sweeps. Only the first of concurrent callers stops the
// scheduler.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		w.cron.Stop()
		w.cron = nil
	}
}

// Sweep runs one pass and returns the number of sessions disconnected.
func (w *Sweeper) Sweep(ctx context.Context) int {
	now := w.now()
	n := 0
	for _, s := range w.registry.Snapshot() {
		idle := s.Policy().IdleTimeout
		if idle <= 0 {
			continue
		}
		if silent := now.Sub(s.LastSeen()); silent > idle {
			w.logger.Info("Disconnecting idle device", "device", s.ID(), "service", s.Service(), "silent", silent)
			s.Disconnect(ctx, "idle timeout")
			n++
		}
	}
	return n
}
