// Package queue serializes operator commands addressed to devices.
package queue

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/event"
	"github.com/mark-sch/GpsdTracking/metric"
	"github.com/mark-sch/GpsdTracking/pkg/buffer"
)

// Status is the outcome of one dispatch attempt.
type Status string

const (
	StatusAccept    Status = "ACCEPT"
	StatusRefused   Status = "REFUSED"
	StatusNotLogged Status = "NOTLOG"
	StatusRetry     Status = "RETRY"
	StatusTimeout   Status = "TIMEOUT"
	StatusUnknown   Status = "UNKNOWN"
)

// Broadcast addresses every live session.
const Broadcast = "0"

const (
	DefaultPacing     = 3 * time.Second
	DefaultRetryDelay = 30 * time.Second
	DefaultCapacity   = 1024
)

// Job is one queued command.
type Job struct {
	RequestID uint64
	ParentID  uint64 // request that broadcast this job, 0 otherwise
	DeviceID  string
	Command   string
	Args      []string
	Retry     int
	Timeout   time.Duration
	TimeoutAt time.Time // zero: never retried
}

// Publisher receives queue events. *event.Bus implements it.
type Publisher interface {
	Publish(ev event.Event)
}

// Queue dispatches one job at a time. A job whose device is absent is
// retried after the retry delay until its timeout elapses; an accepted
// command pauses the queue for the pacing delay.
type Queue struct {
	registry *device.Registry
	events   Publisher
	logger   *slog.Logger
	metrics  *metric.Metrics

	pacing     time.Duration
	retryDelay time.Duration
	capacity   int
	now        func() time.Time

	nextID  atomic.Uint64
	pending *buffer.Ring[*Job]
	wake    chan struct{}

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	cancel  context.CancelFunc
	stopped bool
	running atomic.Bool
	done    chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithPacing sets the pause after an accepted command.
func WithPacing(d time.Duration) Option {
	return func(q *Queue) { q.pacing = d }
}

// WithRetryDelay sets the delay before a job for an absent device is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) { q.retryDelay = d }
}

// WithClock replaces time.Now for timeout bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithCapacity bounds the number of waiting jobs.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithMetrics counts outcomes and tracks depth.
func WithMetrics(m *metric.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a stopped queue resolving devices through registry.
func New(registry *device.Registry, events Publisher, opts ...Option) *Queue {
	q := &Queue{
		registry:   registry,
		events:     events,
		logger:     slog.Default(),
		pacing:     DefaultPacing,
		retryDelay: DefaultRetryDelay,
		capacity:   DefaultCapacity,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		timers:     make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "queue")
	q.pending = buffer.NewRing[*Job](q.capacity,
		buffer.WithOverflowPolicy[*Job](buffer.DropNewest),
		buffer.WithDropCallback(func(j *Job) {
			q.logger.Warn("Command queue full, job dropped",
				"request", j.RequestID, "device", j.DeviceID, "command", j.Command)
			if q.metrics != nil {
				q.metrics.RecordError("queue", "overflow")
			}
		}))
	return q
}

// Push enqueues a command and returns its request id. A zero timeout
// disables retries for an absent device.
func (q *Queue) Push(deviceID, command string, args []string, timeout time.Duration) uint64 {
	job := &Job{
		RequestID: q.nextID.Add(1),
		DeviceID:  deviceID,
		Command:   strings.ToUpper(command),
		Args:      args,
		Timeout:   timeout,
	}
	if timeout > 0 {
		job.TimeoutAt = q.now().Add(timeout)
	}
	q.logger.Debug("Queue request", "request", job.RequestID, "device", deviceID, "command", job.Command)
	q.enqueue(job)
	return job.RequestID
}

// Pending returns the number of jobs waiting for dispatch. Jobs waiting on a
// retry timer are not counted.
func (q *Queue) Pending() int { return q.pending.Size() }

func (q *Queue) enqueue(job *Job) {
	if err := q.pending.Write(job); err != nil {
		q.logger.Debug("Job discarded", "request", job.RequestID, "error", err)
		return
	}
	q.updateDepth()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) updateDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(q.pending.Size()))
	}
}

// Start runs the dispatcher until ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Queue", "Start", "start dispatcher")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.run(ctx)
	return nil
}

// Stop halts dispatching and cancels pending retry timers. Waiting jobs are
// discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	cancel, done := q.cancel, q.done
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	q.mu.Unlock()

	_ = q.pending.Close()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		job, ok := q.pending.Read()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.updateDepth()

		if q.dispatch(job) && q.pacing > 0 {
			t := time.NewTimer(q.pacing)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// dispatch handles one job and reports whether the device accepted it.
func (q *Queue) dispatch(job *Job) bool {
	if job.DeviceID == Broadcast {
		q.expand(job)
		return false
	}

	s, ok := q.registry.Get(job.DeviceID)
	if !ok {
		q.report(StatusNotLogged, job, nil)
		if job.TimeoutAt.IsZero() {
			return false
		}
		if !q.now().After(job.TimeoutAt) {
			job.Retry++
			q.report(StatusRetry, job, nil)
			q.scheduleRetry(job)
		} else {
			q.report(StatusTimeout, job, nil)
		}
		return false
	}

	switch s.RequestAction(job.Command, job.Args) {
	case 0:
		q.report(StatusAccept, job, s)
		return true
	case -1:
		q.report(StatusRefused, job, s)
	default:
		q.report(StatusUnknown, job, s)
	}
	return false
}

// expand turns a broadcast into one job per session registered right now.
func (q *Queue) expand(job *Job) {
	ids := q.registry.IDs()
	q.logger.Info("Broadcast command", "request", job.RequestID, "command", job.Command, "devices", len(ids))

	for _, id := range ids {
		q.enqueue(&Job{
			RequestID: q.nextID.Add(1),
			ParentID:  job.RequestID,
			DeviceID:  id,
			Command:   job.Command,
			Args:      job.Args,
			Retry:     job.Retry,
			Timeout:   job.Timeout,
			TimeoutAt: job.TimeoutAt,
		})
	}
}

func (q *Queue) scheduleRetry(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(q.retryDelay, func() {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		delete(q.timers, t)
		q.mu.Unlock()
		q.enqueue(job)
	})
	q.timers[t] = struct{}{}
}

func (q *Queue) report(status Status, job *Job, s *device.Session) {
	q.logger.Debug("Queue outcome", "status", string(status), "request", job.RequestID,
		"device", job.DeviceID, "command", job.Command, "retry", job.Retry)
	if q.metrics != nil {
		q.metrics.RecordCommand(string(status))
	}
	if q.events == nil {
		return
	}

	ev := event.Event{
		Kind:      event.KindQueue,
		Status:    string(status),
		DeviceID:  job.DeviceID,
		RequestID: job.RequestID,
		ParentID:  job.ParentID,
		Command:   job.Command,
		Args:      job.Args,
		Retry:     job.Retry,
	}
	if s != nil {
		ev.Service = s.Service()
		ev.Name = s.Name()
	}
	q.events.Publish(ev)
}
