package worker

import "errors"

// Lifecycle and submission errors. Only ErrQueueFull is worth retrying.
var (
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrQueueFull          = errors.New("worker: shard queue full")
	ErrNilProcessor       = errors.New("worker: nil processor")
	ErrStopTimeout        = errors.New("worker: workers still busy after stop timeout")
)
