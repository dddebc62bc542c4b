// Package worker runs work items on a fixed set of goroutines with bounded,
// non-blocking submission.
//
// Items that share a key (see WithKey) always land on the same worker and are
// processed in the order they were submitted. The backend dispatcher keys by
// device identifier so a device's position updates and its final logout reach
// storage in order while different devices proceed in parallel:
//
//	pool := worker.NewPool(4, 1024, write,
//	    worker.WithKey(func(c call) string { return c.deviceID }),
//	    worker.WithMetricsRegistry[call](reg, "gpsd_backend"))
//	_ = pool.Start(ctx)
//	defer pool.Stop(5 * time.Second)
//
// Submit never blocks; a full queue returns ErrQueueFull and the item is counted
// as dropped. Stop closes the queues and waits for queued work to drain.
package worker
