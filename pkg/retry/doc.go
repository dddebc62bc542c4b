// Package retry runs an operation until it succeeds.
//
// Two shapes are used in the daemon:
//
//   - bounded exponential backoff (DefaultConfig or a literal Config) for
//     webhook posts and JetStream KV compare-and-swap updates;
//   - a fixed delay with no attempt ceiling (Forever) for outbound controller
//     clients and the simulator, which keep reconnecting for the life of the
//     process.
//
// Example:
//
//	err := retry.Do(ctx, retry.Forever(60*time.Second), func() error {
//	    return client.dialOnce(ctx)
//	})
//
// Wrap an error with NonRetryable to stop the loop immediately.
package retry
