// Package natsclient connects the daemon to NATS.
//
// The event sink publishes bus events on core NATS subjects and the natskv
// backend keeps device state in a JetStream key-value bucket:
//
//	c, _ := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("gpsd"), natsclient.WithMetrics(reg.CoreMetrics()))
//	if err := c.Connect(ctx); err != nil { ... }
//	bucket, _ := c.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "gpsd_devices"})
//	kv := natsclient.NewKVStore(bucket)
//
// KVStore.UpdateWithRetry performs read-modify-write with a revision check and
// retries on concurrent modification using pkg/retry.
//
// TestClient starts a throwaway server with testcontainers for integration tests.
package natsclient
