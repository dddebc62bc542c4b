// Package testutil provides fakes and sample data for GpsdTracking tests.
//
// # Device fakes
//
// NewSession builds a device.Session on an in-memory MockConn with a
// MockBackend and a recording Observer behind it, which is all an adapter
// needs to be exercised without a socket:
//
//	env := testutil.NewSession(t, "gps103", adapter)
//	env.Login(t, "359710043551135")
//	recs := adapter.ParseBuffer(env.Session, []byte("359710043551135;"))
//	assert.Equal(t, "ON", env.Conn.String())
//
// MockBackend accepts every AUTH_IMEI unless Refuse was called for the
// device, records each UpdateDev call and answers LookupDev from the
// positions it was given, newest first.
//
// # Messaging fakes
//
// MockNATSClient records every Publish per subject and fails once closed.
// MockKVStore stands in for a JetStream bucket behind the natskv backend.
//
// Use them for unit tests only. Tests that need real brokers carry the
// integration build tag and start containers through testcontainers-go.
//
// # Sample data
//
// GPS103Frames, NMEAFrames and AISFrames hold frames captured from real
// devices and feeds.
package testutil
