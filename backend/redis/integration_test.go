//go:build integration
// +build integration

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/errors"
)

func startRedisContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestIntegration_Track(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	cfg := DefaultConfig()
	cfg.Addr = startRedisContainer(t, ctx)
	cfg.TrackSize = 3
	b, err := Open(ctx, cfg, nil, func() time.Time { return start })
	require.NoError(t, err)
	defer b.Close()

	sub := b.Client().Subscribe(ctx, b.Channel())
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	reply, err := b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "42", Name: "PROGUY"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	assert.Equal(t, "PROGUY", reply.Name)

	for i := 1; i <= 5; i++ {
		reply, err = b.UpdateDev(ctx, nil, device.ActionUpdatePos, device.Record{
			Cmd: device.CmdTracker, ID: "42", Lat: float64(i), Lon: 2, Time: start.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		assert.True(t, reply.Accepted)
	}

	track, err := b.LookupDev(ctx, "42", 0)
	require.NoError(t, err)
	require.Len(t, track, 3)
	assert.Equal(t, 5.0, track[0].Lat)
	assert.Equal(t, start.Add(5*time.Minute), track[0].Time)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var fix Fix
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &fix))
	assert.Equal(t, "42", fix.ID)
	assert.Equal(t, 1.0, fix.Lat)

	require.NoError(t, b.RemoveDev(ctx, "42"))
	track, err = b.LookupDev(ctx, "42", 0)
	require.NoError(t, err)
	assert.Empty(t, track)
	assert.ErrorIs(t, b.RemoveDev(ctx, "42"), errors.ErrDeviceNotFound)
}

func TestIntegration_KnownDevicesOnly(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Addr = startRedisContainer(t, ctx)
	cfg.AutoCreate = false
	b, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer b.Close()

	reply, err := b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "42"})
	require.NoError(t, err)
	assert.False(t, reply.Accepted)

	require.NoError(t, b.CreateDev(ctx, "42", "truck"))
	reply, err = b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "42"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	assert.Equal(t, "truck", reply.Name)
}
