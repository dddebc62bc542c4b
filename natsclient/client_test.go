package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/errors"
	"github.com/mark-sch/GpsdTracking/metric"
)

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, -1, c.maxReconnects)
	assert.Equal(t, 2*time.Second, c.reconnectWait)
	assert.False(t, c.IsHealthy())
	assert.Nil(t, c.Conn())
}

func TestNewClient_Options(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	c, err := NewClient("nats://x:4222",
		WithName("gpsd"),
		WithCredentials("u", "p"),
		WithMaxReconnects(3),
		WithReconnectWait(time.Second),
		WithTimeout(time.Second),
		WithMetrics(reg.CoreMetrics()),
	)
	require.NoError(t, err)
	assert.Equal(t, "gpsd", c.name)
	assert.Equal(t, 3, c.maxReconnects)
	assert.Len(t, c.connectionOptions(), 10)
}

func TestNewClient_InvalidOptions(t *testing.T) {
	_, err := NewClient("")
	assert.True(t, errors.IsFatal(err) || errors.IsInvalid(err))

	_, err = NewClient("nats://x", WithTimeout(0))
	assert.True(t, errors.IsInvalid(err))

	_, err = NewClient("nats://x", WithReconnectWait(-time.Second))
	assert.True(t, errors.IsInvalid(err))
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(context.Background(), "x", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(context.Background(), "x", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusClosed, c.Status())
}

func TestClient_ConnectFailure(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	err = c.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestIsKVErrors(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.False(t, IsKVConflictError(nil))
}
