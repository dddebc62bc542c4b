package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/backend"
	"github.com/mark-sch/GpsdTracking/device"
)

func TestAuthNames(t *testing.T) {
	b := NewBackend(0)
	ctx := context.Background()

	reply, err := b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "1"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	assert.Equal(t, "Test-Dev-1", reply.Name)

	reply, err = b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "2", Name: "PROGUY"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
	assert.Empty(t, reply.Name, "adapter supplied names are kept")

	assert.ElementsMatch(t, []string{"1", "2"}, b.Devices())
}

func TestTrackFIFO(t *testing.T) {
	b := NewBackend(3)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "1"})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		reply, err := b.UpdateDev(ctx, nil, device.ActionUpdatePos, device.Record{
			Cmd: device.CmdTracker, ID: "1", Lat: float64(i), Lon: 1, Time: start.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		assert.True(t, reply.Accepted)
	}

	track, err := b.LookupDev(ctx, "1", 0)
	require.NoError(t, err)
	require.Len(t, track, 3)
	assert.Equal(t, []float64{5, 4, 3}, []float64{track[0].Lat, track[1].Lat, track[2].Lat})

	track, err = b.LookupDev(ctx, "1", 2)
	require.NoError(t, err)
	assert.Len(t, track, 2)

	track, err = b.LookupDev(ctx, "ghost", 5)
	require.NoError(t, err)
	assert.Empty(t, track)
}

func TestUpdateRejects(t *testing.T) {
	b := NewBackend(3)
	ctx := context.Background()

	reply, err := b.UpdateDev(ctx, nil, device.ActionUpdatePos, device.Record{Cmd: device.CmdTracker, ID: "1", Lat: 1, Lon: 1})
	require.NoError(t, err)
	assert.False(t, reply.Accepted, "device never authenticated")

	_, err = b.UpdateDev(ctx, nil, device.ActionAuth, device.Record{ID: "1"})
	require.NoError(t, err)
	reply, err = b.UpdateDev(ctx, nil, device.ActionUpdatePos, device.Record{Cmd: device.CmdTracker, ID: "1"})
	require.NoError(t, err)
	assert.False(t, reply.Accepted, "0,0 is no fix")

	reply, err = b.UpdateDev(ctx, nil, device.ActionLogout, device.Record{ID: "1"})
	require.NoError(t, err)
	assert.True(t, reply.Accepted)
}

func TestFactory(t *testing.T) {
	r := backend.NewRegistry()
	require.NoError(t, Register(r))

	b, err := r.Create(Name, json.RawMessage(`{"track_size":2}`), backend.Deps{})
	require.NoError(t, err)
	assert.Equal(t, 2, b.(*Backend).size)

	_, err = r.Create(Name, json.RawMessage(`{"size":2}`), backend.Deps{})
	assert.Error(t, err)
	require.NoError(t, b.Close())
}
