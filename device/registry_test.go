package device

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndRemove(t *testing.T) {
	f := newFixture()
	r := NewRegistry()

	a := NewSession(f.deps, nil, "")
	a.id = "1"
	b := NewSession(f.deps, nil, "")
	b.id = "1"

	assert.Nil(t, r.Register(a))
	assert.Nil(t, r.Register(a), "re-registering the same session replaces nothing")
	assert.Same(t, a, r.Register(b))

	assert.False(t, r.Remove("1", a), "stale session cannot remove its successor")
	assert.True(t, r.Remove("1", b))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	f := newFixture()
	for _, id := range []string{"30", "10", "20"} {
		f.loggedIn(id)
	}

	ids := []string{}
	for _, s := range f.deps.Registry.Snapshot() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"10", "20", "30"}, ids)
	assert.Equal(t, ids, f.deps.Registry.IDs())
	assert.Len(t, f.deps.Registry.ByService("test"), 3)
	assert.Empty(t, f.deps.Registry.ByService("other"))
}

func TestRegistry_ConcurrentLogins(t *testing.T) {
	f := newFixture()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := NewSession(f.deps, &fakeConn{}, "")
			_ = s.ProcessData(context.Background(), Record{Cmd: CmdLogin, ID: fmt.Sprintf("%d", n%10)})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, f.deps.Registry.Len())
	for _, s := range f.deps.Registry.Snapshot() {
		assert.Equal(t, StateLoggedIn, s.State())
	}
}

func TestSweeper_DisconnectsIdleSessions(t *testing.T) {
	f := newFixture()
	f.deps.Policy.IdleTimeout = 10 * time.Minute

	quiet, quietConn := f.loggedIn("quiet")
	_, _ = f.loggedIn("busy")

	f.clock.Advance(8 * time.Minute)
	busy, _ := f.deps.Registry.Get("busy")
	require.NoError(t, busy.ProcessData(context.Background(), Record{Cmd: CmdPing}))
	f.clock.Advance(3 * time.Minute)

	sw := NewSweeper(f.deps.Registry, nil)
	sw.now = f.clock.Now

	assert.Equal(t, 1, sw.Sweep(context.Background()))
	assert.Equal(t, StateLoggedOut, quiet.State())
	assert.True(t, quietConn.isClosed())
	assert.Equal(t, []string{"busy"}, f.deps.Registry.IDs())
}

func TestSweeper_ZeroTimeoutDisabled(t *testing.T) {
	f := newFixture()
	f.deps.Policy.IdleTimeout = 0
	f.loggedIn("1")
	f.clock.Advance(72 * time.Hour)

	sw := NewSweeper(f.deps.Registry, nil)
	sw.now = f.clock.Now
	assert.Equal(t, 0, sw.Sweep(context.Background()))
}

func TestSweeper_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sw := NewSweeper(NewRegistry(), nil)
	require.NoError(t, sw.Start(ctx))
	cancel()
	sw.Stop()
}

func TestSweeper_ConcurrentStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		sw := NewSweeper(NewRegistry(), nil)
		require.NoError(t, sw.Start(ctx))

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sw.Stop()
			}()
		}
		cancel()
		wg.Wait()

		sw.mu.Lock()
		assert.Nil(t, sw.cron)
		sw.mu.Unlock()
	}
}
