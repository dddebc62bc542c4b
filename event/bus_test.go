package event

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark-sch/GpsdTracking/device"
	"github.com/mark-sch/GpsdTracking/testutil"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestBus_PublishStampsEvent(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(4)
	defer sub.Close()

	bus.Publish(Event{Kind: KindQueue, Status: "ACCEPT", RequestID: 7})

	ev := receive(t, sub)
	assert.NotEmpty(t, ev.UID)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, uint64(7), ev.RequestID)
}

func TestBus_KindFilter(t *testing.T) {
	bus := NewBus(nil)
	notices := bus.Subscribe(4, KindNotice)
	all := bus.Subscribe(4)
	defer notices.Close()
	defer all.Close()

	bus.Publish(Event{Kind: KindQueue})
	bus.Publish(Event{Kind: KindNotice, Status: "HELP"})

	assert.Equal(t, KindNotice, receive(t, notices).Kind)
	assert.Equal(t, KindQueue, receive(t, all).Kind)
	assert.Equal(t, KindNotice, receive(t, all).Kind)
	assert.Len(t, notices.C, 0)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(2)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: KindQueue})
	}

	assert.Equal(t, uint64(3), sub.Dropped())
	published, dropped := bus.Stats()
	assert.Equal(t, uint64(5), published)
	assert.Equal(t, uint64(3), dropped)
}

func TestBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)
	assert.Equal(t, 1, bus.Subscribers())

	bus.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())

	sub.Close()
	bus.Publish(Event{Kind: KindQueue})

	late := bus.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok)
}

func TestBus_ConcurrentPublishAndClose(t *testing.T) {
	bus := NewBus(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(1)
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Kind: KindAccept})
			}
			sub.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_SessionObserver(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(8)
	defer sub.Close()

	s := device.NewSession(&device.Deps{Service: "gps103", Observer: bus, Policy: device.DefaultPolicy()}, nil, "pipe")
	ctx := context.Background()
	require.NoError(t, s.ProcessData(ctx, device.Record{Cmd: device.CmdLogin, ID: "359710041234567"}))

	ev := receive(t, sub)
	assert.Equal(t, KindNotice, ev.Kind)
	assert.Equal(t, string(device.NoticeLoginRequest), ev.Status)
	assert.Equal(t, "gps103", ev.Service)

	require.NoError(t, s.ProcessData(ctx, device.Record{Cmd: device.CmdTracker, Lat: 48.85, Lon: 2.35, Time: time.Now()}))
	ev = receive(t, sub)
	assert.Equal(t, KindAccept, ev.Kind)
	assert.Equal(t, "359710041234567", ev.DeviceID)
	require.NotNil(t, ev.Position)
	assert.InDelta(t, 48.85, ev.Position.Lat, 1e-9)
	assert.Equal(t, "TRACKER", ev.Cmd)
}

func TestEvent_JSON(t *testing.T) {
	b := Event{Kind: KindQueue, Status: "RETRY", Retry: 2}.JSON()

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "queue", m["kind"])
	assert.Equal(t, "RETRY", m["status"])
	assert.EqualValues(t, 2, m["retry"])
	assert.Equal(t, KindNotice, ParseKind("notice"))
	assert.Equal(t, Kind(0), ParseKind("bogus"))

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, KindQueue, back.Kind)
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"bogus"}`), &back))
}

func TestSink_ForwardsToSubjects(t *testing.T) {
	bus := NewBus(nil)
	nc := testutil.NewMockNATSClient()
	sink := NewSink(nc, "", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx, bus) }()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(Event{Kind: KindQueue, Status: "ACCEPT"})
	bus.Publish(Event{Kind: KindNotice, Status: "HELP"})

	require.Eventually(t, func() bool {
		return nc.GetMessageCount("gpsd.events.queue") == 1 && nc.GetMessageCount("gpsd.events.notice") == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	sent, failed := sink.Stats()
	assert.Equal(t, uint64(2), sent)
	assert.Zero(t, failed)
}

func TestSink_PublishFailureCounted(t *testing.T) {
	bus := NewBus(nil)
	nc := testutil.NewMockNATSClient()
	require.NoError(t, nc.Close())
	sink := NewSink(nc, "fleet", nil)
	assert.Equal(t, "fleet.accept", sink.Subject(KindAccept))

	done := make(chan error, 1)
	go func() { done <- sink.Run(context.Background(), bus) }()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish(Event{Kind: KindAccept})
	require.Eventually(t, func() bool { _, f := sink.Stats(); return f == 1 }, time.Second, 5*time.Millisecond)

	bus.Close()
	require.NoError(t, <-done)
}
