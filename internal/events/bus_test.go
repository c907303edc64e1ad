package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/conduit/internal/health"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishStampsAndBroadcasts(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(Started("fs", 3))

	ea := receive(t, a)
	eb := receive(t, b)
	assert.Equal(t, KindStarted, ea.Kind)
	assert.Equal(t, "fs", ea.PluginID)
	assert.Equal(t, 3, ea.ToolCount)
	assert.NotEmpty(t, ea.ID)
	assert.False(t, ea.Time.IsZero())
	assert.Equal(t, ea.ID, eb.ID)
}

func TestPublishOrderPreserved(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(100)

	for i := 1; i <= 50; i++ {
		bus.Publish(RestartAttempt("fs", i, 50))
	}
	for i := 1; i <= 50; i++ {
		assert.Equal(t, i, receive(t, sub).Attempt)
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	var dropped []Event
	bus := NewBus().OnDrop(func(e Event) { dropped = append(dropped, e) })
	sub := bus.Subscribe(2)

	bus.Publish(RestartAttempt("fs", 1, 5))
	bus.Publish(RestartAttempt("fs", 2, 5))
	bus.Publish(RestartAttempt("fs", 3, 5))

	assert.Equal(t, 2, receive(t, sub).Attempt)
	assert.Equal(t, 3, receive(t, sub).Attempt)
	assert.Equal(t, uint64(1), sub.Dropped())
	assert.Equal(t, uint64(1), bus.Dropped())
	require.Len(t, dropped, 1)
	assert.Equal(t, 1, dropped[0].Attempt)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(64)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			bus.Publish(ToolsChanged("fs", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Equal(t, 31, receive(t, slow).ToolCount)
	assert.Equal(t, 0, receive(t, fast).ToolCount)
}

func TestLateSubscriberSeesOnlyNewEvents(t *testing.T) {
	bus := NewBus()
	bus.Publish(Stopped("early"))

	sub := bus.Subscribe(4)
	bus.Publish(Stopped("late"))

	assert.Equal(t, "late", receive(t, sub).PluginID)
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)
	require.Equal(t, 1, bus.Subscribers())

	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())
	bus.Publish(Stopped("fs"))
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)

	bus.Close()
	_, ok := <-sub.C
	assert.False(t, ok)

	late := bus.Subscribe(4)
	_, ok = <-late.C
	assert.False(t, ok)
	late.Close()
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1000)

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish(Error(fmt.Sprintf("p%d", p), fmt.Sprint(i)))
			}
		}(p)
	}
	wg.Wait()

	// Per-publisher order survives interleaving.
	last := map[string]int{}
	for i := 0; i < 500; i++ {
		e := receive(t, sub)
		var n int
		fmt.Sscan(e.Message, &n)
		if prev, ok := last[e.PluginID]; ok {
			assert.Greater(t, n, prev)
		}
		last[e.PluginID] = n
	}
}

func TestEventString(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Started("fs", 2), "fs started (2 tools)"},
		{Stopped("fs"), "fs stopped"},
		{Error("fs", "boom"), "fs error: boom"},
		{HealthStatus("fs", health.StatusDead), "fs health: dead"},
		{RestartAttempt("fs", 1, 3), "fs restart attempt 1/3"},
		{ConfigReloaded([]string{"a"}, nil, []string{"b", "c"}), "config reloaded: added [a] removed [] updated [b, c]"},
		{AgentStatus(AgentExecutingTool, "mcp:fs:read"), "agent executing_tool mcp:fs:read"},
		{AgentStatus(AgentIdle, ""), "agent idle"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.event.String())
	}
}
