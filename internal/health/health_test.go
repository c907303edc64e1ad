package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	result *Result
	delay  time.Duration
	calls  atomic.Int32
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(ctx context.Context) *Result {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return Unresponsive("cancelled")
		}
	}
	return m.result
}

type stubPinger struct {
	done chan struct{}
	ping func(ctx context.Context) error
}

func newStubPinger(ping func(ctx context.Context) error) *stubPinger {
	return &stubPinger{done: make(chan struct{}), ping: ping}
}

func (p *stubPinger) Ping(ctx context.Context) error { return p.ping(ctx) }
func (p *stubPinger) Done() <-chan struct{}          { return p.done }

func TestResultBuilders(t *testing.T) {
	r := Healthy("ok").WithDetail("pid", 42).WithLatency(3 * time.Millisecond)

	assert.Equal(t, StatusHealthy, r.Status)
	assert.Equal(t, 42, r.Details["pid"])
	assert.Equal(t, 3*time.Millisecond, r.Latency)
	assert.Equal(t, StatusUnresponsive, Unresponsive("x").Status)
	assert.Equal(t, "dead", Dead("x").Status.String())
}

func TestManagerAddRemove(t *testing.T) {
	m := NewManager()
	m.AddChecker(&mockChecker{name: "a", result: Healthy("")})
	m.AddChecker(&mockChecker{name: "b", result: Healthy("")})

	assert.Equal(t, 2, m.Count())
	assert.Equal(t, []string{"a", "b"}, m.CheckNames())
	assert.True(t, m.RemoveChecker("a"))
	assert.False(t, m.RemoveChecker("missing"))
	assert.Equal(t, []string{"b"}, m.CheckNames())
}

func TestManagerRunParallel(t *testing.T) {
	m := NewManager().WithTimeout(time.Second)
	checkers := []Checker{
		&mockChecker{name: "a", result: Healthy("ok"), delay: 50 * time.Millisecond},
		&mockChecker{name: "b", result: Dead("gone"), delay: 50 * time.Millisecond},
		&mockChecker{name: "c", result: Unresponsive("slow"), delay: 50 * time.Millisecond},
	}

	start := time.Now()
	results := m.Run(context.Background(), checkers)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.Less(t, elapsed, 140*time.Millisecond, "checks should run in parallel")
	assert.Equal(t, StatusDead, results["b"].Status)
	assert.Greater(t, results["a"].Latency, time.Duration(0))
}

func TestManagerRunTimeout(t *testing.T) {
	m := NewManager().WithTimeout(20 * time.Millisecond)
	results := m.Run(context.Background(), []Checker{
		&mockChecker{name: "slow", result: Healthy("late"), delay: time.Second},
	})

	assert.Equal(t, StatusUnresponsive, results["slow"].Status)
}

func TestOverallStatus(t *testing.T) {
	m := NewManager()
	tests := []struct {
		name    string
		results map[string]*Result
		want    Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", map[string]*Result{"a": Healthy(""), "b": Healthy("")}, StatusHealthy},
		{"one unresponsive", map[string]*Result{"a": Healthy(""), "b": Unresponsive("")}, StatusUnresponsive},
		{"dead wins", map[string]*Result{"a": Unresponsive(""), "b": Dead("")}, StatusDead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.OverallStatus(tt.results))
		})
	}
}

func TestProcessChecker(t *testing.T) {
	t.Run("healthy on answer", func(t *testing.T) {
		p := newStubPinger(func(context.Context) error { return nil })
		r := NewProcessChecker("fs", p).Check(context.Background())
		assert.Equal(t, StatusHealthy, r.Status)
	})

	t.Run("dead when exited", func(t *testing.T) {
		p := newStubPinger(func(context.Context) error { return nil })
		close(p.done)
		r := NewProcessChecker("fs", p).Check(context.Background())
		assert.Equal(t, StatusDead, r.Status)
	})

	t.Run("dead when exit races ping", func(t *testing.T) {
		var p *stubPinger
		p = newStubPinger(func(context.Context) error {
			close(p.done)
			return errors.New("broken pipe")
		})
		r := NewProcessChecker("fs", p).Check(context.Background())
		assert.Equal(t, StatusDead, r.Status)
	})

	t.Run("unresponsive on timeout", func(t *testing.T) {
		p := newStubPinger(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		r := NewProcessChecker("fs", p).Check(ctx)
		assert.Equal(t, StatusUnresponsive, r.Status)
	})

	t.Run("unresponsive on error reply", func(t *testing.T) {
		p := newStubPinger(func(context.Context) error { return errors.New("garbled") })
		r := NewProcessChecker("fs", p).Check(context.Background())
		assert.Equal(t, StatusUnresponsive, r.Status)
		assert.Equal(t, "garbled", r.Details["error"])
	})
}

func TestProbeManager(t *testing.T) {
	pm := NewProbeManager("1.2.3")
	ctx := context.Background()

	assert.Equal(t, "1.2.3", pm.Version())
	assert.Equal(t, StatusDead, pm.CheckReadiness(ctx).Status, "not ready before initialization")
	assert.Equal(t, StatusHealthy, pm.CheckLiveness(ctx).Status)

	pm.MarkInitialized()
	pm.AddChecker(&mockChecker{name: "a", result: Healthy("")})
	assert.Equal(t, StatusHealthy, pm.CheckReadiness(ctx).Status)

	pm.SetReadiness(func(context.Context) map[string]*Result {
		return map[string]*Result{"fs": Unresponsive("starting")}
	})
	ready := pm.CheckReadiness(ctx)
	assert.Equal(t, StatusUnresponsive, ready.Status)
	assert.Contains(t, ready.Checks, "fs")

	pm.MarkShutdown()
	assert.True(t, pm.IsShuttingDown())
	assert.Equal(t, StatusDead, pm.CheckReadiness(ctx).Status)
	assert.Equal(t, StatusUnresponsive, pm.CheckLiveness(ctx).Status)
}
