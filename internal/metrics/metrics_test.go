package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	m.PluginStarted("fs", true)
	m.PluginFailed("fs", "exited")
	m.PluginRestarted("fs")
	m.SetPluginState("fs", "running")
	m.ForgetPlugin("fs")
	m.HealthChecked("fs", "healthy")
	m.ToolExecuted("plugin", true, time.Second)
	m.TurnCompleted(true, true, time.Second)
	m.EventDropped()
	m.Error("TOOL-001", "tools")
}

func TestPluginMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.PluginStarted("fs", true)
	m.PluginStarted("fs", false)
	m.PluginStarted("fs", false)
	m.PluginFailed("fs", "exited")
	m.PluginRestarted("fs")
	m.PluginRestarted("fs")

	if got := testutil.ToFloat64(m.PluginStarts.WithLabelValues("fs", "false")); got != 2 {
		t.Errorf("failed starts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PluginFailures.WithLabelValues("fs", "exited")); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.PluginRestarts.WithLabelValues("fs")); got != 2 {
		t.Errorf("restarts = %v, want 2", got)
	}
}

func TestSetPluginStateIsOneHot(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetPluginState("fs", "starting")
	m.SetPluginState("fs", "running")

	for _, s := range PluginStates {
		want := 0.0
		if s == "running" {
			want = 1
		}
		if got := testutil.ToFloat64(m.PluginState.WithLabelValues("fs", s)); got != want {
			t.Errorf("state %s = %v, want %v", s, got, want)
		}
	}
}

func TestForgetPlugin(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetPluginState("fs", "running")
	m.SetPluginState("git", "stopped")
	m.ForgetPlugin("fs")

	if got := testutil.CollectAndCount(m.PluginState); got != len(PluginStates) {
		t.Errorf("state series = %d, want %d", got, len(PluginStates))
	}
}

func TestToolAndTurnMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ToolExecuted("native", true, 20*time.Millisecond)
	m.ToolExecuted("plugin", false, 2*time.Second)
	m.TurnCompleted(true, true, 3*time.Second)
	m.EventDropped()
	m.EventDropped()
	m.Error("", "ignored")
	m.Error("TOOL-001", "tools")

	if got := testutil.ToFloat64(m.ToolCalls.WithLabelValues("plugin", "false")); got != 1 {
		t.Errorf("plugin failures = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ToolLatency); got != 2 {
		t.Errorf("latency series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues("true", "true")); got != 1 {
		t.Errorf("turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped); got != 2 {
		t.Errorf("dropped = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(m.Errors); got != 1 {
		t.Errorf("error series = %d, want 1", got)
	}
}

func TestRegistryHandler(t *testing.T) {
	r := NewRegistry()
	r.Metrics.PluginStarted("fs", true)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	body := new(strings.Builder)
	if _, err := io.Copy(body, resp.Body); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"conduit_plugin_starts_total", "go_goroutines"} {
		if !strings.Contains(body.String(), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.Metrics.EventDropped()

	if got := testutil.ToFloat64(b.Metrics.EventsDropped); got != 0 {
		t.Errorf("second registry saw %v drops", got)
	}
	if _, err := a.Gatherer().Gather(); err != nil {
		t.Errorf("gather: %v", err)
	}
}
