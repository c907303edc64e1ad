// Package metrics exposes Prometheus metrics for plugin supervision, tool
// execution and conversation turns.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PluginStates lists every value the plugin_state gauge can take. Exactly
// one of them is 1 for each plugin.
var PluginStates = []string{"disabled", "stopped", "starting", "initializing", "running", "error"}

// Metrics holds all Prometheus metrics for conduit. Every recording method
// is safe to call on a nil *Metrics, so components can run without them.
type Metrics struct {
	// Plugin lifecycle metrics
	PluginStarts   *prometheus.CounterVec
	PluginFailures *prometheus.CounterVec
	PluginRestarts *prometheus.CounterVec
	PluginState    *prometheus.GaugeVec
	PluginHealth   *prometheus.CounterVec

	// Tool execution metrics
	ToolCalls   *prometheus.CounterVec
	ToolLatency *prometheus.HistogramVec

	// Conversation metrics
	Turns        *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// Event bus metrics
	EventsDropped prometheus.Counter

	// Error metrics (by error code from structured errors)
	Errors *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		PluginStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_plugin_starts_total",
				Help: "Total number of plugin start attempts",
			},
			[]string{"plugin", "success"},
		),
		PluginFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_plugin_failures_total",
				Help: "Total number of plugin crashes, timeouts and failed health checks",
			},
			[]string{"plugin", "reason"},
		),
		PluginRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_plugin_restarts_total",
				Help: "Total number of scheduled automatic restarts",
			},
			[]string{"plugin"},
		),
		PluginState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_plugin_state",
				Help: "Current plugin state (1 for the active state)",
			},
			[]string{"plugin", "state"},
		),
		PluginHealth: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_plugin_health_checks_total",
				Help: "Total number of plugin health checks by outcome",
			},
			[]string{"plugin", "status"},
		),

		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tool_calls_total",
				Help: "Total number of tool executions",
			},
			[]string{"source", "success"},
		),
		ToolLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_tool_latency_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"source"},
		),

		Turns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_turns_total",
				Help: "Total number of conversation turns",
			},
			[]string{"used_tools", "success"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_turn_duration_seconds",
				Help:    "Conversation turn duration in seconds",
				Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
			},
			[]string{"used_tools"},
		),

		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_events_dropped_total",
				Help: "Total number of lifecycle events dropped for slow subscribers",
			},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Total number of errors by error code",
			},
			[]string{"error_code", "component"},
		),
	}
}

// PluginStarted records the outcome of one start attempt.
func (m *Metrics) PluginStarted(plugin string, success bool) {
	if m == nil {
		return
	}
	m.PluginStarts.WithLabelValues(plugin, strconv.FormatBool(success)).Inc()
}

// PluginFailed records a crash-like failure.
func (m *Metrics) PluginFailed(plugin, reason string) {
	if m == nil {
		return
	}
	m.PluginFailures.WithLabelValues(plugin, reason).Inc()
}

// PluginRestarted records a scheduled restart.
func (m *Metrics) PluginRestarted(plugin string) {
	if m == nil {
		return
	}
	m.PluginRestarts.WithLabelValues(plugin).Inc()
}

// SetPluginState moves the plugin's state gauge to state.
func (m *Metrics) SetPluginState(plugin, state string) {
	if m == nil {
		return
	}
	for _, s := range PluginStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.PluginState.WithLabelValues(plugin, s).Set(v)
	}
}

// ForgetPlugin drops every series labelled with plugin.
func (m *Metrics) ForgetPlugin(plugin string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"plugin": plugin}
	m.PluginState.DeletePartialMatch(labels)
	m.PluginStarts.DeletePartialMatch(labels)
	m.PluginFailures.DeletePartialMatch(labels)
	m.PluginRestarts.DeletePartialMatch(labels)
	m.PluginHealth.DeletePartialMatch(labels)
}

// HealthChecked records one health check result.
func (m *Metrics) HealthChecked(plugin, status string) {
	if m == nil {
		return
	}
	m.PluginHealth.WithLabelValues(plugin, status).Inc()
}

// ToolExecuted records one tool execution. source is "native" or "plugin".
func (m *Metrics) ToolExecuted(source string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(source, strconv.FormatBool(success)).Inc()
	m.ToolLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// TurnCompleted records one conversation turn.
func (m *Metrics) TurnCompleted(usedTools, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	used := strconv.FormatBool(usedTools)
	m.Turns.WithLabelValues(used, strconv.FormatBool(success)).Inc()
	m.TurnDuration.WithLabelValues(used).Observe(elapsed.Seconds())
}

// EventDropped counts one dropped lifecycle event.
func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// Error counts an error by code.
func (m *Metrics) Error(code, component string) {
	if m == nil || code == "" {
		return
	}
	m.Errors.WithLabelValues(code, component).Inc()
}
