// Package events carries plugin lifecycle and agent status notifications
// from the components that produce them to any number of observers.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/felixgeelhaar/conduit/internal/health"
)

// Kind identifies the variant of an Event.
type Kind string

const (
	KindStarted        Kind = "plugin.started"
	KindStopped        Kind = "plugin.stopped"
	KindError          Kind = "plugin.error"
	KindToolsChanged   Kind = "plugin.tools_changed"
	KindHealthStatus   Kind = "plugin.health"
	KindRestartAttempt Kind = "plugin.restart_attempt"
	KindConfigReloaded Kind = "config.reloaded"
	KindAgentStatus    Kind = "agent.status"
)

// AgentState is the phase an orchestrator turn is in.
type AgentState string

const (
	AgentThinking      AgentState = "thinking"
	AgentExecutingTool AgentState = "executing_tool"
	AgentResponding    AgentState = "responding"
	AgentIdle          AgentState = "idle"
	AgentError         AgentState = "error"
)

// Event is a single notification. Which fields are meaningful depends on
// Kind; use the constructors below rather than filling it in by hand.
type Event struct {
	ID   string    `json:"id"`
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	PluginID   string        `json:"plugin_id,omitempty"`
	ToolCount  int           `json:"tool_count,omitempty"`
	Message    string        `json:"message,omitempty"`
	Health     health.Status `json:"health,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty"`

	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Updated []string `json:"updated,omitempty"`

	Agent AgentState `json:"agent,omitempty"`
	Tool  string     `json:"tool,omitempty"`
}

// Started reports a plugin that completed its handshake.
func Started(pluginID string, toolCount int) Event {
	return Event{Kind: KindStarted, PluginID: pluginID, ToolCount: toolCount}
}

// Stopped reports a plugin that is no longer running.
func Stopped(pluginID string) Event {
	return Event{Kind: KindStopped, PluginID: pluginID}
}

// Error reports a failed start, a crash or a permanent failure.
func Error(pluginID, message string) Event {
	return Event{Kind: KindError, PluginID: pluginID, Message: message}
}

// ToolsChanged reports a rediscovered tool list.
func ToolsChanged(pluginID string, toolCount int) Event {
	return Event{Kind: KindToolsChanged, PluginID: pluginID, ToolCount: toolCount}
}

// HealthStatus reports the outcome of one health check.
func HealthStatus(pluginID string, status health.Status) Event {
	return Event{Kind: KindHealthStatus, PluginID: pluginID, Health: status}
}

// RestartAttempt reports a scheduled automatic restart.
func RestartAttempt(pluginID string, attempt, maxRetries int) Event {
	return Event{Kind: KindRestartAttempt, PluginID: pluginID, Attempt: attempt, MaxRetries: maxRetries}
}

// ConfigReloaded reports the outcome of a configuration reload.
func ConfigReloaded(added, removed, updated []string) Event {
	return Event{Kind: KindConfigReloaded, Added: added, Removed: removed, Updated: updated}
}

// AgentStatus reports an orchestrator phase change. tool is set while
// executing a tool call.
func AgentStatus(state AgentState, tool string) Event {
	return Event{Kind: KindAgentStatus, Agent: state, Tool: tool}
}

// String renders the event for humans, e.g. in `conduit serve` output.
func (e Event) String() string {
	switch e.Kind {
	case KindStarted:
		return fmt.Sprintf("%s started (%d tools)", e.PluginID, e.ToolCount)
	case KindStopped:
		return fmt.Sprintf("%s stopped", e.PluginID)
	case KindError:
		return fmt.Sprintf("%s error: %s", e.PluginID, e.Message)
	case KindToolsChanged:
		return fmt.Sprintf("%s tools changed (%d tools)", e.PluginID, e.ToolCount)
	case KindHealthStatus:
		return fmt.Sprintf("%s health: %s", e.PluginID, e.Health)
	case KindRestartAttempt:
		return fmt.Sprintf("%s restart attempt %d/%d", e.PluginID, e.Attempt, e.MaxRetries)
	case KindConfigReloaded:
		return fmt.Sprintf("config reloaded: added [%s] removed [%s] updated [%s]",
			strings.Join(e.Added, ", "), strings.Join(e.Removed, ", "), strings.Join(e.Updated, ", "))
	case KindAgentStatus:
		if e.Tool != "" {
			return fmt.Sprintf("agent %s %s", e.Agent, e.Tool)
		}
		return fmt.Sprintf("agent %s", e.Agent)
	default:
		return string(e.Kind)
	}
}
