package plugin

import (
	"context"
	"slices"
	"time"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/health"
	"github.com/felixgeelhaar/conduit/internal/mcp"
)

// record is the manager's mutable view of one plugin. Every field is
// guarded by Manager.mu.
type record struct {
	// cfg is the config as loaded. Enable and Disable change state, not
	// cfg, so reload diffs compare against the file.
	cfg   config.PluginConfig
	state State

	errMsg string
	// failed marks the permanent error sub-state: retries are exhausted
	// and nothing but a user-initiated start leaves it.
	failed bool

	tools     []mcp.Tool
	resources []mcp.Resource
	prompts   []mcp.Prompt

	restarts    int
	lastRestart time.Time
	startedAt   time.Time

	lastCheck time.Time
	health    health.Status

	client *mcp.Client
	// gen increments whenever an in-flight start or a running process is
	// abandoned. Work started under an older generation must not touch
	// the record.
	gen          uint64
	cancelStart  context.CancelFunc
	restartTimer *time.Timer
}

func newRecord(cfg config.PluginConfig) *record {
	r := &record{cfg: cfg, state: StateStopped}
	if !cfg.Enabled {
		r.state = StateDisabled
	}
	return r
}

// abandon invalidates in-flight work and detaches the process. The caller
// closes the returned client outside the lock.
func (r *record) abandon() *mcp.Client {
	r.gen++
	if r.cancelStart != nil {
		r.cancelStart()
		r.cancelStart = nil
	}
	if r.restartTimer != nil {
		r.restartTimer.Stop()
		r.restartTimer = nil
	}
	client := r.client
	r.client = nil
	r.tools = nil
	r.resources = nil
	r.prompts = nil
	r.health = ""
	return client
}

func (r *record) healthInterval(fallback time.Duration) time.Duration {
	if d := r.cfg.HealthCheckInterval.Duration(); d > 0 {
		return d
	}
	return fallback
}

func (r *record) info() Info {
	return Info{
		ID:           r.cfg.ID,
		Name:         r.cfg.DisplayName(),
		Description:  r.cfg.Description,
		State:        r.state,
		Error:        r.errMsg,
		Failed:       r.failed,
		Tools:        slices.Clone(r.tools),
		Resources:    slices.Clone(r.resources),
		Prompts:      slices.Clone(r.prompts),
		RestartCount: r.restarts,
		MaxRetries:   r.cfg.MaxRetries,
		AutoRestart:  r.cfg.AutoRestart,
		LastRestart:  r.lastRestart,
		StartedAt:    r.startedAt,
		Health:       r.health,
		Config:       r.cfg,
	}
}

// Info is a point-in-time copy of a plugin's record.
type Info struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	State       State          `json:"state"`
	Error       string         `json:"error,omitempty"`
	Failed      bool           `json:"failed,omitempty"`
	Tools       []mcp.Tool     `json:"tools,omitempty"`
	Resources   []mcp.Resource `json:"resources,omitempty"`
	Prompts     []mcp.Prompt   `json:"prompts,omitempty"`

	RestartCount int       `json:"restart_count"`
	MaxRetries   int       `json:"max_retries"`
	AutoRestart  bool      `json:"auto_restart"`
	LastRestart  time.Time `json:"last_restart,omitzero"`
	StartedAt    time.Time `json:"started_at,omitzero"`

	Health health.Status `json:"health,omitempty"`

	Config config.PluginConfig `json:"-"`
}

// ToolCount returns the number of discovered tools.
func (i Info) ToolCount() int {
	return len(i.Tools)
}

// Running reports whether the plugin can serve calls.
func (i Info) Running() bool {
	return i.State == StateRunning
}
