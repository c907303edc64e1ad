// Package config loads the conduit configuration file: the MCP plugin list,
// specialist agents, the chat model endpoint, Vault access and manager
// tuning. JSON (comments and trailing commas allowed) and YAML are accepted.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Defaults applied to fields the file leaves out.
const (
	DefaultMaxRetries          = 5
	DefaultTimeout             = 60 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultRestartBaseDelay    = time.Second
	DefaultRestartMaxDelay     = 32 * time.Second
	DefaultStableAfter         = 5 * time.Minute
	DefaultShutdownGrace       = 2 * time.Second
	DefaultEventBuffer         = 256
	DefaultMaxHistory          = 50
)

// Config is the whole configuration file.
type Config struct {
	Plugins PluginsSection `json:"mcp_plugins"`
	Agents  []AgentConfig  `json:"agents,omitempty"`
	Chat    ChatConfig     `json:"chat"`
	Vault   *VaultConfig   `json:"vault,omitempty"`
	Manager ManagerConfig  `json:"manager"`
}

// PluginsSection groups plugin definitions by transport. Only local
// (stdio) servers exist today.
type PluginsSection struct {
	LocalServers []PluginConfig `json:"local_servers"`
}

// PluginConfig describes one MCP server process.
type PluginConfig struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name,omitempty"`
	Description         string            `json:"description,omitempty"`
	Command             string            `json:"command"`
	Args                []string          `json:"args,omitempty"`
	Env                 map[string]string `json:"env,omitempty"`
	Enabled             bool              `json:"enabled"`
	AutoRestart         bool              `json:"auto_restart"`
	MaxRetries          int               `json:"max_retries"`
	HealthCheckInterval Duration          `json:"health_check_interval,omitempty"`
	Timeout             Duration          `json:"timeout"`
	WorkingDir          string            `json:"working_dir,omitempty"`

	// ResolvedEnv holds Env after ${VAR} and secret: substitution. It is
	// filled by Load and never written back.
	ResolvedEnv map[string]string `json:"-"`
}

// defaultPlugin is the starting point entries are decoded onto, so absent
// fields keep their defaults and explicit zeros survive.
func defaultPlugin() PluginConfig {
	return PluginConfig{
		Enabled:    true,
		MaxRetries: DefaultMaxRetries,
		Timeout:    Duration(DefaultTimeout),
	}
}

// DisplayName returns Name, falling back to ID.
func (p PluginConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Environ returns the resolved environment as KEY=VALUE pairs.
func (p PluginConfig) Environ() []string {
	env := p.ResolvedEnv
	if env == nil {
		env = p.Env
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Validate checks the fields a plugin cannot start without.
func (p PluginConfig) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.Contains(p.ID, ":") {
		return fmt.Errorf("id %q must not contain ':'", p.ID)
	}
	if strings.TrimSpace(p.Command) == "" {
		return fmt.Errorf("plugin %s: command is required", p.ID)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("plugin %s: max_retries must not be negative", p.ID)
	}
	if p.Timeout.Duration() <= 0 {
		return fmt.Errorf("plugin %s: timeout must be positive", p.ID)
	}
	return nil
}

// AgentConfig describes a specialist agent exposed to the main
// conversation as a native tool.
type AgentConfig struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Model       string   `json:"model"`
	APIBase     string   `json:"api_base,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	Instruction string   `json:"instruction"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	// WebSearch agents take a "query" argument instead of "message".
	WebSearch bool `json:"web_search,omitempty"`
	Enabled   bool `json:"enabled"`

	// ResolvedAPIKey is APIKey after substitution. Filled by Load.
	ResolvedAPIKey string `json:"-"`
}

func defaultAgent() AgentConfig {
	return AgentConfig{Enabled: true}
}

// Validate checks the fields an agent cannot run without.
func (a AgentConfig) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.Contains(a.Name, ":") {
		return fmt.Errorf("agent name %q must not contain ':'", a.Name)
	}
	if a.Model == "" {
		return fmt.Errorf("agent %s: model is required", a.Name)
	}
	if a.Instruction == "" {
		return fmt.Errorf("agent %s: instruction is required", a.Name)
	}
	return nil
}

// ChatConfig is the OpenAI-compatible endpoint used by the main conversation.
type ChatConfig struct {
	APIBase      string   `json:"api_base,omitempty"`
	APIKey       string   `json:"api_key,omitempty"`
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	MaxHistory   int      `json:"max_history,omitempty"`

	// ResolvedAPIKey is APIKey after substitution. Filled by Load.
	ResolvedAPIKey string `json:"-"`
}

// VaultConfig enables secret: references in env values.
type VaultConfig struct {
	Address   string   `json:"address"`
	Token     string   `json:"token,omitempty"`
	MountPath string   `json:"mount_path,omitempty"`
	Namespace string   `json:"namespace,omitempty"`
	CACert    string   `json:"ca_cert,omitempty"`
	CacheTTL  Duration `json:"cache_ttl,omitempty"`
}

// ManagerConfig tunes supervision.
type ManagerConfig struct {
	HealthCheckInterval Duration `json:"health_check_interval,omitempty"`
	HealthCheckTimeout  Duration `json:"health_check_timeout,omitempty"`
	RestartBaseDelay    Duration `json:"restart_base_delay,omitempty"`
	RestartMaxDelay     Duration `json:"restart_max_delay,omitempty"`
	StableAfter         Duration `json:"stable_after,omitempty"`
	ShutdownGrace       Duration `json:"shutdown_grace,omitempty"`
	EventBuffer         int      `json:"event_buffer,omitempty"`
}

// WithDefaults fills every unset field.
func (m ManagerConfig) WithDefaults() ManagerConfig {
	set := func(d *Duration, def time.Duration) {
		if *d <= 0 {
			*d = Duration(def)
		}
	}
	set(&m.HealthCheckInterval, DefaultHealthCheckInterval)
	set(&m.HealthCheckTimeout, DefaultHealthCheckTimeout)
	set(&m.RestartBaseDelay, DefaultRestartBaseDelay)
	set(&m.RestartMaxDelay, DefaultRestartMaxDelay)
	set(&m.StableAfter, DefaultStableAfter)
	set(&m.ShutdownGrace, DefaultShutdownGrace)
	if m.EventBuffer <= 0 {
		m.EventBuffer = DefaultEventBuffer
	}
	return m
}

// Plugin returns the plugin with id, if configured.
func (c *Config) Plugin(id string) (PluginConfig, bool) {
	for _, p := range c.Plugins.LocalServers {
		if p.ID == id {
			return p, true
		}
	}
	return PluginConfig{}, false
}

// SetEnabled flips a plugin's enabled flag in place.
func (c *Config) SetEnabled(id string, enabled bool) bool {
	for i := range c.Plugins.LocalServers {
		if c.Plugins.LocalServers[i].ID == id {
			c.Plugins.LocalServers[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Duration is a time.Duration that reads either a Go duration string
// ("30s", "1m30s") or an integer number of seconds.
type Duration time.Duration

// Duration returns d as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON writes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "30s" or 30.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return fmt.Errorf("duration must not be negative: %v", val)
		}
		*d = Duration(time.Duration(val * float64(time.Second)))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case nil:
		return nil
	default:
		return fmt.Errorf("invalid duration: %s", string(b))
	}
}
