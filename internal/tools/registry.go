// Package tools is the single registry of tools the conversational agent
// may call. Plugin tools are namespaced mcp:<plugin-id>:<tool-name> and
// forwarded to the plugin manager; native tools keep their bare name and
// run in-process.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/mcp"
	"github.com/felixgeelhaar/conduit/internal/metrics"
	"github.com/felixgeelhaar/conduit/internal/telemetry"
)

// Prefix starts every plugin tool name.
const Prefix = "mcp"

const separator = ":"

// SourceKind tells native tools from plugin tools.
type SourceKind string

const (
	SourceNative SourceKind = "native"
	SourcePlugin SourceKind = "plugin"
)

// Source identifies who executes a tool.
type Source struct {
	Kind     SourceKind `json:"kind"`
	PluginID string     `json:"plugin_id,omitempty"`
}

func (s Source) String() string {
	if s.Kind == SourcePlugin {
		return "plugin " + s.PluginID
	}
	return string(s.Kind)
}

// Name builds the namespaced name of a plugin tool.
func Name(pluginID, tool string) string {
	return Prefix + separator + pluginID + separator + tool
}

// ParseName splits a namespaced name into plugin id and tool name. The
// tool part may itself contain ':'.
func ParseName(name string) (pluginID, tool string, err error) {
	parts := strings.SplitN(name, separator, 3)
	if len(parts) != 3 || parts[0] != Prefix || parts[1] == "" || parts[2] == "" {
		return "", "", errors.NewInvalidToolNameError(name)
	}
	return parts[1], parts[2], nil
}

// IsNamespaced reports whether name claims to be a plugin tool.
func IsNamespaced(name string) bool {
	return strings.HasPrefix(name, Prefix+separator)
}

// Handler runs a native tool and returns its text result.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// NativeTool is an in-process tool.
type NativeTool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Definition is what the model sees of a tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"parameters,omitempty"`
}

// Entry is one registered tool.
type Entry struct {
	Name        string          `json:"name"`
	Source      Source          `json:"source"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// tool is the name the plugin knows the tool by.
	tool    string
	schema  *openapi3.Schema
	handler Handler
}

// Executor runs plugin tools. *plugin.Manager satisfies it.
type Executor interface {
	Has(pluginID string) bool
	IsRunning(pluginID string) bool
	CallTool(ctx context.Context, pluginID, tool string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Options configures a Registry.
type Options struct {
	Plugins Executor
	Logger  *log.Logger
	Metrics *metrics.Metrics
}

// Registry maps tool names to executors. Lookups take the read lock;
// the lock is never held while a tool runs.
type Registry struct {
	plugins Executor
	log     *log.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		plugins: opts.Plugins,
		log:     log.OrDefault(opts.Logger).Component("tools"),
		metrics: opts.Metrics,
		entries: make(map[string]*Entry),
	}
}

// Register adds a plugin tool under mcp:<pluginID>:<name>. Duplicate names
// fail with ErrToolExists naming the current owner.
func (r *Registry) Register(tool mcp.Tool, pluginID string) error {
	e, err := r.pluginEntry(tool, pluginID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[e.Name]; ok {
		return errors.NewToolExistsError(e.Name, existing.Source.String())
	}
	r.entries[e.Name] = e
	return nil
}

func (r *Registry) pluginEntry(tool mcp.Tool, pluginID string) (*Entry, error) {
	if pluginID == "" || strings.Contains(pluginID, separator) || tool.Name == "" {
		return nil, errors.NewInvalidToolNameError(Name(pluginID, tool.Name))
	}
	return &Entry{
		Name:        Name(pluginID, tool.Name),
		Source:      Source{Kind: SourcePlugin, PluginID: pluginID},
		Description: tool.Description,
		InputSchema: tool.InputSchema,
		tool:        tool.Name,
		schema:      r.compile(tool.Name, tool.InputSchema),
	}, nil
}

// RegisterNative adds an in-process tool under its bare name.
func (r *Registry) RegisterNative(tool NativeTool) error {
	if tool.Name == "" || IsNamespaced(tool.Name) {
		return errors.NewInvalidToolNameError(tool.Name)
	}
	if tool.Handler == nil {
		return errors.Newf(errors.ErrCodeToolInvalidName, "native tool %s has no handler", tool.Name)
	}
	e := &Entry{
		Name:        tool.Name,
		Source:      Source{Kind: SourceNative},
		Description: tool.Description,
		InputSchema: tool.InputSchema,
		tool:        tool.Name,
		schema:      r.compile(tool.Name, tool.InputSchema),
		handler:     tool.Handler,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[e.Name]; ok {
		return errors.NewToolExistsError(e.Name, existing.Source.String())
	}
	r.entries[e.Name] = e
	return nil
}

// UnregisterAll removes every tool of pluginID and returns how many were
// removed. Other plugins' tools are untouched.
func (r *Registry) UnregisterAll(pluginID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(pluginID)
}

func (r *Registry) unregisterLocked(pluginID string) int {
	n := 0
	for name, e := range r.entries {
		if e.Source.Kind == SourcePlugin && e.Source.PluginID == pluginID {
			delete(r.entries, name)
			n++
		}
	}
	return n
}

// Sync replaces pluginID's tools with tools in one step, so readers never
// see a half-updated set.
func (r *Registry) Sync(pluginID string, tools []mcp.Tool) error {
	entries := make([]*Entry, 0, len(tools))
	for _, t := range tools {
		e, err := r.pluginEntry(t, pluginID)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(pluginID)
	for _, e := range entries {
		if _, dup := r.entries[e.Name]; dup {
			r.log.Warn("plugin lists a tool twice", "plugin_id", pluginID, "tool", e.tool)
			continue
		}
		r.entries[e.Name] = e
	}
	return nil
}

// Resolve returns a copy of the entry for name.
func (r *Registry) Resolve(name string) (Entry, error) {
	if IsNamespaced(name) {
		if _, _, err := ParseName(name); err != nil {
			return Entry{}, err
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, errors.NewToolNotFoundError(name)
	}
	return *e, nil
}

// Entries returns every registered tool sorted by name.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns what the model is offered, sorted by name.
func (r *Registry) Definitions() []Definition {
	entries := r.Entries()
	out := make([]Definition, len(entries))
	for i, e := range entries {
		out[i] = Definition{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema}
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Execute runs the named tool with args and returns its text result.
// Plugin tools need their plugin configured and running; arguments are checked against
// the tool's input schema first. Nothing is retried.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (result string, err error) {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	source := SourceNative
	if IsNamespaced(name) {
		source = SourcePlugin
	}
	start := time.Now()
	ctx, span := telemetry.StartToolSpan(ctx, name, string(source))
	defer func() {
		telemetry.End(span, err, start)
		r.metrics.ToolExecuted(string(source), err == nil, time.Since(start))
		if err != nil {
			r.metrics.Error(string(errors.CodeOf(err)), "tools")
		}
	}()

	if source == SourcePlugin {
		pluginID, _, err := ParseName(name)
		if err != nil {
			return "", err
		}
		if r.plugins == nil || !r.plugins.Has(pluginID) {
			return "", errors.NewToolNotFoundError(name).
				WithSuggestion(fmt.Sprintf("No plugin %q is configured", pluginID))
		}
		if !r.plugins.IsRunning(pluginID) {
			return "", errors.NewPluginNotRunningError(pluginID)
		}
	}

	e, err := r.Resolve(name)
	if err != nil {
		return "", err
	}
	if err := validate(e, args); err != nil {
		return "", err
	}

	r.log.Debug("executing tool", "tool", name, "source", e.Source.String())

	if e.Source.Kind == SourceNative {
		return e.handler(ctx, args)
	}

	res, err := r.plugins.CallTool(ctx, e.Source.PluginID, e.tool, args)
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

// compile parses a JSON Schema for argument validation. Schemas kin-openapi
// cannot read are skipped rather than blocking the tool.
func (r *Registry) compile(tool string, raw json.RawMessage) *openapi3.Schema {
	if len(raw) == 0 {
		return nil
	}
	var s openapi3.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		r.log.Debug("input schema not usable for validation", "tool", tool, "error", err)
		return nil
	}
	return &s
}

func validate(e Entry, args json.RawMessage) error {
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return errors.Wrap(errors.ErrCodeToolInvalidArguments,
			fmt.Sprintf("arguments for %s are not valid JSON", e.Name), err)
	}
	if _, ok := value.(map[string]any); !ok {
		return errors.Newf(errors.ErrCodeToolInvalidArguments, "arguments for %s must be a JSON object", e.Name)
	}
	if e.schema == nil {
		return nil
	}
	if err := e.schema.VisitJSON(value, openapi3.MultiErrors()); err != nil {
		return errors.Wrap(errors.ErrCodeToolInvalidArguments,
			fmt.Sprintf("arguments for %s do not match its input schema", e.Name), err).
			WithSuggestion("Check the tool's input schema with 'conduit tools list --verbose'")
	}
	return nil
}
