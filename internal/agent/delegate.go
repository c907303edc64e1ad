package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/llm"
	"github.com/felixgeelhaar/conduit/internal/tools"
)

const webSearchDescription = "Search the web for current, real-time information. Use this when the user asks " +
	"about recent events, current data, weather, news, or anything after your knowledge cutoff. " +
	"Provide a clear, specific search query."

var (
	messageSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"message": {"type": "string", "description": "The message to send to the agent"}},
		"required": ["message"]
	}`)
	querySchema = json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string", "description": "The search query to execute"}},
		"required": ["query"]
	}`)
)

// Delegate is a specialist agent offered to the main conversation as a
// native tool. It answers with its own model and is never offered tools.
type Delegate struct {
	cfg   config.AgentConfig
	model llm.Client
}

// NewDelegate binds an agent definition to the model that serves it.
func NewDelegate(cfg config.AgentConfig, model llm.Client) *Delegate {
	return &Delegate{cfg: cfg, model: model}
}

// Name is the tool name the delegate is registered under.
func (d *Delegate) Name() string { return d.cfg.Name }

// Description tells the main model when to call the delegate: the
// configured description, or the first paragraph of the instruction.
func (d *Delegate) Description() string {
	if d.cfg.Description != "" {
		return d.cfg.Description
	}
	if d.cfg.WebSearch {
		return webSearchDescription
	}
	var para []string
	for _, line := range strings.Split(strings.TrimSpace(d.cfg.Instruction), "\n") {
		if strings.TrimSpace(line) == "" {
			break
		}
		para = append(para, strings.TrimSpace(line))
	}
	if len(para) == 0 {
		return d.cfg.Name + " agent"
	}
	return strings.Join(para, " ")
}

func (d *Delegate) param() string {
	if d.cfg.WebSearch {
		return "query"
	}
	return "message"
}

// Tool returns the delegate as a native tool.
func (d *Delegate) Tool() tools.NativeTool {
	schema := messageSchema
	if d.cfg.WebSearch {
		schema = querySchema
	}
	return tools.NativeTool{
		Name:        d.cfg.Name,
		Description: d.Description(),
		InputSchema: schema,
		Handler:     d.Ask,
	}
}

// Ask runs one exchange with the delegate. A delegate that answers with
// tool calls fails with ErrDelegateToolUse.
func (d *Delegate) Ask(ctx context.Context, args json.RawMessage) (string, error) {
	var in map[string]any
	if err := json.Unmarshal(args, &in); err != nil {
		return "", errors.Wrap(errors.ErrCodeToolInvalidArguments, "delegate arguments", err)
	}
	text, _ := in[d.param()].(string)
	if strings.TrimSpace(text) == "" {
		return "", errors.Newf(errors.ErrCodeToolInvalidArguments, "%s needs a non-empty %q", d.cfg.Name, d.param())
	}

	resp, err := d.model.Detect(ctx, &llm.Request{
		Model:       d.cfg.Model,
		System:      d.cfg.Instruction,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: text}},
		Tools:       nil,
		Temperature: d.cfg.Temperature,
		MaxTokens:   d.cfg.MaxTokens,
	})
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeToolExecution, fmt.Sprintf("agent %s", d.cfg.Name), err)
	}
	if len(resp.ToolCalls) > 0 {
		names := make([]string, len(resp.ToolCalls))
		for i, c := range resp.ToolCalls {
			names[i] = c.Function.Name
		}
		return "", errors.Newf(errors.ErrCodeAgentDelegateToolUse,
			"agent %s tried to call tools (%s); delegates cannot use tools",
			d.cfg.Name, strings.Join(names, ", "))
	}
	return resp.Content, nil
}

// ModelFactory builds the model client for one agent definition.
type ModelFactory func(config.AgentConfig) llm.Client

// RegisterDelegates registers every enabled agent as a native tool and
// returns the delegates registered.
func RegisterDelegates(reg *tools.Registry, agents []config.AgentConfig, models ModelFactory) ([]*Delegate, error) {
	var out []*Delegate
	for _, a := range agents {
		if !a.Enabled {
			continue
		}
		d := NewDelegate(a, models(a))
		if err := reg.RegisterNative(d.Tool()); err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}
