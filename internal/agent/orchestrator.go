// Package agent runs conversation turns with two-phase tool calling: the
// model is first asked whether the turn needs tools, requested calls are
// executed in order through the tool registry, and the model then streams
// its final answer with the results in history.
package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/llm"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/metrics"
	"github.com/felixgeelhaar/conduit/internal/telemetry"
	"github.com/felixgeelhaar/conduit/internal/tools"
)

// Options configures an Orchestrator.
type Options struct {
	Model   llm.Client
	Tools   *tools.Registry
	Bus     *events.Bus
	Logger  *log.Logger
	Metrics *metrics.Metrics

	ModelName    string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	MaxHistory   int
}

// Orchestrator owns one conversation. One turn runs at a time.
type Orchestrator struct {
	model   llm.Client
	tools   *tools.Registry
	bus     *events.Bus
	log     *log.Logger
	metrics *metrics.Metrics
	opts    Options

	turn chan struct{}

	mu      sync.Mutex
	history *History
}

// New creates an orchestrator with an empty history.
func New(opts Options) *Orchestrator {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = config.DefaultMaxHistory
	}
	return &Orchestrator{
		model:   opts.Model,
		tools:   opts.Tools,
		bus:     opts.Bus,
		log:     log.OrDefault(opts.Logger).Component("agent"),
		metrics: opts.Metrics,
		opts:    opts,
		turn:    make(chan struct{}, 1),
		history: NewHistory(opts.MaxHistory),
	}
}

// History returns a copy of the conversation so far.
func (o *Orchestrator) History() []llm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Messages()
}

// Reset clears the conversation. It fails while a turn is running.
func (o *Orchestrator) Reset() error {
	select {
	case o.turn <- struct{}{}:
	default:
		return errors.New(errors.ErrCodeAgentBusy, "a turn is in progress")
	}
	defer func() { <-o.turn }()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.history.Reset()
	return nil
}

// Send starts a turn for message and returns the streamed answer. The
// channel ends with a Done chunk whose Err reports a failed turn. Callers
// must drain the channel or cancel ctx. Send fails with AGENT-003 while
// another turn is running.
func (o *Orchestrator) Send(ctx context.Context, message string) (<-chan llm.StreamChunk, error) {
	select {
	case o.turn <- struct{}{}:
	default:
		return nil, errors.New(errors.ErrCodeAgentBusy, "a turn is already in progress").
			WithSuggestion("Wait for the current answer to finish")
	}

	o.mu.Lock()
	o.history.Trim()
	mark := o.history.Len()
	o.history.Append(llm.Message{Role: llm.RoleUser, Content: message})
	o.mu.Unlock()

	out := make(chan llm.StreamChunk, 16)
	go o.run(ctx, mark, out)
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, mark int, out chan<- llm.StreamChunk) {
	defer close(out)

	start := time.Now()
	turnID := uuid.NewString()
	ctx, span := telemetry.StartTurnSpan(ctx, turnID)
	turnLog := o.log.With("turn_id", turnID)

	usedTools, final, err := o.turnPhases(ctx, mark, out)

	telemetry.End(span, err, start)
	o.metrics.TurnCompleted(usedTools, err == nil, time.Since(start))
	o.mu.Lock()
	o.history.Trim()
	o.mu.Unlock()

	if err != nil {
		o.metrics.Error(string(errors.CodeOf(err)), "agent")
		turnLog.LogError("turn failed", err)
		o.status(events.AgentError, "")
		final = llm.StreamChunk{Content: final.Content, Done: true, Err: err}
	} else {
		turnLog.Debug("turn complete", "used_tools", usedTools, "duration", time.Since(start))
		o.status(events.AgentIdle, "")
	}

	// Free the turn before the last chunk so a caller that saw Done can
	// send again right away.
	<-o.turn
	o.emit(ctx, out, final)
}

// turnPhases runs Detecting, optionally executes tools, then Resuming.
// Partial chunks are emitted here; the Done chunk is returned for run to
// send last.
func (o *Orchestrator) turnPhases(ctx context.Context, mark int, out chan<- llm.StreamChunk) (usedTools bool, final llm.StreamChunk, err error) {
	o.status(events.AgentThinking, "")
	resp, err := o.detect(ctx)
	if err != nil {
		// Drop the unanswered user message so the turn can be retried.
		o.mu.Lock()
		o.history.Truncate(mark)
		o.mu.Unlock()
		return false, final, err
	}

	if len(resp.ToolCalls) == 0 {
		o.status(events.AgentResponding, "")
		o.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		if resp.Content != "" {
			o.emit(ctx, out, llm.StreamChunk{Delta: resp.Content, Content: resp.Content})
		}
		return false, llm.StreamChunk{Content: resp.Content, Done: true}, nil
	}

	// The assistant entry goes in before any result so every tool message
	// has its call to point at.
	o.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
	for _, call := range resp.ToolCalls {
		o.status(events.AgentExecutingTool, call.Function.Name)
		o.appendHistory(llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Content:    o.execute(ctx, call),
		})
	}

	if err := ctx.Err(); err != nil {
		return true, final, wrapModel("resume", err)
	}
	o.status(events.AgentResponding, "")
	final, err = o.resume(ctx, out)
	return true, final, err
}

func (o *Orchestrator) detect(ctx context.Context) (*llm.Response, error) {
	var offered []llm.Tool
	if o.tools != nil {
		for _, d := range o.tools.Definitions() {
			offered = append(offered, llm.FunctionTool(d.Name, d.Description, d.InputSchema))
		}
	}

	start := time.Now()
	ctx, span := telemetry.StartModelSpan(ctx, o.opts.ModelName, "detect")
	resp, err := o.model.Detect(ctx, o.request(offered))
	telemetry.End(span, err, start)
	if err != nil {
		return nil, wrapModel("detect", err)
	}
	return resp, nil
}

func (o *Orchestrator) resume(ctx context.Context, out chan<- llm.StreamChunk) (final llm.StreamChunk, err error) {
	start := time.Now()
	ctx, span := telemetry.StartModelSpan(ctx, o.opts.ModelName, "stream")
	defer func() { telemetry.End(span, err, start) }()

	stream, err := o.model.Stream(ctx, o.request(nil))
	if err != nil {
		return final, wrapModel("stream", err)
	}
	for chunk := range stream {
		if !chunk.Done {
			final.Content = chunk.Content
			o.emit(ctx, out, chunk)
			continue
		}
		if chunk.Err != nil {
			// The partial answer stays out of history; the tool results stay in.
			return chunk, wrapModel("stream", chunk.Err)
		}
		o.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: chunk.Content})
		return chunk, nil
	}
	if err := ctx.Err(); err != nil {
		return final, wrapModel("stream", err)
	}
	return final, errors.New(errors.ErrCodeAgentModel, "stream ended without a final chunk")
}

// execute runs one tool call. Failures become the result text so the
// model can react to them.
func (o *Orchestrator) execute(ctx context.Context, call llm.ToolCall) string {
	name := call.Function.Name
	if err := ctx.Err(); err != nil {
		return "Error: turn cancelled before " + name + " ran"
	}
	if o.tools == nil {
		return "Error: no tools are available"
	}

	var args json.RawMessage
	if call.Function.Arguments != "" {
		args = json.RawMessage(call.Function.Arguments)
	}
	result, err := o.tools.Execute(ctx, name, args)
	if err != nil {
		o.log.Warn("tool call failed", "tool", name, "call_id", call.ID, "error_code", errors.CodeOf(err), "error", err)
		return toolError(name, err)
	}
	return result
}

func toolError(name string, err error) string {
	if errors.HasCode(err, errors.ErrCodeAgentDelegateToolUse) {
		return "Error: agent " + name + " is not allowed to call tools. Answer without delegating this request to it."
	}
	var ce *errors.ConduitError
	if stderrors.As(err, &ce) {
		return "Error: " + ce.Summary()
	}
	return "Error: " + err.Error()
}

func (o *Orchestrator) request(offered []llm.Tool) *llm.Request {
	return &llm.Request{
		Model:       o.opts.ModelName,
		System:      o.opts.SystemPrompt,
		Messages:    o.History(),
		Tools:       offered,
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
	}
}

func (o *Orchestrator) appendHistory(m llm.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.history.Append(m)
}

func (o *Orchestrator) emit(ctx context.Context, out chan<- llm.StreamChunk, chunk llm.StreamChunk) {
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) status(state events.AgentState, tool string) {
	if o.bus != nil {
		o.bus.Publish(events.AgentStatus(state, tool))
	}
}

func wrapModel(op string, err error) error {
	if errors.CodeOf(err) == errors.ErrCodeAgentModel {
		return err
	}
	return errors.Wrap(errors.ErrCodeAgentModel, "model "+op, err)
}
