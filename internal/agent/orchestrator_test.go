package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/conduit/internal/config"
	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/events"
	"github.com/felixgeelhaar/conduit/internal/llm"
	"github.com/felixgeelhaar/conduit/internal/llm/llmtest"
	"github.com/felixgeelhaar/conduit/internal/log"
	"github.com/felixgeelhaar/conduit/internal/tools"
)

type fixture struct {
	orch  *Orchestrator
	model *llmtest.Scripted
	reg   *tools.Registry
	sub   *events.Subscription
}

func newFixture(t *testing.T, replies ...llmtest.Reply) *fixture {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	model := llmtest.New(replies...)
	reg := tools.NewRegistry(tools.Options{Logger: log.Nop()})
	require.NoError(t, reg.RegisterNative(tools.NativeTool{
		Name: "upper",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"text": {"type": "string"}},
			"required": ["text"]
		}`),
		Handler: func(_ context.Context, args json.RawMessage) (string, error) {
			var in struct{ Text string }
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return strings.ToUpper(in.Text), nil
		},
	}))

	f := &fixture{
		model: model,
		reg:   reg,
		sub:   bus.Subscribe(64),
		orch: New(Options{
			Model:        model,
			Tools:        reg,
			Bus:          bus,
			Logger:       log.Nop(),
			ModelName:    "main",
			SystemPrompt: "You are helpful.",
		}),
	}
	return f
}

// send runs a turn to completion and returns its chunks.
func (f *fixture) send(t *testing.T, msg string) []llm.StreamChunk {
	t.Helper()
	ch, err := f.orch.Send(context.Background(), msg)
	require.NoError(t, err)
	var chunks []llm.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

// statuses collects agent status events until idle or error.
func (f *fixture) statuses(t *testing.T) []string {
	t.Helper()
	var out []string
	for {
		select {
		case e := <-f.sub.C:
			if e.Kind != events.KindAgentStatus {
				continue
			}
			s := string(e.Agent)
			if e.Tool != "" {
				s += " " + e.Tool
			}
			out = append(out, s)
			if e.Agent == events.AgentIdle || e.Agent == events.AgentError {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no final status, got %v", out)
		}
	}
}

func last(chunks []llm.StreamChunk) llm.StreamChunk {
	return chunks[len(chunks)-1]
}

func TestSendWithoutTools(t *testing.T) {
	f := newFixture(t, llmtest.Reply{Content: "Hi there"})

	chunks := f.send(t, "hello")
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi there", chunks[0].Delta)
	assert.True(t, last(chunks).Done)
	assert.NoError(t, last(chunks).Err)

	reqs := f.model.Requests()
	require.Len(t, reqs, 1, "no resume phase without tools")
	assert.Equal(t, "You are helpful.", reqs[0].System)
	assert.Equal(t, "main", reqs[0].Model)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "upper", reqs[0].Tools[0].Function.Name)

	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "hello"},
		{Role: llm.RoleAssistant, Content: "Hi there"},
	}, f.orch.History())
	assert.Equal(t, []string{"thinking", "responding", "idle"}, f.statuses(t))
}

func TestSendWithToolCalls(t *testing.T) {
	f := newFixture(t,
		llmtest.Reply{ToolCalls: []llm.ToolCall{
			llmtest.Call("c1", "upper", `{"text":"abc"}`),
			llmtest.Call("c2", "upper", `{"text":1}`),
			llmtest.Call("c3", "missing", `{}`),
		}},
		llmtest.Reply{Content: "Done: ABC"},
	)

	chunks := f.send(t, "shout abc")
	final := last(chunks)
	require.True(t, final.Done)
	require.NoError(t, final.Err)
	assert.Equal(t, "Done: ABC", final.Content)
	assert.Greater(t, len(chunks), 1, "answer is streamed")

	history := f.orch.History()
	require.Len(t, history, 6)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Len(t, history[1].ToolCalls, 3)

	results := history[2:5]
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.Equal(t, "ABC", results[0].Content)
	assert.Equal(t, "c2", results[1].ToolCallID)
	assert.True(t, strings.HasPrefix(results[1].Content, "Error: "), results[1].Content)
	assert.Equal(t, "c3", results[2].ToolCallID)
	assert.Contains(t, results[2].Content, "tool not found")
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "Done: ABC"}, history[5])
	require.NoError(t, CheckPairing(history))

	reqs := f.model.Requests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[1].Tools, "the resume phase offers no tools")
	assert.Len(t, reqs[1].Messages, 5, "resume sees the tool results")

	assert.Equal(t, []string{
		"thinking",
		"executing_tool upper",
		"executing_tool upper",
		"executing_tool missing",
		"responding",
		"idle",
	}, f.statuses(t))
}

func TestDelegateMisuseIsReportedDistinctly(t *testing.T) {
	f := newFixture(t,
		llmtest.Reply{ToolCalls: []llm.ToolCall{llmtest.Call("c1", "helper", `{"message":"go"}`)}},
		llmtest.Reply{Content: "ok"},
	)
	sneaky := llmtest.New(llmtest.Reply{ToolCalls: []llm.ToolCall{llmtest.Call("x", "upper", "{}")}})
	_, err := RegisterDelegates(f.reg, []config.AgentConfig{{Name: "helper", Enabled: true}},
		func(config.AgentConfig) llm.Client { return sneaky })
	require.NoError(t, err)

	final := last(f.send(t, "delegate please"))
	require.NoError(t, final.Err)

	history := f.orch.History()
	require.Len(t, history, 4)
	assert.Equal(t, "Error: agent helper is not allowed to call tools. Answer without delegating this request to it.",
		history[2].Content)
	assert.Nil(t, sneaky.Requests()[0].Tools)
}

func TestDetectFailureRollsBackUserMessage(t *testing.T) {
	f := newFixture(t, llmtest.Reply{Err: errors.New(errors.ErrCodeAgentModel, "unavailable")})

	chunks := f.send(t, "hello")
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Done)
	assert.Equal(t, errors.ErrCodeAgentModel, errors.CodeOf(chunks[0].Err))
	assert.Empty(t, f.orch.History())
	assert.Equal(t, []string{"thinking", "error"}, f.statuses(t))
}

func TestStreamFailureKeepsToolResults(t *testing.T) {
	f := newFixture(t,
		llmtest.Reply{ToolCalls: []llm.ToolCall{llmtest.Call("c1", "upper", `{"text":"a"}`)}},
		llmtest.Reply{Content: "partial answer", StreamErr: errors.New(errors.ErrCodeAgentModel, "cut off")},
	)

	final := last(f.send(t, "go"))
	require.True(t, final.Done)
	assert.Error(t, final.Err)
	assert.Equal(t, "partial answer", final.Content)

	history := f.orch.History()
	require.Len(t, history, 3, "the partial answer stays out of history")
	require.NoError(t, CheckPairing(history))
}

func TestTurnsAreSerialized(t *testing.T) {
	gate := make(chan struct{})
	f := newFixture(t, llmtest.Reply{Content: "first", Block: gate}, llmtest.Reply{Content: "second"})
	ctx := context.Background()

	ch, err := f.orch.Send(ctx, "one")
	require.NoError(t, err)
	_, err = f.orch.Send(ctx, "two")
	assert.Equal(t, errors.ErrCodeAgentBusy, errors.CodeOf(err))
	assert.Equal(t, errors.ErrCodeAgentBusy, errors.CodeOf(f.orch.Reset()))

	close(gate)
	for range ch {
	}
	chunks := f.send(t, "two")
	assert.Equal(t, "second", last(chunks).Content)
	assert.Len(t, f.orch.History(), 4)

	require.NoError(t, f.orch.Reset())
	assert.Empty(t, f.orch.History())
}

func TestHistoryStaysBounded(t *testing.T) {
	var replies []llmtest.Reply
	for i := 0; i < 6; i++ {
		replies = append(replies,
			llmtest.Reply{ToolCalls: []llm.ToolCall{llmtest.Call("c"+string(rune('a'+i)), "upper", `{"text":"x"}`)}},
			llmtest.Reply{Content: "answer"},
		)
	}
	f := newFixture(t, replies...)
	f.orch = New(Options{Model: f.model, Tools: f.reg, Logger: log.Nop(), MaxHistory: 5})

	for i := 0; i < 6; i++ {
		require.NoError(t, last(f.send(t, "again")).Err)
		history := f.orch.History()
		assert.LessOrEqual(t, len(history), 5)
		require.NoError(t, CheckPairing(history))
	}
}

func TestCancelledTurn(t *testing.T) {
	f := newFixture(t,
		llmtest.Reply{ToolCalls: []llm.ToolCall{llmtest.Call("c1", "upper", `{"text":"a"}`)}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, err := f.orch.Send(ctx, "go")
	require.NoError(t, err)
	for range ch {
	}

	history := f.orch.History()
	require.NoError(t, CheckPairing(history))
	require.Len(t, history, 3)
	assert.Contains(t, history[2].Content, "cancelled")

	// The turn slot is free again.
	f.model.Push(llmtest.Reply{Content: "back"})
	assert.Equal(t, "back", last(f.send(t, "again")).Content)
}
