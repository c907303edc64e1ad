package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/log"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(Options{
		BaseURL:    srv.URL + "/",
		APIKey:     "test-key",
		Model:      "test-model",
		HTTPClient: srv.Client(),
		Logger:     log.Nop(),
	})
}

func decodeRequest(t *testing.T, r *http.Request) chatRequest {
	t.Helper()
	var req chatRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestNewOpenAIDefaults(t *testing.T) {
	c := NewOpenAI(Options{})
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultModel, c.Model())
	assert.NotNil(t, c.client.Transport)
}

func TestDetectToolCalls(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		got = decodeRequest(t, r)
		fmt.Fprint(w, `{
			"model": "test-model",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [
						{"id": "call_1", "type": "function", "function": {"name": "mcp:fs:read", "arguments": "{\"path\":\"a\"}"}},
						{"function": {"name": "search", "arguments": "{}"}}
					]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	})

	res, err := c.Detect(context.Background(), &Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "read a"}},
		Tools:    []Tool{FunctionTool("mcp:fs:read", "Read a file", json.RawMessage(`{"type":"object"}`))},
	})
	require.NoError(t, err)

	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, "be brief", got.Messages[0].Content)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)

	assert.Empty(t, res.Content)
	assert.Equal(t, "tool_calls", res.FinishReason)
	assert.Equal(t, 15, res.Usage.TotalTokens)
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "call_1", res.ToolCalls[0].ID)
	assert.Equal(t, `{"path":"a"}`, res.ToolCalls[0].Function.Arguments)
	assert.NotEmpty(t, res.ToolCalls[1].ID, "missing ids are filled in")
	assert.Equal(t, "function", res.ToolCalls[1].Type)
}

func TestDetectPlainAnswer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Empty(t, req.Tools, "nil tools are omitted")
		assert.Equal(t, "other-model", req.Model)
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}]}`)
	})

	res, err := c.Detect(context.Background(), &Request{
		Model:    "other-model",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Empty(t, res.ToolCalls)
}

func TestDetectErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"api error", http.StatusBadRequest, `{"error": {"message": "bad model", "type": "invalid_request_error"}}`, "bad model"},
		{"plain error", http.StatusBadGateway, `upstream down`, "upstream down"},
		{"no choices", http.StatusOK, `{"choices": []}`, "no choices"},
		{"garbage", http.StatusOK, `{`, "decode model response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := c.Detect(context.Background(), &Request{})
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeAgentModel, errors.CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func collect(t *testing.T, ch <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	for chunk := range ch {
		out = append(out, chunk)
	}
	return out
}

func TestStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.True(t, req.Stream)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{
			`{"choices":[{"delta":{"role":"assistant"}}]}`,
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	})

	ch, err := c.Stream(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	chunks := collect(t, ch)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, "Hello", chunks[1].Content)
	assert.True(t, chunks[2].Done)
	assert.NoError(t, chunks[2].Err)
	assert.Equal(t, "Hello", chunks[2].Content)
}

func TestStreamErrors(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		content string
		wantErr bool
	}{
		{"malformed chunk", []string{`data: {"choices":[{"delta":{"content":"a"}}]}`, `data: {`}, "a", true},
		{"error chunk", []string{`data: {"error":{"message":"overloaded"}}`}, "", true},
		{"ends without done", []string{`data: {"choices":[{"delta":{"content":"partial"}}]}`}, "partial", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for _, line := range tt.lines {
					fmt.Fprintf(w, "%s\n\n", line)
				}
			})
			ch, err := c.Stream(context.Background(), &Request{})
			require.NoError(t, err)
			chunks := collect(t, ch)
			last := chunks[len(chunks)-1]
			assert.True(t, last.Done)
			assert.Equal(t, tt.content, last.Content)
			if tt.wantErr {
				assert.Equal(t, errors.ErrCodeAgentModel, errors.CodeOf(last.Err))
			} else {
				assert.NoError(t, last.Err)
			}
		})
	}
}

func TestStreamHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `nope`)
	})
	_, err := c.Stream(context.Background(), &Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.api_key")
}
