// Package llm talks to OpenAI-compatible chat completion endpoints. The
// orchestrator uses it in two phases: Detect asks the model whether tools
// are needed, Stream produces the final answer.
package llm

import (
	"context"
	"encoding/json"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation entry.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its arguments as a JSON string,
// exactly as the model produced them.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable tool.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionTool builds a Tool of type "function".
func FunctionTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{
		Type:     "function",
		Function: ToolFunction{Name: name, Description: description, Parameters: parameters},
	}
}

// Request is one chat completion request. A nil Tools slice offers none.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature *float64
	MaxTokens   int
}

// Usage reports token counts when the endpoint returns them.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a complete, non-streamed answer.
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Usage        Usage
}

// StreamChunk is one piece of a streamed answer. Content accumulates all
// deltas so far. The final chunk has Done set; Err is only set on it.
type StreamChunk struct {
	Delta   string
	Content string
	Done    bool
	Err     error
}

// Client is a chat model.
type Client interface {
	// Detect returns the full answer, including any tool calls.
	Detect(ctx context.Context, req *Request) (*Response, error)

	// Stream returns the answer as it is produced. The channel is closed
	// after the Done chunk.
	Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error)
}
