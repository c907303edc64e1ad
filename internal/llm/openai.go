package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/conduit/internal/errors"
	"github.com/felixgeelhaar/conduit/internal/log"
)

// Defaults for OpenAI-compatible endpoints.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 120 * time.Second
)

// Options configures an OpenAI client.
type Options struct {
	BaseURL string
	APIKey  string
	Model   string

	// HTTPClient overrides the default traced client.
	HTTPClient *http.Client
	Logger     *log.Logger
}

// OpenAI implements Client against the /chat/completions API.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	log     *log.Logger
}

// NewOpenAI creates a client. Unset options fall back to the defaults.
func NewOpenAI(opts Options) *OpenAI {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &OpenAI{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		model:   model,
		client:  client,
		log:     log.OrDefault(opts.Logger).Component("llm"),
	}
}

// Model returns the model used when a request names none.
func (c *OpenAI) Model() string { return c.model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

// chatMessage tolerates a null content, which endpoints send alongside
// tool calls.
type chatMessage struct {
	Role      Role       `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Detect implements Client.
func (c *OpenAI) Detect(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAgentModel, "read model response", err)
	}
	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrap(errors.ErrCodeAgentModel, "decode model response", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New(errors.ErrCodeAgentModel, "model returned no choices")
	}

	choice := out.Choices[0]
	res := &Response{
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Model:        out.Model,
		Usage:        out.Usage,
	}
	if choice.Message.Content != nil {
		res.Content = *choice.Message.Content
	}
	for i := range res.ToolCalls {
		if res.ToolCalls[i].ID == "" {
			res.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
		if res.ToolCalls[i].Type == "" {
			res.ToolCalls[i].Type = "function"
		}
	}
	c.log.Debug("model answered",
		"model", res.Model,
		"tool_calls", len(res.ToolCalls),
		"finish_reason", res.FinishReason,
		"total_tokens", res.Usage.TotalTokens,
	)
	return res, nil
}

// Stream implements Client. The returned channel is closed when the server
// ends the stream, on error, or when ctx is done.
func (c *OpenAI) Stream(ctx context.Context, req *Request) (<-chan StreamChunk, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 16)
	go c.readStream(ctx, resp, ch)
	return ch, nil
}

func (c *OpenAI) readStream(ctx context.Context, resp *http.Response, ch chan<- StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	send := func(chunk StreamChunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(StreamChunk{Content: content.String(), Done: true})
			return
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(StreamChunk{
				Content: content.String(),
				Done:    true,
				Err:     errors.Wrap(errors.ErrCodeAgentModel, "decode stream chunk", err),
			})
			return
		}
		if chunk.Error != nil {
			send(StreamChunk{
				Content: content.String(),
				Done:    true,
				Err:     errors.New(errors.ErrCodeAgentModel, chunk.Error.Message),
			})
			return
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == nil {
			continue
		}
		delta := *chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content.WriteString(delta)
		if !send(StreamChunk{Delta: delta, Content: content.String()}) {
			return
		}
	}

	final := StreamChunk{Content: content.String(), Done: true}
	if err := scanner.Err(); err != nil {
		final.Err = errors.Wrap(errors.ErrCodeAgentModel, "read stream", err)
	} else if err := ctx.Err(); err != nil {
		final.Err = errors.Wrap(errors.ErrCodeAgentModel, "stream cancelled", err)
	}
	// A stream cut off without [DONE] still yields what arrived.
	send(final)
}

func (c *OpenAI) post(ctx context.Context, req *Request, stream bool) (*http.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Tools:       req.Tools,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAgentModel, "encode model request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAgentModel, "create model request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAgentModel, "send model request", err).
			WithSuggestion("Check chat.api_base in the config file")
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var out chatResponse
	if err := json.Unmarshal(body, &out); err == nil && out.Error != nil {
		return errors.Newf(errors.ErrCodeAgentModel, "model error (%d): %s", resp.StatusCode, out.Error.Message)
	}
	err := errors.Newf(errors.ErrCodeAgentModel, "model endpoint returned %d: %s",
		resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode == http.StatusUnauthorized {
		err = err.WithSuggestion("Check chat.api_key in the config file")
	}
	return err
}

var _ Client = (*OpenAI)(nil)

// String describes the endpoint for logs.
func (c *OpenAI) String() string {
	return fmt.Sprintf("%s (%s)", c.baseURL, c.model)
}
