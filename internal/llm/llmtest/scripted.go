// Package llmtest provides a scripted llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/felixgeelhaar/conduit/internal/llm"
)

// Reply is one scripted model answer. Err fails the call itself; StreamErr
// ends a stream with an error after Content has been sent. A non-nil Block
// holds the call until it is closed or the context ends.
type Reply struct {
	Content   string
	ToolCalls []llm.ToolCall
	Err       error
	StreamErr error
	Block     <-chan struct{}
}

// Scripted answers Detect and Stream calls from a queue of replies, in
// order, and records every request it sees.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	requests []llm.Request
}

// New returns a client that will answer with replies in order.
func New(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Push queues more replies.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Requests returns a copy of the requests seen so far.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Scripted) next(req *llm.Request) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *req
	r.Messages = append([]llm.Message(nil), req.Messages...)
	s.requests = append(s.requests, r)
	if len(s.replies) == 0 {
		return Reply{}, fmt.Errorf("llmtest: no reply scripted for request %d", len(s.requests))
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func wait(ctx context.Context, block <-chan struct{}) error {
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detect implements llm.Client.
func (s *Scripted) Detect(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	reply, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, reply.Block); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &llm.Response{Content: reply.Content, ToolCalls: reply.ToolCalls}, nil
}

// Stream implements llm.Client. Content is delivered one word at a time.
func (s *Scripted) Stream(ctx context.Context, req *llm.Request) (<-chan llm.StreamChunk, error) {
	reply, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, reply.Block); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		var content strings.Builder
		for _, word := range strings.SplitAfter(reply.Content, " ") {
			if word == "" {
				continue
			}
			content.WriteString(word)
			select {
			case ch <- llm.StreamChunk{Delta: word, Content: content.String()}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.StreamChunk{Content: content.String(), Done: true, Err: reply.StreamErr}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// Call builds a tool call.
func Call(id, name, arguments string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: arguments}}
}

var _ llm.Client = (*Scripted)(nil)
