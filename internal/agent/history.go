package agent

import (
	"fmt"

	"github.com/felixgeelhaar/conduit/internal/llm"
)

// History is the bounded message log of one conversation. It is not safe
// for concurrent use; the Orchestrator guards it.
type History struct {
	max  int
	msgs []llm.Message
}

// NewHistory returns an empty history keeping at most max messages after
// each Trim. A max of zero or less means unbounded.
func NewHistory(max int) *History {
	return &History{max: max}
}

// Append adds messages at the end. It never trims, so a turn in progress
// cannot lose its own tool-call entry.
func (h *History) Append(msgs ...llm.Message) {
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a copy of the log.
func (h *History) Messages() []llm.Message {
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int { return len(h.msgs) }

// Truncate drops everything from index n on.
func (h *History) Truncate(n int) {
	if n < len(h.msgs) {
		h.msgs = h.msgs[:n]
	}
}

// Reset empties the log.
func (h *History) Reset() { h.msgs = nil }

// Trim removes the oldest messages until at most max remain, then keeps
// removing leading tool results whose assistant call is gone.
func (h *History) Trim() int {
	if h.max <= 0 || len(h.msgs) <= h.max {
		return 0
	}
	drop := len(h.msgs) - h.max
	for drop < len(h.msgs) && h.msgs[drop].Role == llm.RoleTool {
		drop++
	}
	h.msgs = append([]llm.Message(nil), h.msgs[drop:]...)
	return drop
}

// CheckPairing reports the first tool result that has no earlier assistant
// entry requesting its call id.
func CheckPairing(msgs []llm.Message) error {
	requested := make(map[string]bool)
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleAssistant:
			for _, c := range m.ToolCalls {
				requested[c.ID] = true
			}
		case llm.RoleTool:
			if !requested[m.ToolCallID] {
				return fmt.Errorf("message %d: tool result %q has no matching tool call", i, m.ToolCallID)
			}
		}
	}
	return nil
}
