package schemas

import (
	"time"
)

// -- Conversation Schemas --

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageOrigin records which executor produced a message. The recorder uses
// it to tell a freshly reasoned turn apart from a replayed one.
type MessageOrigin string

const (
	OriginLiveAgent MessageOrigin = "live_agent"
	OriginReplay    MessageOrigin = "replay"
)

// Message is a single entry in the shared conversation history. Exactly one
// of ToolCall or ToolResult is set for tool traffic; plain assistant or
// system text carries neither.
type Message struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCall   *ToolCall     `json:"tool_call,omitempty"`
	ToolResult *ToolResult   `json:"tool_result,omitempty"`
	Origin     MessageOrigin `json:"origin,omitempty"`
	Timestamp  time.Time     `json:"timestamp,omitempty"`
}

// ToolCall is a request, decided by the reasoning step, to invoke a named
// tool with a structured input map.
type ToolCall struct {
	ID    string         `json:"id"`
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// ToolResult carries the outcome of a tool invocation back into the history.
// Screenshot, when present, is the raw encoded image captured after the
// action completed.
type ToolResult struct {
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
	Screenshot []byte `json:"screenshot,omitempty"`
}

// LastScreenshotBefore walks history backwards from index i (exclusive) and
// returns the most recent screenshot, or nil if none was captured yet.
func LastScreenshotBefore(history []Message, i int) []byte {
	if i > len(history) {
		i = len(history)
	}
	for j := i - 1; j >= 0; j-- {
		if r := history[j].ToolResult; r != nil && len(r.Screenshot) > 0 {
			return r.Screenshot
		}
	}
	return nil
}

// ToolCalls extracts the ordered tool invocations (call paired with its
// result, when one exists) from a history slice.
func ToolCalls(history []Message) []Message {
	out := make([]Message, 0, len(history))
	for _, m := range history {
		if m.ToolCall != nil {
			out = append(out, m)
		}
	}
	return out
}
