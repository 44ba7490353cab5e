package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the four chat-protocol roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCall represents a tool invocation request declared by an assistant message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult carries the output of one tool invocation. A tool-role message
// holds one or more results, each pointing back at the declaring tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message represents a single conversation turn unit.
//
// Content may be empty for assistant messages that only carry tool calls.
// ToolCalls is only meaningful on assistant messages; ToolResults only on
// tool messages.
type Message struct {
	ID          string       `json:"id,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Timestamp   time.Time    `json:"timestamp,omitempty"`
}

// NewMessage creates a new message with a generated id and current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return NewMessage(RoleAssistant, content)
}

// NewToolMessage creates a new tool message carrying a single result.
func NewToolMessage(toolCallID, content string) Message {
	return Message{
		ID:          uuid.New().String(),
		Role:        RoleTool,
		ToolResults: []ToolResult{{ToolCallID: toolCallID, Content: content}},
		Timestamp:   time.Now(),
	}
}

// HasToolCalls reports whether the message declares at least one tool call.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// ToolCallIDs returns the ids of all tool calls declared by the message.
func (m Message) ToolCallIDs() []string {
	if len(m.ToolCalls) == 0 {
		return nil
	}
	ids := make([]string, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		ids = append(ids, tc.ID)
	}
	return ids
}

// AnswersCall reports whether the message is a tool message carrying a
// result for the given tool-call id.
func (m Message) AnswersCall(toolCallID string) bool {
	if m.Role != RoleTool {
		return false
	}
	for _, tr := range m.ToolResults {
		if tr.ToolCallID == toolCallID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the message. Slices are copied so mutating
// the clone never aliases the original.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
		for i, tc := range m.ToolCalls {
			if len(tc.Arguments) > 0 {
				out.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
		}
	}
	if len(m.ToolResults) > 0 {
		out.ToolResults = make([]ToolResult, len(m.ToolResults))
		copy(out.ToolResults, m.ToolResults)
	}
	return out
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
