package types

import (
	"time"

	"github.com/google/uuid"
)

// Session is one ongoing conversation. The message sequence is append-only
// from the caller's perspective; only history compression rewrites Messages
// and MemorySummary, and always together.
type Session struct {
	ID            string      `json:"id"`
	Messages      []Message   `json:"messages"`
	MemorySummary string      `json:"memory_summary,omitempty"`
	Scratchpad    *Scratchpad `json:"scratchpad,omitempty"`
	Model         string      `json:"model,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	LastActiveAt  time.Time   `json:"last_active_at"`
	Version       int         `json:"version"`
}

// NewSession creates an empty session. A zero id is replaced with a
// generated one.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()
	return &Session{
		ID:           id,
		Messages:     []Message{},
		CreatedAt:    now,
		LastActiveAt: now,
		Version:      1,
	}
}

// Append adds a message and bumps the activity timestamp.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.LastActiveAt = time.Now()
}

// MessageCount returns the number of messages currently held.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// LastUserContent returns the content of the most recent user message,
// or "" when the session has none.
func (s *Session) LastUserContent() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy of the session, suitable for mutate-then-commit
// workflows where the original must survive a failed commit untouched.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = CloneMessages(s.Messages)
	out.Scratchpad = s.Scratchpad.Clone()
	return &out
}

// Scratchpad is a structured, short-lived progress record for a multi-step
// task, distinct from the long-term memory summary.
type Scratchpad struct {
	Visited   []string          `json:"visited,omitempty"`
	Collected map[string]string `json:"collected,omitempty"`
	Pending   []string          `json:"pending,omitempty"`
	Progress  string            `json:"progress,omitempty"`
}

// IsEmpty reports whether the scratchpad carries no data at all.
func (p *Scratchpad) IsEmpty() bool {
	if p == nil {
		return true
	}
	return len(p.Visited) == 0 && len(p.Collected) == 0 && len(p.Pending) == 0 && p.Progress == ""
}

// Clone deep-copies the scratchpad.
func (p *Scratchpad) Clone() *Scratchpad {
	if p == nil {
		return nil
	}
	out := &Scratchpad{Progress: p.Progress}
	if len(p.Visited) > 0 {
		out.Visited = append([]string(nil), p.Visited...)
	}
	if len(p.Pending) > 0 {
		out.Pending = append([]string(nil), p.Pending...)
	}
	if len(p.Collected) > 0 {
		out.Collected = make(map[string]string, len(p.Collected))
		for k, v := range p.Collected {
			out.Collected[k] = v
		}
	}
	return out
}
