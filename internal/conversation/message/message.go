// Package message defines the conversation message model shared by the
// session engine, the fine-grained store, and transports.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's ordered message list.
// Parts preserve insertion order.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// NewUser constructs a user message with a fresh id.
func NewUser(parts []Part) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Parts:     parts,
		CreatedAt: time.Now(),
	}
}

// NewAssistant constructs an empty assistant message with a fresh id,
// ready to accumulate streamed parts.
func NewAssistant() Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Parts:     []Part{},
		CreatedAt: time.Now(),
		Metadata:  &Metadata{},
	}
}

// IsUser returns true for user-authored messages.
func (m Message) IsUser() bool { return m.Role == RoleUser }

// IsAssistant returns true for assistant messages.
func (m Message) IsAssistant() bool { return m.Role == RoleAssistant }

// Text concatenates the visible text parts of the message.
// File-content parts are hidden from display and skipped.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// HasPendingTool reports whether any tool invocation in the message is
// still awaiting output. Used to derive the streaming-idle indicator.
func (m Message) HasPendingTool() bool {
	for _, p := range m.Parts {
		if p.Type == PartToolInvocation && p.ToolState == ToolPending {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy: the parts slice is copied so callers
// can append without aliasing, part payloads are value types.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	copy(out.Parts, m.Parts)
	if m.Metadata != nil {
		meta := *m.Metadata
		out.Metadata = &meta
	}
	return out
}

// CloneAll deep-copies an ordered message list.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// LastUserIndex returns the index of the last user message, or -1.
func LastUserIndex(msgs []Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsUser() {
			return i
		}
	}
	return -1
}

// EndsWithUnansweredUser reports whether the list ends with a user message
// that has no assistant reply after it. This is the condition for
// auto-resuming a turn that was submitted but never answered.
func EndsWithUnansweredUser(msgs []Message) bool {
	if len(msgs) == 0 {
		return false
	}
	return msgs[len(msgs)-1].IsUser()
}
