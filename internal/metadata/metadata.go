// Package metadata describes sub-conversations: their display name, mode,
// working directory, and the stream id to resume, supplied to the session
// registry at construction time.
package metadata

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no conversation exists under the given id.
var ErrNotFound = errors.New("conversation not found")

// Mode selects how the backend treats a conversation.
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeAgent Mode = "agent"
)

// Conversation is one sub-conversation's descriptive record.
type Conversation struct {
	ID             string
	ParentID       string
	Name           string
	Mode           Mode
	WorkDir        string
	ResumeStreamID string
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Provider supplies conversation metadata. Implementations may hit a
// database or a remote catalog.
type Provider interface {
	Conversation(ctx context.Context, id string) (Conversation, error)
	List(ctx context.Context) ([]Conversation, error)
}
