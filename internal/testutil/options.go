package testutil

import (
	"time"

	"github.com/zjrosen/strand/internal/metadata"
)

// DraftData holds a pending draft to be saved with a conversation.
type DraftData struct {
	Content string
}

// Draft creates a DraftData structure.
func Draft(content string) DraftData {
	return DraftData{Content: content}
}

// defaultConversation returns a Conversation with sensible defaults.
func defaultConversation(id string) metadata.Conversation {
	now := time.Now()
	return metadata.Conversation{
		ID:        id,
		Name:      id, // Default name is the ID
		Mode:      metadata.ModeAgent,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ConversationOption configures a conversation during builder setup.
type ConversationOption func(*metadata.Conversation)

// Name sets the display name.
func Name(name string) ConversationOption {
	return func(c *metadata.Conversation) { c.Name = name }
}

// Mode sets the conversation mode.
func Mode(mode metadata.Mode) ConversationOption {
	return func(c *metadata.Conversation) { c.Mode = mode }
}

// Parent sets the parent conversation id.
func Parent(id string) ConversationOption {
	return func(c *metadata.Conversation) { c.ParentID = id }
}

// WorkDir sets the working directory.
func WorkDir(dir string) ConversationOption {
	return func(c *metadata.Conversation) { c.WorkDir = dir }
}

// ResumeStreamID pins a backend stream id for resume.
func ResumeStreamID(id string) ConversationOption {
	return func(c *metadata.Conversation) { c.ResumeStreamID = id }
}

// Archived marks the conversation archived.
func Archived() ConversationOption {
	return func(c *metadata.Conversation) { c.Archived = true }
}

// CreatedAt sets the created_at timestamp.
func CreatedAt(t time.Time) ConversationOption {
	return func(c *metadata.Conversation) { c.CreatedAt = t }
}

// UpdatedAt sets the updated_at timestamp.
func UpdatedAt(t time.Time) ConversationOption {
	return func(c *metadata.Conversation) { c.UpdatedAt = t }
}
