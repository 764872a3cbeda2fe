package presentation

import (
	"time"

	"github.com/zjrosen/strand/internal/metadata"
)

// ConversationDTO represents a conversation record for presentation
type ConversationDTO struct {
	ID             string    `json:"id"`
	ParentID       string    `json:"parent_id,omitempty"`
	Name           string    `json:"name"`
	Mode           string    `json:"mode"`
	WorkDir        string    `json:"work_dir,omitempty"`
	ResumeStreamID string    `json:"resume_stream_id,omitempty"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FromConversation converts a metadata record to a DTO.
func FromConversation(c metadata.Conversation) ConversationDTO {
	return ConversationDTO{
		ID:             c.ID,
		ParentID:       c.ParentID,
		Name:           c.Name,
		Mode:           string(c.Mode),
		WorkDir:        c.WorkDir,
		ResumeStreamID: c.ResumeStreamID,
		Archived:       c.Archived,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

// FromConversations converts a slice of metadata records.
func FromConversations(convs []metadata.Conversation) []ConversationDTO {
	out := make([]ConversationDTO, len(convs))
	for i, c := range convs {
		out[i] = FromConversation(c)
	}
	return out
}
