package sqlite

import (
	"time"

	"github.com/zjrosen/strand/internal/metadata"
)

// conversationModel mirrors the conversations table. Nullable columns map to
// pointers; timestamps are stored as Unix seconds.
type conversationModel struct {
	ID             string
	ParentID       *string
	Name           *string
	Mode           string
	WorkDir        *string
	ResumeStreamID *string
	CreatedAt      int64
	UpdatedAt      int64
	ArchivedAt     *int64
}

func (m conversationModel) toDomain() metadata.Conversation {
	c := metadata.Conversation{
		ID:        m.ID,
		Mode:      metadata.Mode(m.Mode),
		Archived:  m.ArchivedAt != nil,
		CreatedAt: time.Unix(m.CreatedAt, 0),
		UpdatedAt: time.Unix(m.UpdatedAt, 0),
	}
	if m.ParentID != nil {
		c.ParentID = *m.ParentID
	}
	if m.Name != nil {
		c.Name = *m.Name
	}
	if m.WorkDir != nil {
		c.WorkDir = *m.WorkDir
	}
	if m.ResumeStreamID != nil {
		c.ResumeStreamID = *m.ResumeStreamID
	}
	return c
}

func fromDomain(c metadata.Conversation) conversationModel {
	m := conversationModel{
		ID:        c.ID,
		Mode:      string(c.Mode),
		CreatedAt: c.CreatedAt.Unix(),
		UpdatedAt: c.UpdatedAt.Unix(),
	}
	if c.ParentID != "" {
		m.ParentID = &c.ParentID
	}
	if c.Name != "" {
		m.Name = &c.Name
	}
	if c.WorkDir != "" {
		m.WorkDir = &c.WorkDir
	}
	if c.ResumeStreamID != "" {
		m.ResumeStreamID = &c.ResumeStreamID
	}
	if c.Archived {
		at := c.UpdatedAt.Unix()
		m.ArchivedAt = &at
	}
	return m
}
