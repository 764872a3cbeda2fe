// Package testutil provides test helpers for seeding conversation catalogs.
package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/metadata"
)

// Catalog is the subset of the conversation repository the builder writes
// through. *sqlite.ConversationRepository satisfies it.
type Catalog interface {
	Save(ctx context.Context, conv metadata.Conversation) error
	SaveDraft(ctx context.Context, conversationID, sessionID, content string) error
}

// draftData pairs a draft with its conversation and session.
type draftData struct {
	conversationID string
	sessionID      string
	content        string
}

// Builder accumulates catalog test data and saves it in the correct order.
type Builder struct {
	t      *testing.T
	cat    Catalog
	convs  []metadata.Conversation
	drafts []draftData
}

// NewBuilder creates a builder writing through the given catalog.
func NewBuilder(t *testing.T, cat Catalog) *Builder {
	t.Helper()
	return &Builder{t: t, cat: cat}
}

// WithConversation adds a conversation with optional configuration.
func (b *Builder) WithConversation(id string, opts ...ConversationOption) *Builder {
	conv := defaultConversation(id)
	for _, opt := range opts {
		opt(&conv)
	}
	b.convs = append(b.convs, conv)
	return b
}

// WithDraft adds a pending draft for a session within a conversation.
func (b *Builder) WithDraft(conversationID, sessionID string, draft DraftData) *Builder {
	b.drafts = append(b.drafts, draftData{conversationID, sessionID, draft.Content})
	return b
}

// Build saves all accumulated data. Conversations first so draft foreign
// keys resolve.
func (b *Builder) Build() {
	b.t.Helper()
	ctx := context.Background()
	for _, conv := range b.convs {
		require.NoError(b.t, b.cat.Save(ctx, conv))
	}
	for _, d := range b.drafts {
		require.NoError(b.t, b.cat.SaveDraft(ctx, d.conversationID, d.sessionID, d.content))
	}
}
