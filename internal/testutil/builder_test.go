package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/infrastructure/sqlite"
	"github.com/zjrosen/strand/internal/metadata"
)

func newCatalog(t *testing.T) *sqlite.ConversationRepository {
	t.Helper()
	db, err := sqlite.NewDB(filepath.Join(t.TempDir(), "strand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.ConversationRepository()
}

func TestBuilderSavesConversations(t *testing.T) {
	repo := newCatalog(t)

	NewBuilder(t, repo).
		WithConversation("conv-1").
		WithConversation("conv-2", Name("review"), Mode(metadata.ModePlan),
			WorkDir("/work/repo"), ResumeStreamID("st-9")).
		Build()

	got, err := repo.Conversation(context.Background(), "conv-2")
	require.NoError(t, err)
	require.Equal(t, "review", got.Name)
	require.Equal(t, metadata.ModePlan, got.Mode)
	require.Equal(t, "/work/repo", got.WorkDir)
	require.Equal(t, "st-9", got.ResumeStreamID)

	// Defaults fill in the rest.
	got, err = repo.Conversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, "conv-1", got.Name)
	require.Equal(t, metadata.ModeAgent, got.Mode)
	require.False(t, got.Archived)
}

func TestBuilderSavesDrafts(t *testing.T) {
	repo := newCatalog(t)

	NewBuilder(t, repo).
		WithConversation("conv-1").
		WithDraft("conv-1", "conv-1", Draft("half-written reply")).
		Build()

	content, err := repo.Draft(context.Background(), "conv-1", "conv-1")
	require.NoError(t, err)
	require.Equal(t, "half-written reply", content)
}

func TestBuilderArchivedOption(t *testing.T) {
	repo := newCatalog(t)

	NewBuilder(t, repo).
		WithConversation("conv-old", Archived()).
		Build()

	got, err := repo.Conversation(context.Background(), "conv-old")
	require.NoError(t, err)
	require.True(t, got.Archived)
}
