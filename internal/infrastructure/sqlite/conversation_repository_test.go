package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/internal/metadata"
)

func newTestRepo(t *testing.T) *ConversationRepository {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "strand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.ConversationRepository()
}

func sampleConversation(id string) metadata.Conversation {
	now := time.Now().Truncate(time.Second)
	return metadata.Conversation{
		ID:        id,
		ParentID:  "parent-1",
		Name:      "refactor plan",
		Mode:      metadata.ModeAgent,
		WorkDir:   "/tmp/work",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRepositorySaveAndLoad(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	want := sampleConversation("conv-1")
	require.NoError(t, repo.Save(ctx, want))

	got, err := repo.Conversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.ParentID, got.ParentID)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.Mode, got.Mode)
	require.Equal(t, want.WorkDir, got.WorkDir)
	require.False(t, got.Archived)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestRepositoryConversationNotFound(t *testing.T) {
	repo := newTestRepo(t)

	_, err := repo.Conversation(context.Background(), "missing")
	require.ErrorIs(t, err, metadata.ErrNotFound)
}

func TestRepositorySaveUpserts(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	c := sampleConversation("conv-1")
	require.NoError(t, repo.Save(ctx, c))

	c.Name = "renamed"
	c.ResumeStreamID = "stream-9"
	require.NoError(t, repo.Save(ctx, c))

	got, err := repo.Conversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.Equal(t, "stream-9", got.ResumeStreamID)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRepositoryListNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	old := sampleConversation("conv-old")
	old.CreatedAt = time.Now().Add(-time.Hour)
	old.UpdatedAt = old.CreatedAt
	require.NoError(t, repo.Save(ctx, old))
	require.NoError(t, repo.Save(ctx, sampleConversation("conv-new")))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "conv-new", list[0].ID)
	require.Equal(t, "conv-old", list[1].ID)
}

func TestRepositoryChildren(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := sampleConversation("conv-a")
	b := sampleConversation("conv-b")
	other := sampleConversation("conv-other")
	other.ParentID = "parent-2"
	for _, c := range []metadata.Conversation{a, b, other} {
		require.NoError(t, repo.Save(ctx, c))
	}

	children, err := repo.Children(ctx, "parent-1")
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, c := range children {
		require.Equal(t, "parent-1", c.ParentID)
	}
}

func TestRepositoryArchive(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleConversation("conv-1")))
	require.NoError(t, repo.Archive(ctx, "conv-1"))

	got, err := repo.Conversation(ctx, "conv-1")
	require.NoError(t, err)
	require.True(t, got.Archived)

	require.ErrorIs(t, repo.Archive(ctx, "missing"), metadata.ErrNotFound)
}

func TestRepositoryUpdateWorkDir(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleConversation("conv-1")))
	require.NoError(t, repo.UpdateWorkDir(ctx, "conv-1", "/tmp/moved"))

	got, err := repo.Conversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "/tmp/moved", got.WorkDir)

	require.ErrorIs(t, repo.UpdateWorkDir(ctx, "missing", "/x"), metadata.ErrNotFound)
}

func TestRepositorySetResumeStreamID(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleConversation("conv-1")))
	require.NoError(t, repo.SetResumeStreamID(ctx, "conv-1", "stream-42"))

	got, err := repo.Conversation(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "stream-42", got.ResumeStreamID)
}

func TestRepositoryDraftLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleConversation("conv-1")))

	draft, err := repo.Draft(ctx, "conv-1", "sess-1")
	require.NoError(t, err)
	require.Empty(t, draft)

	require.NoError(t, repo.SaveDraft(ctx, "conv-1", "sess-1", "half-written reply"))
	draft, err = repo.Draft(ctx, "conv-1", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "half-written reply", draft)

	require.NoError(t, repo.SaveDraft(ctx, "conv-1", "sess-1", "rewritten"))
	draft, err = repo.Draft(ctx, "conv-1", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "rewritten", draft)

	// Saving empty content clears the row.
	require.NoError(t, repo.SaveDraft(ctx, "conv-1", "sess-1", ""))
	draft, err = repo.Draft(ctx, "conv-1", "sess-1")
	require.NoError(t, err)
	require.Empty(t, draft)

	require.NoError(t, repo.ClearDraft(ctx, "conv-1", "sess-1"))
}

func TestRepositoryPanelPrefs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleConversation("conv-1")))

	prefs, err := repo.PanelPrefs(ctx, "conv-1")
	require.NoError(t, err)
	require.Empty(t, prefs)

	require.NoError(t, repo.SetPanelOpen(ctx, "conv-1", "details", true))
	require.NoError(t, repo.SetPanelOpen(ctx, "conv-1", "plan", false))
	require.NoError(t, repo.SetPanelOpen(ctx, "conv-1", "plan", true))

	prefs, err = repo.PanelPrefs(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, map[string]bool{"details": true, "plan": true}, prefs)
}

func TestRepositoryDraftsCascadeOnDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleConversation("conv-1")))
	require.NoError(t, repo.SaveDraft(ctx, "conv-1", "sess-1", "keep me"))
	require.NoError(t, repo.SetPanelOpen(ctx, "conv-1", "details", true))

	_, err := repo.conn.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, "conv-1")
	require.NoError(t, err)

	draft, err := repo.Draft(ctx, "conv-1", "sess-1")
	require.NoError(t, err)
	require.Empty(t, draft)

	prefs, err := repo.PanelPrefs(ctx, "conv-1")
	require.NoError(t, err)
	require.Empty(t, prefs)
}
