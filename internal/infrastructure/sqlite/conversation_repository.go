package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/strand/internal/metadata"
)

const conversationColumns = `id, parent_id, name, mode, work_dir, resume_stream_id, created_at, updated_at, archived_at`

// ConversationRepository stores conversation records, editor drafts, and
// panel preferences. It implements metadata.Provider.
type ConversationRepository struct {
	conn *sql.DB
}

func newConversationRepository(conn *sql.DB) *ConversationRepository {
	return &ConversationRepository{conn: conn}
}

// Save inserts or updates a conversation record.
func (r *ConversationRepository) Save(ctx context.Context, c metadata.Conversation) error {
	m := fromDomain(c)
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			name = excluded.name,
			mode = excluded.mode,
			work_dir = excluded.work_dir,
			resume_stream_id = excluded.resume_stream_id,
			updated_at = excluded.updated_at,
			archived_at = excluded.archived_at`,
		m.ID, m.ParentID, m.Name, m.Mode, m.WorkDir, m.ResumeStreamID,
		m.CreatedAt, m.UpdatedAt, m.ArchivedAt)
	if err != nil {
		return fmt.Errorf("saving conversation %s: %w", c.ID, err)
	}
	return nil
}

// Conversation returns the record for id, or metadata.ErrNotFound.
func (r *ConversationRepository) Conversation(ctx context.Context, id string) (metadata.Conversation, error) {
	row := r.conn.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	m, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return metadata.Conversation{}, metadata.ErrNotFound
	}
	if err != nil {
		return metadata.Conversation{}, fmt.Errorf("loading conversation %s: %w", id, err)
	}
	return m.toDomain(), nil
}

// List returns all conversations, newest first.
func (r *ConversationRepository) List(ctx context.Context) ([]metadata.Conversation, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []metadata.Conversation
	for rows.Next() {
		m, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return out, nil
}

// Children returns the conversations under parentID, newest first.
func (r *ConversationRepository) Children(ctx context.Context, parentID string) ([]metadata.Conversation, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE parent_id = ? ORDER BY created_at DESC`,
		parentID)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []metadata.Conversation
	for rows.Next() {
		m, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", parentID, err)
	}
	return out, nil
}

// Archive marks a conversation archived. Archiving an unknown id returns
// metadata.ErrNotFound.
func (r *ConversationRepository) Archive(ctx context.Context, id string) error {
	return r.update(ctx, id,
		`UPDATE conversations SET archived_at = ?, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), time.Now().Unix(), id)
}

// UpdateWorkDir rewrites the working directory of a conversation.
func (r *ConversationRepository) UpdateWorkDir(ctx context.Context, id, workDir string) error {
	return r.update(ctx, id,
		`UPDATE conversations SET work_dir = ?, updated_at = ? WHERE id = ?`,
		workDir, time.Now().Unix(), id)
}

// SetResumeStreamID persists the stream id used to resume a conversation.
func (r *ConversationRepository) SetResumeStreamID(ctx context.Context, id, streamID string) error {
	return r.update(ctx, id,
		`UPDATE conversations SET resume_stream_id = ?, updated_at = ? WHERE id = ?`,
		streamID, time.Now().Unix(), id)
}

func (r *ConversationRepository) update(ctx context.Context, id, query string, args ...any) error {
	res, err := r.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", id, err)
	}
	if n == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// SaveDraft upserts the composer draft for a session within a conversation.
// An empty draft clears the row instead of storing empty content.
func (r *ConversationRepository) SaveDraft(ctx context.Context, conversationID, sessionID, content string) error {
	if content == "" {
		return r.ClearDraft(ctx, conversationID, sessionID)
	}
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO drafts (conversation_id, session_id, content, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, session_id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at`,
		conversationID, sessionID, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("saving draft for %s/%s: %w", conversationID, sessionID, err)
	}
	return nil
}

// Draft returns the stored draft, or "" when none exists.
func (r *ConversationRepository) Draft(ctx context.Context, conversationID, sessionID string) (string, error) {
	var content string
	err := r.conn.QueryRowContext(ctx,
		`SELECT content FROM drafts WHERE conversation_id = ? AND session_id = ?`,
		conversationID, sessionID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading draft for %s/%s: %w", conversationID, sessionID, err)
	}
	return content, nil
}

// ClearDraft removes a draft. Clearing a missing draft is a no-op.
func (r *ConversationRepository) ClearDraft(ctx context.Context, conversationID, sessionID string) error {
	_, err := r.conn.ExecContext(ctx,
		`DELETE FROM drafts WHERE conversation_id = ? AND session_id = ?`,
		conversationID, sessionID)
	if err != nil {
		return fmt.Errorf("clearing draft for %s/%s: %w", conversationID, sessionID, err)
	}
	return nil
}

// SetPanelOpen records whether a panel was left open for a conversation.
func (r *ConversationRepository) SetPanelOpen(ctx context.Context, conversationID, panel string, open bool) error {
	openInt := 0
	if open {
		openInt = 1
	}
	_, err := r.conn.ExecContext(ctx, `
		INSERT INTO panel_prefs (conversation_id, panel, open)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_id, panel) DO UPDATE SET open = excluded.open`,
		conversationID, panel, openInt)
	if err != nil {
		return fmt.Errorf("saving panel preference %s/%s: %w", conversationID, panel, err)
	}
	return nil
}

// PanelPrefs returns the saved open state per panel for a conversation.
func (r *ConversationRepository) PanelPrefs(ctx context.Context, conversationID string) (map[string]bool, error) {
	rows, err := r.conn.QueryContext(ctx,
		`SELECT panel, open FROM panel_prefs WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading panel preferences for %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	prefs := make(map[string]bool)
	for rows.Next() {
		var panel string
		var open int
		if err := rows.Scan(&panel, &open); err != nil {
			return nil, fmt.Errorf("scanning panel preference: %w", err)
		}
		prefs[panel] = open != 0
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading panel preferences for %s: %w", conversationID, err)
	}
	return prefs, nil
}

func scanConversation(scanner interface{ Scan(...any) error }) (conversationModel, error) {
	var m conversationModel
	err := scanner.Scan(
		&m.ID, &m.ParentID, &m.Name, &m.Mode, &m.WorkDir,
		&m.ResumeStreamID, &m.CreatedAt, &m.UpdatedAt, &m.ArchivedAt)
	return m, err
}
