package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CacheManager mirrors fetched chats into SQLite so they can be read while
// the server is unreachable
type CacheManager struct {
	db *sql.DB
}

// NewCacheManager opens the cache database at path, creating it if needed
func NewCacheManager(path string) (*CacheManager, error) {
	db, err := OpenCacheDatabase(path)
	if err != nil {
		return nil, err
	}
	return &CacheManager{db: db}, nil
}

// OpenCacheReadOnly opens an existing cache database without modifying it
func OpenCacheReadOnly(path string) (*CacheManager, error) {
	db, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	return &CacheManager{db: db}, nil
}

// NewCacheManagerFromDB wraps an open database, creating the cache tables
func NewCacheManagerFromDB(db *sql.DB) (*CacheManager, error) {
	if err := MigrateCache(db); err != nil {
		return nil, err
	}
	return &CacheManager{db: db}, nil
}

// Close closes the underlying database
func (cm *CacheManager) Close() error {
	return cm.db.Close()
}

// SaveChat replaces the cached copy of a chat and its messages
func (cm *CacheManager) SaveChat(ctx context.Context, chat *ChatRecord) error {
	tx, err := cm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, title, created_at, updated_at, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			cached_at = excluded.cached_at`,
		chat.ID, chat.Title, formatTime(chat.CreatedAt), formatTime(chat.UpdatedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save chat %s: %w", chat.ID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chat.ID); err != nil {
		return fmt.Errorf("failed to clear messages of chat %s: %w", chat.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO messages (chat_id, position, id, role, content) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i, msg := range chat.Messages {
		if _, err := stmt.ExecContext(ctx, chat.ID, i, msg.ID, string(msg.Role), msg.Content); err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat %s: %w", chat.ID, err)
	}
	return nil
}

// LoadChat returns a cached chat with its messages in order
func (cm *CacheManager) LoadChat(ctx context.Context, id string) (*ChatRecord, error) {
	var (
		chat             ChatRecord
		created, updated string
	)
	err := cm.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats WHERE id = ?", id,
	).Scan(&chat.ID, &chat.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "cached chat", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load chat %s: %w", id, err)
	}
	chat.CreatedAt = parseTime(created)
	chat.UpdatedAt = parseTime(updated)

	rows, err := cm.db.QueryContext(ctx,
		"SELECT id, role, content FROM messages WHERE chat_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	chat.Messages = []Message{}
	for rows.Next() {
		var msg Message
		var role string
		if err := rows.Scan(&msg.ID, &role, &msg.Content); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		msg.Role = Role(role)
		chat.Messages = append(chat.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return &chat, nil
}

// ListChats returns the cached chat summaries, most recently updated first
func (cm *CacheManager) ListChats(ctx context.Context) ([]ChatSummary, error) {
	rows, err := cm.db.QueryContext(ctx,
		"SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	chats := []ChatSummary{}
	for rows.Next() {
		var chat ChatSummary
		var created, updated string
		if err := rows.Scan(&chat.ID, &chat.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		chat.CreatedAt = parseTime(created)
		chat.UpdatedAt = parseTime(updated)
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return chats, nil
}

// DeleteChat removes a chat from the cache. Unknown ids are ignored.
func (cm *CacheManager) DeleteChat(ctx context.Context, id string) error {
	if _, err := cm.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete chat %s: %w", id, err)
	}
	return nil
}

// Clear removes every cached chat and returns how many there were
func (cm *CacheManager) Clear(ctx context.Context) (int, error) {
	res, err := cm.db.ExecContext(ctx, "DELETE FROM chats")
	if err != nil {
		return 0, fmt.Errorf("failed to clear cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
