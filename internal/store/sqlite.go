// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/thomasng/taims/internal/model"

	_ "modernc.org/sqlite"
)

// =============================================================================
// SCHEMA
// =============================================================================

// timeLayout stores timestamps as strings whose lexical order matches
// chronological order. The fractional part is fixed-width on purpose;
// RFC3339Nano trims trailing zeros and would break the ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(user_id, updated_at);

CREATE TABLE IF NOT EXISTS chat_logs (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_logs_conv ON chat_logs(conversation_id, user_id, created_at);
`

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore persists conversations in a local sqlite database. It mirrors
// the document-store collections: a sessions table and a chat_logs table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// The modernc driver is in-process; a single writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveTurn appends a turn to chat_logs.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *model.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_logs (id, conversation_id, user_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.ConversationID, turn.UserID, string(turn.Role), turn.Content,
		turn.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// UpsertConversation merges the conversation record into sessions. An
// empty title in the update preserves the stored title; the owner column
// is only written on insert.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title      = COALESCE(NULLIF(excluded.title, ''), sessions.title),
			updated_at = excluded.updated_at`,
		conv.ID, conv.UserID, conv.Title, conv.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns the record when it exists and belongs to userID.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, updated_at
		 FROM sessions WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	)

	var conv model.Conversation
	var updated string
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &conv, nil
}

// ListConversations returns the user's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, updated_at
		 FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		var updated string
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, conv)
	}
	return out, rows.Err()
}

// LoadTurns returns the conversation's turns in chronological order.
func (s *SQLiteStore) LoadTurns(ctx context.Context, userID, conversationID string) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at
		 FROM chat_logs WHERE conversation_id = ? AND user_id = ?
		 ORDER BY created_at ASC`,
		conversationID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var out []model.Turn
	for rows.Next() {
		var turn model.Turn
		var role, created string
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.UserID, &role, &turn.Content, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = model.Role(role)
		turn.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, turn)
	}
	return out, rows.Err()
}

// DeleteConversation removes the conversation record and then its turns.
// The two deletes are separate statements on purpose, matching the
// non-transactional behavior of the document-store backend.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_logs WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID,
	); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
