// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides chat persistence backed by SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/omnisage/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrChatNotFound is returned when a chat ID does not exist.
var ErrChatNotFound = errors.New("chat not found")

// StorageError wraps a database failure with the operation that hit it.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Op + ": " + e.Cause.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

func storageErr(op string, cause error) error {
	return &StorageError{Op: op, Cause: cause}
}

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role        TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
	content     TEXT NOT NULL,
	model_group TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);
`

// =============================================================================
// STORE
// =============================================================================

// ChatMeta describes one chat for listing.
type ChatMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
}

// Store persists chats and their turns. Safe for concurrent use; SQLite
// serializes writers, so the pool is capped at one connection.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the standard database location, ~/.omnisage/omnisage.db.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".omnisage", "omnisage.db"), nil
}

// Open opens (creating if needed) the chat database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// CreateChat creates a new chat and returns its ID.
func (s *Store) CreateChat(ctx context.Context, title string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now, now)
	if err != nil {
		return "", storageErr("create chat", err)
	}
	return id, nil
}

// Chats lists all chats, most recently updated first, each with a preview of
// its latest message.
func (s *Store) Chats(ctx context.Context) ([]ChatMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, c.updated_at,
		       COUNT(m.id),
		       COALESCE((SELECT content FROM messages
		                 WHERE chat_id = c.id ORDER BY id DESC LIMIT 1), '')
		FROM chats c
		LEFT JOIN messages m ON m.chat_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	defer rows.Close()

	var metas []ChatMeta
	for rows.Next() {
		var meta ChatMeta
		var preview string
		if err := rows.Scan(&meta.ID, &meta.Title, &meta.CreatedAt, &meta.UpdatedAt,
			&meta.MessageCount, &preview); err != nil {
			return nil, storageErr("scan chat", err)
		}
		meta.Preview = model.Turn{Content: preview}.Preview(80)
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chats", err)
	}
	return metas, nil
}

// DeleteChat removes a chat and all its messages.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, chatID)
	if err != nil {
		return storageErr("delete chat", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete chat", err)
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// =============================================================================
// TURN OPERATIONS
// =============================================================================

// AppendTurn records one turn at the end of a chat and bumps the chat's
// updated_at.
func (s *Store) AppendTurn(ctx context.Context, chatID string, turn model.Turn) error {
	if !turn.Role.Valid() {
		return storageErr("append turn", fmt.Errorf("invalid role %q", turn.Role))
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("append turn", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`, time.Now().UTC(), chatID)
	if err != nil {
		return storageErr("append turn", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storageErr("append turn", err)
	} else if n == 0 {
		return ErrChatNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, model_group, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		chatID, string(turn.Role), turn.Content, turn.ModelGroup, createdAt)
	if err != nil {
		return storageErr("append turn", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("append turn", err)
	}
	return nil
}

// Turns returns a chat's turns in insertion order.
func (s *Store) Turns(ctx context.Context, chatID string) ([]model.Turn, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chats WHERE id = ?`, chatID).Scan(&exists)
	if err != nil {
		return nil, storageErr("load turns", err)
	}
	if exists == 0 {
		return nil, ErrChatNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, model_group, created_at
		FROM messages WHERE chat_id = ? ORDER BY id`, chatID)
	if err != nil {
		return nil, storageErr("load turns", err)
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var turn model.Turn
		var role string
		if err := rows.Scan(&role, &turn.Content, &turn.ModelGroup, &turn.CreatedAt); err != nil {
			return nil, storageErr("scan turn", err)
		}
		turn.Role = model.Role(role)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load turns", err)
	}
	return turns, nil
}
