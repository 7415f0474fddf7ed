// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-turns/internal/model"
	"github.com/jeranaias/rigrun-turns/internal/undo"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrConversationNotFound is returned when a conversation ID doesn't exist.
var ErrConversationNotFound = errors.New("conversation not found")

// =============================================================================
// STORE
// =============================================================================

// Store persists conversations and their undo ledgers in SQLite. It
// implements the turn controller's broadcast sink: every Commit is stored
// and then fanned out to subscribers through the hub.
type Store struct {
	db     *sql.DB
	hub    *Hub
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
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

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, hub: NewHub(logger), logger: logger}, nil
}

// runMigrations applies the embedded up migrations. The migrate instance
// is not closed: closing it would close db.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Hub returns the commit fan-out.
func (s *Store) Hub() *Hub {
	return s.hub
}

// Close closes the database and every subscription.
func (s *Store) Close() error {
	s.hub.CloseAll()
	return s.db.Close()
}

// Commit stores a conversation snapshot and publishes it.
func (s *Store) Commit(ctx context.Context, conv *model.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("commit: conversation without id")
	}
	body, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	updated := conv.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	errKind := ""
	if conv.Error != nil {
		errKind = conv.Error.Kind
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at, message_count, error_kind, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			error_kind = excluded.error_kind,
			body = excluded.body`,
		conv.ID, conv.GetTitle(), conv.CreatedAt.UnixNano(), updated.UnixNano(), len(conv.Messages), errKind, body,
	)
	if err != nil {
		return fmt.Errorf("store conversation %s: %w", conv.ID, err)
	}

	s.hub.Publish(conv)
	return nil
}

// Load returns the stored conversation.
func (s *Store) Load(ctx context.Context, id string) (*model.Conversation, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM conversations WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	var conv model.Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// List returns metadata for every conversation, most recently updated first.
func (s *Store) List(ctx context.Context) ([]model.ConversationMeta, error) {
	return s.queryMeta(ctx, `
		SELECT id, title, message_count, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC`)
}

// Search returns conversations whose title or content contains query,
// case-insensitively.
func (s *Store) Search(ctx context.Context, query string) ([]model.ConversationMeta, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.List(ctx)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	return s.queryMeta(ctx, `
		SELECT id, title, message_count, created_at, updated_at
		FROM conversations
		WHERE lower(title) LIKE ? ESCAPE '\' OR lower(CAST(body AS TEXT)) LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC`, pattern, pattern)
}

func (s *Store) queryMeta(ctx context.Context, query string, args ...any) ([]model.ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var metas []model.ConversationMeta
	for rows.Next() {
		var m model.ConversationMeta
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.Title, &m.MessageCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Delete removes a conversation with its undo ledger and ends its
// subscriptions. Deleting a missing conversation is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	s.hub.CloseChat(id)
	return nil
}

// =============================================================================
// UNDO LEDGER
// =============================================================================

// SaveUndo replaces the stored ledger of chatID, oldest entry first.
func (s *Store) SaveUndo(ctx context.Context, chatID string, entries []undo.Entry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin undo save: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM undo_entries WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear undo ledger: %w", err)
	}
	for i, e := range entries {
		handle, mErr := json.Marshal(e.Handle)
		if mErr != nil {
			err = fmt.Errorf("encode undo handle: %w", mErr)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO undo_entries (chat_id, seq, tool_call_id, handle) VALUES (?, ?, ?, ?)`,
			chatID, i, e.ToolCallID, handle,
		); err != nil {
			return fmt.Errorf("store undo entry: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit undo ledger: %w", err)
	}
	return nil
}

// LoadUndo returns the stored ledger of chatID, oldest entry first.
func (s *Store) LoadUndo(ctx context.Context, chatID string) ([]undo.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_call_id, handle FROM undo_entries WHERE chat_id = ? ORDER BY seq`, chatID)
	if err != nil {
		return nil, fmt.Errorf("load undo ledger: %w", err)
	}
	defer rows.Close()

	var entries []undo.Entry
	for rows.Next() {
		var e undo.Entry
		var handle []byte
		if err := rows.Scan(&e.ToolCallID, &handle); err != nil {
			return nil, fmt.Errorf("scan undo entry: %w", err)
		}
		if err := json.Unmarshal(handle, &e.Handle); err != nil {
			s.logger.Warn("skipping undecodable undo entry", "chat_id", chatID, "tool_call_id", e.ToolCallID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
