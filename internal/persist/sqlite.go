// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// ErrNotFound is returned when no session row exists for the requested id.
var ErrNotFound = errors.New("persist: session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	selected_model     TEXT NOT NULL DEFAULT '',
	system_instruction TEXT NOT NULL DEFAULT '',
	messages           TEXT NOT NULL,
	updated_at         INTEGER NOT NULL
);
`

// SQLiteStore is the primary persistence tier.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the session database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// The store is accessed from the debounce flush goroutine and the
	// hydration path; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save upserts the session row.
func (s *SQLiteStore) Save(ctx context.Context, state SessionState) error {
	if state.ID == "" {
		state.ID = DefaultSessionID
	}
	payload, err := json.Marshal(state.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, selected_model, system_instruction, messages, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			selected_model     = excluded.selected_model,
			system_instruction = excluded.system_instruction,
			messages           = excluded.messages,
			updated_at         = excluded.updated_at`,
		state.ID, state.SelectedModel, state.SystemInstruction,
		string(payload), state.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save session %s: %w", state.ID, err)
	}
	return nil
}

// Load reads one session row. Returns ErrNotFound when the row is absent.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*SessionState, error) {
	if id == "" {
		id = DefaultSessionID
	}
	var (
		state   SessionState
		payload string
		stamp   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, selected_model, system_instruction, messages, updated_at
		FROM sessions WHERE id = ?`, id).
		Scan(&state.ID, &state.SelectedModel, &state.SystemInstruction, &payload, &stamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payload), &state.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", id, err)
	}
	state.UpdatedAt = time.UnixMilli(stamp)
	return &state, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
