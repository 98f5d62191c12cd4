// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jeranaias/polychat/internal/util"
)

// FileStore is the fallback persistence tier: a single JSON document written
// atomically and synchronously. Its presence on disk means a save bypassed
// the primary tier and is waiting to be replayed.
type FileStore struct {
	path string
}

// NewFileStore creates a fallback store at path. The file is not created
// until the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

// Save writes the full state as one atomic file replacement.
func (f *FileStore) Save(_ context.Context, state SessionState) error {
	if state.ID == "" {
		state.ID = DefaultSessionID
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fallback state: %w", err)
	}
	if err := util.AtomicWriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write fallback file: %w", err)
	}
	return nil
}

// Load reads the fallback file. Returns ErrNotFound when it does not exist.
func (f *FileStore) Load(_ context.Context, id string) (*SessionState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read fallback file: %w", err)
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode fallback file: %w", err)
	}
	if id != "" && state.ID != id {
		return nil, ErrNotFound
	}
	return &state, nil
}

// Remove deletes the fallback file after its contents were replayed into the
// primary tier. Missing files are not an error.
func (f *FileStore) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Close is a no-op; the file store holds no open handles.
func (f *FileStore) Close() error { return nil }
