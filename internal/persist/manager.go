// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"github.com/jeranaias/polychat/internal/model"
)

// DefaultDebounce is how long the manager waits after the last change before
// flushing to the primary tier.
const DefaultDebounce = 1500 * time.Millisecond

// signature is the cheap change-detection fingerprint of a session. Saves
// are skipped while the signature is unchanged, so streaming token appends
// (which mutate the last message in place) do not thrash the store.
type signature struct {
	count       int
	lastStamp   time.Time
	model       string
	instruction string
}

func fingerprint(state SessionState) signature {
	sig := signature{
		count:       len(state.Messages),
		model:       state.SelectedModel,
		instruction: state.SystemInstruction,
	}
	if n := len(state.Messages); n > 0 {
		sig.lastStamp = state.Messages[n-1].Timestamp
	}
	return sig
}

// Manager coordinates the two persistence tiers behind a debounced save
// queue.
type Manager struct {
	primary  Store
	fallback *FileStore

	// legacyPath points at the pre-SQLite flat history file; when present
	// and the primary is empty, its messages are imported once and the file
	// is deleted.
	legacyPath string

	deb *Debouncer

	mu       sync.Mutex
	pending  *SessionState
	lastSig  signature
	hasSaved bool
}

// NewManager wires a primary and fallback store together. debounce <= 0
// selects DefaultDebounce.
func NewManager(primary Store, fallback *FileStore, legacyPath string, debounce time.Duration) *Manager {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	m := &Manager{
		primary:    primary,
		fallback:   fallback,
		legacyPath: legacyPath,
	}
	m.deb = NewDebouncer(debounce, m.flush)
	return m
}

// Queue sanitizes state and schedules a debounced save. States whose
// fingerprint matches the last queued one are dropped.
func (m *Manager) Queue(state SessionState) {
	sig := fingerprint(state)

	m.mu.Lock()
	if m.hasSaved && sig == m.lastSig {
		m.mu.Unlock()
		return
	}
	state.Messages = Sanitize(state.Messages)
	state.UpdatedAt = time.Now()
	m.pending = &state
	m.lastSig = sig
	m.hasSaved = true
	m.mu.Unlock()

	m.deb.Trigger()
}

// flush writes the pending state to the primary tier, diverting to the
// fallback file when the primary write fails.
func (m *Manager) flush() {
	m.mu.Lock()
	state := m.pending
	m.pending = nil
	m.mu.Unlock()
	if state == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.primary.Save(ctx, *state); err != nil {
		log.Printf("persist: primary save failed, diverting to fallback: %v", err)
		if ferr := m.fallback.Save(ctx, *state); ferr != nil {
			log.Printf("persist: fallback save failed: %v", ferr)
		}
		return
	}
	// A successful primary write supersedes any stale fallback snapshot.
	if err := m.fallback.Remove(); err != nil {
		log.Printf("persist: removing fallback file: %v", err)
	}
}

// Load hydrates session state at startup:
//
//  1. A fallback file left by a failed or shutdown-time save is replayed
//     into the primary and deleted.
//  2. The primary row is loaded.
//  3. Absent both, a legacy flat history file is migrated once.
func (m *Manager) Load(ctx context.Context) (*SessionState, error) {
	if pending, err := m.fallback.Load(ctx, ""); err == nil {
		if err := m.primary.Save(ctx, *pending); err != nil {
			log.Printf("persist: replaying fallback into primary: %v", err)
		} else if err := m.fallback.Remove(); err != nil {
			log.Printf("persist: removing replayed fallback file: %v", err)
		}
	} else if !errors.Is(err, ErrNotFound) {
		log.Printf("persist: reading fallback file: %v", err)
	}

	state, err := m.primary.Load(ctx, DefaultSessionID)
	if errors.Is(err, ErrNotFound) {
		state, err = m.migrateLegacy(ctx)
	}
	if err != nil {
		return nil, err
	}
	normalize(state)

	m.mu.Lock()
	m.lastSig = fingerprint(*state)
	m.hasSaved = true
	m.mu.Unlock()
	return state, nil
}

// migrateLegacy imports the pre-SQLite flat history file, persists it, and
// deletes the original.
func (m *Manager) migrateLegacy(ctx context.Context) (*SessionState, error) {
	if m.legacyPath == "" {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(m.legacyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy history: %w", err)
	}

	var messages []model.ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode legacy history: %w", err)
	}

	state := &SessionState{
		ID:        DefaultSessionID,
		Messages:  Sanitize(messages),
		UpdatedAt: time.Now(),
	}
	if err := m.primary.Save(ctx, *state); err != nil {
		return nil, fmt.Errorf("import legacy history: %w", err)
	}
	if err := os.Remove(m.legacyPath); err != nil {
		log.Printf("persist: removing migrated legacy file: %v", err)
	}
	log.Printf("persist: migrated %d messages from legacy history", len(messages))
	return state, nil
}

// Close stops the debouncer and flushes any pending state synchronously
// through the fallback file, which is guaranteed fast. The next startup
// replays it into the primary.
func (m *Manager) Close() error {
	m.deb.Stop()

	m.mu.Lock()
	state := m.pending
	m.pending = nil
	m.mu.Unlock()

	var errs []error
	if state != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := m.fallback.Save(ctx, *state); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := m.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
