// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/polychat/internal/model"
)

func TestSanitizeStripsPayloads(t *testing.T) {
	msg := *model.NewUserMessage("look at these",
		model.NewAttachment("image/png", "cat.png", "AAAA"),
		model.NewAttachment("video/mp4", "clip.mp4", "BBBB"),
		model.NewAttachment("application/pdf", "doc.pdf", "CCCC"),
	)
	msg.Attachments[0].Thumbnail = "tiny-png"

	clean := Sanitize([]model.ChatMessage{msg})

	for i, att := range clean[0].Attachments {
		if att.Data != "" {
			t.Errorf("attachment %d still carries payload", i)
		}
	}
	if clean[0].Attachments[0].Thumbnail != "tiny-png" {
		t.Error("thumbnail was stripped")
	}
	if !clean[0].Attachments[0].IsActive {
		t.Error("image attachment should stay active")
	}
	if clean[0].Attachments[1].IsActive {
		t.Error("video without thumbnail should be inactive")
	}
	if clean[0].Attachments[2].IsActive {
		t.Error("document attachment should be inactive")
	}

	// Original must be untouched.
	if msg.Attachments[0].Data != "AAAA" {
		t.Error("sanitize mutated the source message")
	}
}

func TestSanitizeFlattensStreaming(t *testing.T) {
	msg := model.NewModelMessage()
	msg.AppendToken("partial ")
	msg.AppendToken("answer")

	clean := Sanitize([]model.ChatMessage{*msg})
	if clean[0].IsStreaming {
		t.Error("streaming flag survived sanitize")
	}
	if clean[0].Content != "partial answer" {
		t.Errorf("content = %q, want flattened stream", clean[0].Content)
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(30*time.Millisecond, func() { fired.Add(1) })

	for i := 0; i < 10; i++ {
		d.Trigger()
	}
	time.Sleep(150 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Errorf("flush fired %d times, want 1", got)
	}
}

func TestDebouncerFlushRunsPendingOnly(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(time.Hour, func() { fired.Add(1) })

	if d.Flush() {
		t.Error("flush with nothing pending should report false")
	}
	d.Trigger()
	if !d.Flush() {
		t.Error("flush with pending trigger should report true")
	}
	if got := fired.Load(); got != 1 {
		t.Errorf("flush fired %d times, want 1", got)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var fired atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { fired.Add(1) })
	d.Trigger()
	d.Stop()
	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("flush fired %d times after stop, want 0", got)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	state := SessionState{
		ID:            DefaultSessionID,
		SelectedModel: "llama-3.3-70b-versatile",
		Messages: []model.ChatMessage{
			*model.NewUserMessage("hello"),
			*model.NewErrorMessage("backend unreachable"),
		},
		UpdatedAt: time.Now(),
	}
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx, DefaultSessionID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SelectedModel != state.SelectedModel {
		t.Errorf("model = %q, want %q", got.SelectedModel, state.SelectedModel)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("message count = %d, want 2", len(got.Messages))
	}
	if !got.Messages[1].IsError {
		t.Error("error flag lost in round trip")
	}

	// Upsert replaces, not duplicates.
	state.SelectedModel = "gpt-4o"
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, err = store.Load(ctx, DefaultSessionID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.SelectedModel != "gpt-4o" {
		t.Errorf("model after upsert = %q, want gpt-4o", got.SelectedModel)
	}
}

func TestSQLiteLoadMissing(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.Load(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func newTestManager(t *testing.T, dir string, debounce time.Duration) *Manager {
	t.Helper()
	store, err := OpenSQLite(filepath.Join(dir, "session.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	fallback := NewFileStore(filepath.Join(dir, "session.fallback.json"))
	return NewManager(store, fallback, filepath.Join(dir, "history.json"), debounce)
}

func TestManagerDebouncedSave(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, 20*time.Millisecond)
	defer m.Close()

	state := SessionState{ID: DefaultSessionID, SelectedModel: "gpt-4o"}
	for i := 0; i < 5; i++ {
		state.Messages = append(state.Messages, *model.NewUserMessage(fmt.Sprintf("msg %d", i)))
		m.Queue(state)
	}
	time.Sleep(200 * time.Millisecond)

	got, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Messages) != 5 {
		t.Errorf("persisted %d messages, want 5", len(got.Messages))
	}
}

func TestManagerSkipsUnchangedState(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, time.Hour)
	defer m.Close()

	state := SessionState{ID: DefaultSessionID, Messages: []model.ChatMessage{*model.NewUserMessage("hi")}}
	m.Queue(state)
	m.deb.Flush()

	// Same fingerprint: no pending state should accumulate.
	m.Queue(state)
	if m.deb.Flush() {
		t.Error("identical state re-armed the debouncer")
	}
}

func TestManagerCloseFlushesThroughFallback(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir, time.Hour) // debounce never fires on its own

	state := SessionState{ID: DefaultSessionID}
	for i := 0; i < 5; i++ {
		state.Messages = append(state.Messages, *model.NewUserMessage(fmt.Sprintf("msg %d", i)))
	}
	m.Queue(state)
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fallbackPath := filepath.Join(dir, "session.fallback.json")
	if _, err := os.Stat(fallbackPath); err != nil {
		t.Fatalf("fallback file missing after close: %v", err)
	}

	// Next startup replays the fallback into the primary and removes it.
	m2 := newTestManager(t, dir, time.Hour)
	defer m2.Close()
	got, err := m2.Load(context.Background())
	if err != nil {
		t.Fatalf("load after replay: %v", err)
	}
	if len(got.Messages) != 5 {
		t.Errorf("recovered %d messages, want 5", len(got.Messages))
	}
	if _, err := os.Stat(fallbackPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("fallback file not removed after replay")
	}
}

func TestManagerLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "history.json")
	payload := "[" +
		`{"id":"a","role":"user","content":"old question","timestamp":"2025-01-02T03:04:05Z"},` +
		`{"id":"b","role":"model","content":"old answer","timestamp":"2025-01-02T03:04:06Z"}` +
		"]"
	if err := os.WriteFile(legacy, []byte(payload), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	m := newTestManager(t, dir, time.Hour)
	defer m.Close()

	got, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("migrated %d messages, want 2", len(got.Messages))
	}
	if got.Messages[1].Content != "old answer" {
		t.Errorf("content = %q", got.Messages[1].Content)
	}
	if _, err := os.Stat(legacy); !errors.Is(err, os.ErrNotExist) {
		t.Error("legacy file not removed after migration")
	}
}

func TestNormalizeDeactivatesStrippedAttachments(t *testing.T) {
	state := &SessionState{
		Messages: []model.ChatMessage{
			{
				ID:   "x",
				Role: model.RoleUser,
				Attachments: []model.Attachment{
					{MimeType: "image/png", Name: "gone.png", IsActive: true},
					{MimeType: "image/png", Name: "thumb.png", Thumbnail: "t", IsActive: true},
				},
			},
		},
	}
	normalize(state)
	if state.Messages[0].Attachments[0].IsActive {
		t.Error("payload-less attachment without thumbnail should be inactive")
	}
	if !state.Messages[0].Attachments[1].IsActive {
		t.Error("thumbnail-backed attachment should stay active")
	}
}
