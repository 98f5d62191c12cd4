// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persist stores chat session state across restarts.
//
// Persistence is two-tier: a SQLite database is the primary store, and an
// atomically-written JSON file acts as a synchronous fallback for the cases
// where the database write fails or the process is shutting down and cannot
// wait. On startup the fallback file, when present, is replayed into the
// primary before loading.
package persist

import (
	"context"
	"time"

	"github.com/jeranaias/polychat/internal/model"
)

// DefaultSessionID names the single active session.
const DefaultSessionID = "current"

// SessionState is the full unit of persistence.
type SessionState struct {
	ID                string              `json:"id"`
	Messages          []model.ChatMessage `json:"messages"`
	SelectedModel     string              `json:"selected_model"`
	SystemInstruction string              `json:"system_instruction,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Store is the persistence contract shared by the SQLite and file tiers.
type Store interface {
	Save(ctx context.Context, state SessionState) error
	Load(ctx context.Context, id string) (*SessionState, error)
	Close() error
}

// Sanitize deep-copies messages into a form safe to persist: raw attachment
// payloads are stripped (they can be tens of megabytes of base64), thumbnails
// survive, and only attachments that can be re-rendered from what remains
// stay active. Streaming messages are flattened to their accumulated text.
func Sanitize(messages []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		clean := msg.Clone()
		for i := range clean.Attachments {
			att := &clean.Attachments[i]
			att.Data = ""
			att.IsActive = att.IsImage() || (att.IsVideo() && att.Thumbnail != "")
		}
		out = append(out, clean)
	}
	return out
}

// normalize repairs state loaded from disk: attachments whose payload was
// stripped and that have nothing left to render are deactivated so the send
// path never tries to re-upload them.
func normalize(state *SessionState) {
	for i := range state.Messages {
		msg := &state.Messages[i]
		for j := range msg.Attachments {
			att := &msg.Attachments[j]
			if att.Data == "" && att.Thumbnail == "" {
				att.IsActive = false
			}
		}
	}
}
