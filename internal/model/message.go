// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages,
// attachments, and selectable backend models.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleModel:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// ChatMessage represents a single message in a conversation. Identity is the
// ID; ordering is insertion order. Messages are mutated only by appending a
// user turn, by progressive content replacement of the in-flight model turn
// during streaming, or by rollback-on-error removal of the just-added user
// turn.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsError marks a model turn that carries an error notice instead of
	// generated content.
	IsError bool `json:"is_error,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	// Streaming state (never persisted).
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming.
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *ChatMessage {
	return &ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message with optional attachments.
func NewUserMessage(content string, attachments ...Attachment) *ChatMessage {
	msg := NewMessage(RoleUser, content)
	msg.Attachments = attachments
	return msg
}

// NewModelMessage creates a new streaming model message.
func NewModelMessage() *ChatMessage {
	return &ChatMessage{
		ID:          uuid.NewString(),
		Role:        RoleModel,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// NewErrorMessage creates a model message carrying an error notice.
func NewErrorMessage(notice string) *ChatMessage {
	msg := NewMessage(RoleModel, notice)
	msg.IsError = true
	return msg
}

// AppendToken appends a token to a streaming message.
func (m *ChatMessage) AppendToken(token string) {
	if m.IsStreaming {
		m.streamContent.WriteString(token)
	}
}

// FinalizeStream merges streamed content into Content and ends streaming.
func (m *ChatMessage) FinalizeStream() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// DisplayContent returns the content to display (streaming or final).
func (m *ChatMessage) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// IsEmpty returns true if the message has neither content nor attachments.
func (m *ChatMessage) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0 && len(m.Attachments) == 0
}

// Preview returns a truncated single-line preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *ChatMessage) Preview(maxLen int) string {
	content := strings.ReplaceAll(m.DisplayContent(), "\n", " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a copy of the message with streamed content flattened into
// Content, safe to hand to other goroutines.
func (m *ChatMessage) Clone() ChatMessage {
	out := ChatMessage{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.DisplayContent(),
		Timestamp: m.Timestamp,
		IsError:   m.IsError,
	}
	if len(m.Attachments) > 0 {
		out.Attachments = make([]Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	return out
}
