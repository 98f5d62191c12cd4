// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the contract every backend adapter implements:
// list/validate models, probe single-model availability, stream a chat turn,
// and maintain per-provider conversational history.
package provider

import (
	"context"
	"errors"

	"github.com/jeranaias/polychat/internal/apierr"
	"github.com/jeranaias/polychat/internal/model"
)

// Sentinel errors shared by all adapters.
var (
	// ErrInvalidKey indicates the backend rejected the API key during model
	// listing. It is propagated, not swallowed, so callers can tell a bad
	// credential apart from a provider outage.
	ErrInvalidKey = errors.New("invalid API key")

	// ErrNoKey indicates an operation was attempted without a configured key.
	ErrNoKey = errors.New("API key not configured")

	// ErrProviderNotImplemented indicates a session operation was routed to a
	// provider tag with no registered adapter. This is a programming error,
	// not a recoverable runtime condition.
	ErrProviderNotImplemented = errors.New("provider not implemented")
)

// SendRequest carries one chat turn to an adapter.
type SendRequest struct {
	Model             string
	APIKey            string
	Text              string
	Attachments       []model.Attachment
	SystemInstruction string
}

// Check is the result of a single-model availability probe. Probes never
// return Go errors; failures are folded into the classified fields.
type Check struct {
	Available bool
	ErrorCode apierr.Kind
	Message   string
}

// ChunkFunc receives each plain-text delta as it is decoded from the wire.
// Returning a non-nil error stops consumption; the adapter still flushes the
// accumulated partial output into its history.
type ChunkFunc func(text string) error

// Adapter is the per-backend provider contract. Each adapter owns the
// wire-protocol-specific logic (request shaping, stream framing, model
// filtering and sort order) and its own conversational history. Adapters are
// not safe for concurrent use; the dispatcher serializes session operations.
type Adapter interface {
	// ValidateKey calls the backend's model-listing endpoint. Auth failures
	// surface as ErrInvalidKey; any other failure returns an empty list and
	// a nil error so one provider's outage does not block others.
	ValidateKey(ctx context.Context, apiKey string) ([]model.ModelOption, error)

	// CheckModel issues a minimal real generation probe (max tokens 1).
	// A metadata-only call would miss quota, restriction, and compatibility
	// failures, so the probe hits the real completion endpoint.
	CheckModel(ctx context.Context, modelID, apiKey string) Check

	// SendMessageStream issues one streaming chat turn. The stream is
	// single-pass and non-restartable. Cancellation via ctx stops
	// consumption silently; whatever output accumulated before the stop is
	// still appended to the adapter's history together with the user turn.
	SendMessageStream(ctx context.Context, req SendRequest, onChunk ChunkFunc) error

	// ResetSession clears the adapter's own history. Idempotent.
	ResetSession()

	// SetHistory replaces the adapter's history by re-deriving its native
	// shape from canonical messages: entries with neither text nor
	// attachment are skipped, roles are mapped, and attachment bytes are
	// inlined only while the attachment is still active.
	SetHistory(msgs []model.ChatMessage)
}
