// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat owns the live conversation: it validates sends, streams
// responses into the transcript, reconciles failures with the availability
// engine, and feeds every transcript mutation to the persistence queue.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/polychat/internal/apierr"
	"github.com/jeranaias/polychat/internal/model"
	"github.com/jeranaias/polychat/internal/persist"
	"github.com/jeranaias/polychat/internal/provider"
	"github.com/jeranaias/polychat/internal/provider/dispatch"
	"github.com/jeranaias/polychat/internal/verify"
)

var (
	// ErrBusy is returned when a send is attempted while one is in flight.
	ErrBusy = errors.New("chat: a response is already streaming")

	// ErrEmptyMessage is returned for a send with no text and no active
	// attachments.
	ErrEmptyMessage = errors.New("chat: nothing to send")

	// ErrNoModel is returned when no model has been selected.
	ErrNoModel = errors.New("chat: no model selected")
)

// Saver receives transcript snapshots for debounced persistence.
type Saver interface {
	Queue(state persist.SessionState)
}

// Session is the conversation orchestrator.
type Session struct {
	dispatcher *dispatch.Dispatcher
	engine     *verify.Engine
	saver      Saver
	keys       func() verify.Keys

	mu          sync.Mutex
	messages    []*model.ChatMessage
	instruction string
	cancel      context.CancelFunc
	sending     bool

	// lastGood is the most recent model that completed (or started) a
	// stream successfully; rate-limit failures fall back to it.
	lastGood string
}

// New creates a session. saver may be nil.
func New(d *dispatch.Dispatcher, e *verify.Engine, saver Saver, keys func() verify.Keys) *Session {
	if keys == nil {
		keys = func() verify.Keys { return verify.Keys{} }
	}
	return &Session{dispatcher: d, engine: e, saver: saver, keys: keys}
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m.Clone())
	}
	return out
}

// Sending reports whether a response stream is in flight.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// SystemInstruction returns the active system instruction.
func (s *Session) SystemInstruction() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instruction
}

// SetSystemInstruction updates the system instruction for subsequent sends.
func (s *Session) SetSystemInstruction(instruction string) {
	s.mu.Lock()
	s.instruction = strings.TrimSpace(instruction)
	s.mu.Unlock()
	s.queueSave()
}

// =============================================================================
// MODEL SELECTION
// =============================================================================

// SelectModel points the dispatcher at modelID, resolving its provider from
// the availability engine's catalog.
func (s *Session) SelectModel(modelID string) error {
	st := s.engine.Snapshot()
	var opt *model.ModelOption
	for i := range st.Available {
		if st.Available[i].ID == modelID {
			opt = &st.Available[i]
			break
		}
	}
	if opt == nil {
		return fmt.Errorf("chat: unknown model %q", modelID)
	}
	if kind, bad := st.Unavailable[modelID]; bad && kind != verify.Pending {
		return fmt.Errorf("chat: %s", apierr.UserMessage(kind, modelID))
	}

	key := s.keys()[opt.Provider]
	if key == "" {
		return fmt.Errorf("chat: no API key configured for %s: %w", opt.Provider, provider.ErrNoKey)
	}
	if err := s.dispatcher.SetConfig(dispatch.Config{
		Provider: opt.Provider,
		Model:    modelID,
		APIKey:   key,
	}); err != nil {
		return err
	}
	s.engine.SetSelected(modelID)
	s.syncHistory()
	s.queueSave()
	return nil
}

// syncHistory replays the visible transcript into the active adapter so the
// model sees exactly what the user sees. Before any provider is configured
// there is nothing to seed; the replay happens on the first SelectModel.
func (s *Session) syncHistory() {
	if err := s.dispatcher.SetHistory(s.Messages()); err != nil {
		if !errors.Is(err, provider.ErrProviderNotImplemented) {
			log.Printf("chat: provider history not seeded: %v", err)
		}
	}
}

// =============================================================================
// SEND
// =============================================================================

// Send appends the user turn, streams the response through onChunk, and
// reconciles the outcome. Cancellation via Stop is not an error: the partial
// response is kept.
func (s *Session) Send(ctx context.Context, text string, attachments []model.Attachment, onChunk func(string)) error {
	text = strings.TrimSpace(text)
	if text == "" && !hasActivePayload(attachments) {
		return ErrEmptyMessage
	}

	cfg := s.dispatcher.Config()
	if cfg.Model == "" {
		return ErrNoModel
	}
	if cfg.APIKey == "" {
		return provider.ErrNoKey
	}
	// A model disabled after selection (e.g. by a background refresh) is not
	// sendable; a pending re-check is.
	if kind, bad := s.engine.Unavailable(cfg.Model); bad && kind != verify.Pending {
		return fmt.Errorf("chat: %s", apierr.UserMessage(kind, cfg.Model))
	}

	s.mu.Lock()
	if s.sending {
		s.mu.Unlock()
		return ErrBusy
	}
	// Each send owns a fresh cancel handle; Stop() fires the current one.
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sending = true

	userMsg := model.NewUserMessage(text, attachments...)
	reply := model.NewModelMessage()
	s.messages = append(s.messages, userMsg, reply)
	replyIdx := len(s.messages) - 1
	instruction := s.instruction
	s.mu.Unlock()
	s.queueSave()

	defer cancel()

	gotFirstChunk := false
	err := s.dispatcher.SendMessageStream(ctx, text, attachments, instruction, func(token string) error {
		if !gotFirstChunk {
			gotFirstChunk = true
			// A responding model is evidently available again; recovery
			// lands before the first token is processed.
			s.engine.MarkAvailable(cfg.Model)
			s.mu.Lock()
			s.lastGood = cfg.Model
			s.mu.Unlock()
		}

		s.mu.Lock()
		reply.AppendToken(token)
		s.mu.Unlock()

		if onChunk != nil {
			onChunk(token)
		}
		return nil
	})

	s.mu.Lock()
	s.sending = false
	s.cancel = nil
	reply.FinalizeStream()
	if replyIdx >= len(s.messages) || s.messages[replyIdx] != reply {
		// The transcript was cleared underneath the stream.
		s.mu.Unlock()
		return nil
	}

	if err == nil || apierr.IsAbort(err) || errors.Is(err, context.Canceled) {
		// Success, or a user stop: the partial (possibly empty) reply stays.
		if reply.IsEmpty() && err == nil && !gotFirstChunk {
			// Completed stream with zero tokens; drop the husk.
			s.messages = s.messages[:replyIdx]
		}
		s.mu.Unlock()
		s.queueSave()
		return nil
	}

	// Classified failure before any output: roll the optimistic turn back
	// and surface the error as a transcript entry.
	kind := classify(err)
	if !gotFirstChunk {
		s.messages = s.messages[:replyIdx-1]
	} else {
		s.messages = s.messages[:replyIdx]
	}
	s.messages = append(s.messages, model.NewErrorMessage(apierr.UserMessage(kind, cfg.Model)))
	lastGood := s.lastGood
	s.mu.Unlock()
	s.queueSave()

	// Only a rate limit is systemic enough to pull the model from the
	// available pool; other failure kinds may be input-dependent.
	if kind == apierr.RateLimited {
		s.engine.MarkUnavailable(cfg.Model, kind, err.Error())
		if lastGood != "" && lastGood != cfg.Model {
			if selErr := s.SelectModel(lastGood); selErr == nil {
				s.engine.MarkAvailable(lastGood)
			}
		}
	}
	return err
}

// Stop cancels the in-flight stream, if any. The adapter finalizes the
// partial turn silently.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Clear stops any stream, empties the transcript, and resets the provider
// session so stale history cannot leak into the next turn.
func (s *Session) Clear() {
	s.Stop()
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	s.dispatcher.ResetSession()
	s.queueSave()
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Snapshot captures the session for persistence.
func (s *Session) Snapshot() persist.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() persist.SessionState {
	msgs := make([]model.ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m.Clone())
	}
	return persist.SessionState{
		ID:                persist.DefaultSessionID,
		Messages:          msgs,
		SelectedModel:     s.engine.Selected(),
		SystemInstruction: s.instruction,
	}
}

// Hydrate restores a persisted session into the live transcript and seeds
// the provider-side history. Hydration usually runs before any provider is
// configured; in that case SelectModel replays the transcript once routing
// is established.
func (s *Session) Hydrate(state persist.SessionState) {
	msgs := make([]*model.ChatMessage, 0, len(state.Messages))
	for i := range state.Messages {
		msgs = append(msgs, &state.Messages[i])
	}

	s.mu.Lock()
	s.messages = msgs
	s.instruction = state.SystemInstruction
	s.mu.Unlock()

	if state.SelectedModel != "" {
		s.engine.SetSelected(state.SelectedModel)
	}
	s.syncHistory()
}

func (s *Session) queueSave() {
	if s.saver == nil {
		return
	}
	s.mu.Lock()
	state := s.snapshotLocked()
	s.mu.Unlock()
	s.saver.Queue(state)
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown renders the transcript as a Markdown document.
func (s *Session) ExportMarkdown() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("# Conversation\n\n")
	fmt.Fprintf(&b, "Exported: %s\n\n", time.Now().Format(time.RFC3339))
	for _, msg := range s.messages {
		switch {
		case msg.IsError:
			fmt.Fprintf(&b, "> **Error:** %s\n\n", msg.Content)
		case msg.Role == model.RoleUser:
			fmt.Fprintf(&b, "## You\n\n%s\n\n", msg.DisplayContent())
		default:
			fmt.Fprintf(&b, "## Assistant\n\n%s\n\n", msg.DisplayContent())
		}
		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "_Attachment: %s (%s)_\n\n", att.Name, att.MimeType)
		}
	}
	return b.String()
}

// ExportJSON renders the sanitized transcript as indented JSON.
func (s *Session) ExportJSON() ([]byte, error) {
	s.mu.Lock()
	msgs := make([]model.ChatMessage, 0, len(s.messages))
	for _, m := range s.messages {
		msgs = append(msgs, m.Clone())
	}
	s.mu.Unlock()
	return json.MarshalIndent(persist.Sanitize(msgs), "", "  ")
}

// =============================================================================
// HELPERS
// =============================================================================

func hasActivePayload(attachments []model.Attachment) bool {
	for _, att := range attachments {
		if att.HasPayload() {
			return true
		}
	}
	return false
}

// classify extracts the error taxonomy kind, honoring backend status codes
// when present.
func classify(err error) apierr.Kind {
	var be *provider.BackendError
	if errors.As(err, &be) {
		return be.Kind()
	}
	return apierr.ClassifyErr(err, 0)
}
