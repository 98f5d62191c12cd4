// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openaicompat implements the provider contract for backends that
// speak the OpenAI chat/completions wire protocol. Both the OpenAI and Groq
// adapters are instances of this client with different settings: base URL,
// model filtering, and sort order.
//
// These backends are stateless REST: the adapter keeps history client-side
// and resends the full transcript on every call.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/polychat/internal/apierr"
	"github.com/jeranaias/polychat/internal/model"
	"github.com/jeranaias/polychat/internal/provider"
)

// Settings parameterize the client per backend.
type Settings struct {
	Provider model.Provider

	// BaseURL is the API root, e.g. "https://api.groq.com/openai/v1".
	BaseURL string

	// KeepModel filters the catalog to chat-capable models.
	KeepModel func(id string) bool

	// UserAgent is sent with every request.
	UserAgent string
}

// wireMessage is one entry of the transcript in the backend's native shape.
// Content is either a plain string or a multimodal part array.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			// Reasoning side channel: some models emit chain-of-thought on
			// a separate delta field; field name differs between backends.
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type modelsResponse struct {
	Data []struct {
		ID                  string `json:"id"`
		ContextWindow       int    `json:"context_window"`
		MaxCompletionTokens int    `json:"max_completion_tokens"`
	} `json:"data"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Client implements provider.Adapter for OpenAI-compatible backends.
type Client struct {
	settings Settings

	mu      sync.Mutex
	history []wireMessage
}

// New creates a client with the given settings.
func New(settings Settings) *Client {
	return &Client{settings: settings}
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ValidateKey lists models; ErrInvalidKey on auth failure, empty list on any
// other failure so one provider's outage does not block others.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) ([]model.ModelOption, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, provider.ErrNoKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.BaseURL+"/models", nil)
	if err != nil {
		return []model.ModelOption{}, nil
	}
	c.setHeaders(req, apiKey)

	resp, err := provider.HTTPClient.Do(req)
	if err != nil {
		log.Printf("%s: model listing failed (key %s): %v", c.settings.Provider, provider.KeyFingerprint(apiKey), err)
		return []model.ModelOption{}, nil
	}
	defer resp.Body.Close()

	body, err := provider.ReadResponse(resp)
	if err != nil {
		return []model.ModelOption{}, nil
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: %s", provider.ErrInvalidKey, c.settings.Provider)
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("%s: model listing returned %d", c.settings.Provider, resp.StatusCode)
		return []model.ModelOption{}, nil
	}

	var parsed modelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []model.ModelOption{}, nil
	}

	options := make([]model.ModelOption, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		if c.settings.KeepModel != nil && !c.settings.KeepModel(m.ID) {
			continue
		}
		limit := m.MaxCompletionTokens
		if limit == 0 {
			limit = m.ContextWindow
		}
		options = append(options, model.ModelOption{
			ID:               m.ID,
			Name:             m.ID,
			Provider:         c.settings.Provider,
			OutputTokenLimit: limit,
		})
	}
	SortModels(options)
	return options, nil
}

// SortModels orders "latest" variants first, then reverse-lexicographic, so
// newer dated ids float to the top of the picker.
func SortModels(options []model.ModelOption) {
	sort.Slice(options, func(i, j int) bool {
		li := strings.Contains(options[i].ID, "latest")
		lj := strings.Contains(options[j].ID, "latest")
		if li != lj {
			return li
		}
		return options[i].ID > options[j].ID
	})
}

// =============================================================================
// AVAILABILITY PROBE
// =============================================================================

// CheckModel issues a 1-token real completion. Never returns a Go error:
// failures are classified into the Check result.
func (c *Client) CheckModel(ctx context.Context, modelID, apiKey string) provider.Check {
	reqBody := chatRequest{
		Model:     modelID,
		Messages:  []wireMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 1,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return failedCheck(err.Error(), 0, modelID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return failedCheck(err.Error(), 0, modelID)
	}
	c.setHeaders(req, apiKey)

	resp, err := provider.HTTPClient.Do(req)
	if err != nil {
		return failedCheck(err.Error(), 0, modelID)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return provider.Check{Available: true}
	}

	body, _ := provider.ReadResponse(resp)
	return failedCheck(errorMessage(body), resp.StatusCode, modelID)
}

func failedCheck(message string, status int, modelID string) provider.Check {
	kind := apierr.Classify(message, status)
	return provider.Check{
		Available: false,
		ErrorCode: kind,
		Message:   apierr.UserMessage(kind, modelID),
	}
}

// errorMessage extracts the error message from an API error body, falling
// back to the raw body.
func errorMessage(body []byte) string {
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// SendMessageStream issues one streaming turn. Reasoning-channel deltas are
// wrapped in <think>...</think> so callers can separate chain-of-thought from
// the answer without protocol-level separation. Once the backend accepts the
// turn, whatever accumulated before a stop or mid-stream failure is flushed
// into history in the deferred block; a request that fails outright never
// enters history, keeping it consistent with the displayed transcript.
func (c *Client) SendMessageStream(ctx context.Context, req provider.SendRequest, onChunk provider.ChunkFunc) (err error) {
	userMsg := buildUserMessage(req.Text, req.Attachments)

	var accumulated strings.Builder

	c.mu.Lock()
	messages := make([]wireMessage, 0, len(c.history)+2)
	if req.SystemInstruction != "" {
		messages = append(messages, wireMessage{Role: "system", Content: req.SystemInstruction})
	}
	messages = append(messages, c.history...)
	messages = append(messages, userMsg)
	c.mu.Unlock()

	body, err := json.Marshal(chatRequest{Model: req.Model, Messages: messages, Stream: true})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq, req.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := provider.StreamingClient.Do(httpReq)
	if err != nil {
		if apierr.IsAbort(err) {
			return nil
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := provider.ReadResponse(resp)
		return &provider.BackendError{
			Provider: c.settings.Provider,
			Status:   resp.StatusCode,
			Message:  errorMessage(errBody),
		}
	}

	// The turn enters history only once the backend accepted it; a rejected
	// request leaves history exactly as the transcript shows it.
	defer func() {
		c.mu.Lock()
		c.history = append(c.history, userMsg, wireMessage{Role: "assistant", Content: accumulated.String()})
		c.mu.Unlock()
	}()

	reader := provider.NewSSEReader(resp.Body)
	thinkOpen := false

	emit := func(text string) error {
		accumulated.WriteString(text)
		return onChunk(text)
	}

	for {
		// Cooperative cancellation: stop consuming without raising.
		if ctx.Err() != nil {
			return nil
		}

		data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				break
			}
			if apierr.IsAbort(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue // skip malformed chunks
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		reasoning := delta.ReasoningContent
		if reasoning == "" {
			reasoning = delta.Reasoning
		}

		if reasoning != "" {
			if !thinkOpen {
				thinkOpen = true
				if err := emit("<think>"); err != nil {
					return err
				}
			}
			if err := emit(reasoning); err != nil {
				return err
			}
		}

		if delta.Content != "" {
			if thinkOpen {
				thinkOpen = false
				if err := emit("</think>"); err != nil {
					return err
				}
			}
			if err := emit(delta.Content); err != nil {
				return err
			}
		}

		if chunk.Choices[0].FinishReason != "" {
			break
		}
	}

	if thinkOpen {
		if err := emit("</think>"); err != nil {
			return err
		}
	}
	return nil
}

// buildUserMessage shapes a user turn, inlining active image attachments as
// data-URL parts.
func buildUserMessage(text string, attachments []model.Attachment) wireMessage {
	var parts []contentPart
	for _, a := range attachments {
		if !a.HasPayload() || !a.IsImage() {
			continue
		}
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + a.MimeType + ";base64," + a.Data},
		})
	}
	if len(parts) == 0 {
		return wireMessage{Role: "user", Content: text}
	}
	if text != "" {
		parts = append([]contentPart{{Type: "text", Text: text}}, parts...)
	}
	return wireMessage{Role: "user", Content: parts}
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ResetSession clears the adapter's history. Idempotent.
func (c *Client) ResetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
}

// SetHistory replaces the history from canonical messages.
func (c *Client) SetHistory(msgs []model.ChatMessage) {
	history := make([]wireMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.IsEmpty() || m.IsError {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			history = append(history, buildUserMessage(m.Content, m.Attachments))
		case model.RoleModel:
			history = append(history, wireMessage{Role: "assistant", Content: m.Content})
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = history
}

// HistoryLen returns the number of stored turns. Used by tests and the
// dispatcher's session diagnostics.
func (c *Client) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func (c *Client) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.settings.UserAgent != "" {
		req.Header.Set("User-Agent", c.settings.UserAgent)
	}
}
