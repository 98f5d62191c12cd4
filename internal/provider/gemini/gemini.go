// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gemini implements the provider contract for the Google
// generative-language REST API.
//
// Unlike the OpenAI-compatible backends, this adapter keeps a stateful
// session handle: the handle snapshots model, credential, and system
// instruction, and is rebuilt whenever model or credential changes. Some
// models reject a system instruction outright; on that specific failure the
// adapter rebuilds the session without the instruction and retries once.
package gemini

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

// DefaultBaseURL is the generative-language API root.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// =============================================================================
// WIRE TYPES
// =============================================================================

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type listModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"`
		DisplayName                string   `json:"displayName"`
		Description                string   `json:"description"`
		OutputTokenLimit           int      `json:"outputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// model families listed by the catalog that never answer generateContent
// usefully in a chat session.
var excludedFamilies = []string{"embedding", "aqa", "imagen", "veo"}

// =============================================================================
// SESSION HANDLE
// =============================================================================

// session is the stateful remote-chat handle. It pins the (model, key,
// instruction) triple it was created for; the adapter rebuilds it when any of
// those change, carrying history across the rebuild.
type session struct {
	modelID     string
	apiKey      string
	instruction string
	history     []content
}

// Adapter implements provider.Adapter for Gemini.
type Adapter struct {
	baseURL string

	mu   sync.Mutex
	sess *session
}

// New creates a Gemini adapter.
func New(baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Adapter{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// ensureSession returns the live session, rebuilding the handle if model,
// credential, or instruction changed. History survives a rebuild.
func (a *Adapter) ensureSession(modelID, apiKey, instruction string) *session {
	if a.sess == nil {
		a.sess = &session{modelID: modelID, apiKey: apiKey, instruction: instruction}
		return a.sess
	}
	if a.sess.modelID != modelID || a.sess.apiKey != apiKey || a.sess.instruction != instruction {
		a.sess = &session{
			modelID:     modelID,
			apiKey:      apiKey,
			instruction: instruction,
			history:     a.sess.history,
		}
	}
	return a.sess
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ValidateKey lists models, filters to generateContent-capable non-excluded
// families, and sorts "-latest" variants first then reverse-lexicographic.
func (a *Adapter) ValidateKey(ctx context.Context, apiKey string) ([]model.ModelOption, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, provider.ErrNoKey
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models?pageSize=1000", nil)
	if err != nil {
		return []model.ModelOption{}, nil
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := provider.HTTPClient.Do(req)
	if err != nil {
		log.Printf("gemini: model listing failed (key %s): %v", provider.KeyFingerprint(apiKey), err)
		return []model.ModelOption{}, nil
	}
	defer resp.Body.Close()

	body, err := provider.ReadResponse(resp)
	if err != nil {
		return []model.ModelOption{}, nil
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		(resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "api key not valid")) {
		return nil, fmt.Errorf("%w: gemini", provider.ErrInvalidKey)
	}
	if resp.StatusCode != http.StatusOK {
		log.Printf("gemini: model listing returned %d", resp.StatusCode)
		return []model.ModelOption{}, nil
	}

	var parsed listModelsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return []model.ModelOption{}, nil
	}

	options := make([]model.ModelOption, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if !supportsGeneration(m.SupportedGenerationMethods) || isExcludedFamily(m.Name) {
			continue
		}
		options = append(options, model.ModelOption{
			ID:               strings.TrimPrefix(m.Name, "models/"),
			Name:             m.DisplayName,
			Description:      m.Description,
			Provider:         model.ProviderGemini,
			OutputTokenLimit: m.OutputTokenLimit,
		})
	}

	sort.Slice(options, func(i, j int) bool {
		li := strings.HasSuffix(options[i].ID, "-latest")
		lj := strings.HasSuffix(options[j].ID, "-latest")
		if li != lj {
			return li
		}
		return options[i].ID > options[j].ID
	})
	return options, nil
}

func supportsGeneration(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

func isExcludedFamily(name string) bool {
	lower := strings.ToLower(name)
	for _, f := range excludedFamilies {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// =============================================================================
// AVAILABILITY PROBE
// =============================================================================

// CheckModel issues a 1-token generateContent probe.
func (a *Adapter) CheckModel(ctx context.Context, modelID, apiKey string) provider.Check {
	reqBody := generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: "hi"}}}},
		GenerationConfig: &generationConfig{MaxOutputTokens: 1},
	}
	status, body, err := a.post(ctx, modelID, ":generateContent", apiKey, reqBody, false)
	if err != nil {
		kind := apierr.ClassifyErr(err, 0)
		return provider.Check{Available: false, ErrorCode: kind, Message: apierr.UserMessage(kind, modelID)}
	}
	defer body.Close()

	if status == http.StatusOK {
		io.Copy(io.Discard, body)
		return provider.Check{Available: true}
	}

	raw, _ := io.ReadAll(io.LimitReader(body, provider.MaxResponseSize))
	kind := apierr.Classify(errorMessage(raw), status)
	return provider.Check{Available: false, ErrorCode: kind, Message: apierr.UserMessage(kind, modelID)}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// SendMessageStream issues one streaming turn through the session handle.
func (a *Adapter) SendMessageStream(ctx context.Context, req provider.SendRequest, onChunk provider.ChunkFunc) error {
	a.mu.Lock()
	sess := a.ensureSession(req.Model, req.APIKey, req.SystemInstruction)
	a.mu.Unlock()

	err := a.streamTurn(ctx, sess, req, onChunk)
	if err == nil {
		return nil
	}

	// Graceful capability degradation: some models reject a system
	// instruction. Rebuild the session without it and retry exactly once.
	if sess.instruction != "" && rejectsInstruction(err) {
		log.Printf("gemini: %s rejected system instruction, retrying without it", req.Model)
		a.mu.Lock()
		a.sess = &session{modelID: req.Model, apiKey: req.APIKey, history: sess.history}
		sess = a.sess
		a.mu.Unlock()
		return a.streamTurn(ctx, sess, req, onChunk)
	}
	return err
}

// rejectsInstruction reports whether the failure singles out the system
// instruction as the problem.
func rejectsInstruction(err error) bool {
	var be *provider.BackendError
	if !errors.As(err, &be) {
		return false
	}
	msg := strings.ToLower(be.Message)
	if strings.Contains(msg, "system instruction") || strings.Contains(msg, "system_instruction") {
		return true
	}
	kind := be.Kind()
	return (kind == apierr.Unsupported || kind == apierr.BadRequest) &&
		strings.Contains(msg, "instruction")
}

// streamTurn performs a single streaming attempt against one session handle.
func (a *Adapter) streamTurn(ctx context.Context, sess *session, req provider.SendRequest, onChunk provider.ChunkFunc) error {
	userTurn := buildUserContent(req.Text, req.Attachments)

	reqBody := generateRequest{
		Contents: append(append([]content{}, sess.history...), userTurn),
	}
	if sess.instruction != "" {
		reqBody.SystemInstruction = &content{Parts: []part{{Text: sess.instruction}}}
	}

	status, body, err := a.post(ctx, sess.modelID, ":streamGenerateContent?alt=sse", sess.apiKey, reqBody, true)
	if err != nil {
		if apierr.IsAbort(err) {
			return nil
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer body.Close()

	if status != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(body, provider.MaxResponseSize))
		return &provider.BackendError{Provider: model.ProviderGemini, Status: status, Message: errorMessage(raw)}
	}

	// History is updated in all completion paths, including cancellation,
	// so it stays consistent with what the UI displayed.
	var accumulated strings.Builder
	defer func() {
		a.mu.Lock()
		sess.history = append(sess.history, userTurn, content{
			Role:  "model",
			Parts: []part{{Text: accumulated.String()}},
		})
		a.mu.Unlock()
	}()

	reader := provider.NewSSEReader(body)
	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if apierr.IsAbort(err) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		var chunk generateResponse
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue
		}
		for _, cand := range chunk.Candidates {
			for _, p := range cand.Content.Parts {
				if p.Text == "" {
					continue
				}
				accumulated.WriteString(p.Text)
				if err := onChunk(p.Text); err != nil {
					return err
				}
			}
		}
	}
}

// post issues a model-scoped POST. The caller owns the returned body.
func (a *Adapter) post(ctx context.Context, modelID, op, apiKey string, reqBody generateRequest, streaming bool) (int, io.ReadCloser, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := a.baseURL + "/models/" + modelID + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	client := provider.HTTPClient
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		client = provider.StreamingClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, resp.Body, nil
}

func errorMessage(body []byte) string {
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}

// buildUserContent shapes a user turn, inlining payload-bearing attachments.
func buildUserContent(text string, attachments []model.Attachment) content {
	parts := make([]part, 0, len(attachments)+1)
	if text != "" {
		parts = append(parts, part{Text: text})
	}
	for _, att := range attachments {
		if !att.HasPayload() {
			continue
		}
		parts = append(parts, part{InlineData: &inlineData{MimeType: att.MimeType, Data: att.Data}})
	}
	if len(parts) == 0 {
		parts = append(parts, part{Text: ""})
	}
	return content{Role: "user", Parts: parts}
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ResetSession clears the adapter's history and drops the session handle.
// Idempotent.
func (a *Adapter) ResetSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sess = nil
}

// SetHistory replaces the session history from canonical messages.
func (a *Adapter) SetHistory(msgs []model.ChatMessage) {
	history := make([]content, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		if m.IsEmpty() || m.IsError {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			history = append(history, buildUserContent(m.Content, m.Attachments))
		case model.RoleModel:
			history = append(history, content{Role: "model", Parts: []part{{Text: m.Content}}})
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		a.sess = &session{}
	}
	a.sess.history = history
}

// HistoryLen returns the number of stored turns.
func (a *Adapter) HistoryLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return 0
	}
	return len(a.sess.history)
}
