// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jeranaias/polychat/internal/apierr"
	"github.com/jeranaias/polychat/internal/model"
	"github.com/jeranaias/polychat/internal/provider"
)

func modelsJSON(ids ...string) string {
	var parts []string
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf(`{"id":%q}`, id))
	}
	return `{"data":[` + strings.Join(parts, ",") + `]}`
}

func TestValidateKeyFiltersAndSorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer gsk_test" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, modelsJSON(
			"llama-3.1-8b-instant",
			"whisper-large-v3",
			"llama-3.3-70b-versatile",
			"playai-tts",
		))
	}))
	defer server.Close()

	c := NewGroq(server.URL)
	options, err := c.ValidateKey(context.Background(), "gsk_test")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("kept %d models, want 2 (audio models filtered)", len(options))
	}
	if options[0].ID != "llama-3.3-70b-versatile" {
		t.Errorf("sort order wrong: %q first", options[0].ID)
	}
	for _, o := range options {
		if o.Provider != model.ProviderGroq {
			t.Errorf("provider tag = %q", o.Provider)
		}
	}
}

func TestValidateKeyAuthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewOpenAI(server.URL)
	if _, err := c.ValidateKey(context.Background(), "sk-bad"); !errors.Is(err, provider.ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}

func TestValidateKeyServerErrorYieldsEmptyList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewOpenAI(server.URL)
	options, err := c.ValidateKey(context.Background(), "sk-test")
	if err != nil {
		t.Fatalf("outage should not be an error, got %v", err)
	}
	if len(options) != 0 {
		t.Errorf("got %d models from a failing backend", len(options))
	}
}

func TestSortModelsLatestFirst(t *testing.T) {
	options := []model.ModelOption{
		{ID: "gpt-4o-2024-05-13"},
		{ID: "gpt-4o-latest"},
		{ID: "gpt-4o-2024-08-06"},
	}
	SortModels(options)
	want := []string{"gpt-4o-latest", "gpt-4o-2024-08-06", "gpt-4o-2024-05-13"}
	for i, w := range want {
		if options[i].ID != w {
			t.Errorf("position %d = %q, want %q", i, options[i].ID, w)
		}
	}
}

func TestCheckModelClassifiesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached for model"}}`)
	}))
	defer server.Close()

	c := NewGroq(server.URL)
	check := c.CheckModel(context.Background(), "llama-3.3-70b-versatile", "gsk_test")
	if check.Available {
		t.Fatal("check should have failed")
	}
	if check.ErrorCode != apierr.RateLimited {
		t.Errorf("kind = %q, want %q", check.ErrorCode, apierr.RateLimited)
	}
}

func TestCheckModelSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.MaxTokens != 1 {
			t.Errorf("probe max_tokens = %d, want 1", req.MaxTokens)
		}
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer server.Close()

	c := NewGroq(server.URL)
	if check := c.CheckModel(context.Background(), "llama-3.3-70b-versatile", "gsk_test"); !check.Available {
		t.Errorf("check failed: %+v", check)
	}
}

func sseHandler(t *testing.T, events []string, capture *chatRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			if err := json.NewDecoder(r.Body).Decode(capture); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestSendMessageStreamAccumulates(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
	}, &captured))
	defer server.Close()

	c := NewGroq(server.URL)
	var got strings.Builder
	err := c.SendMessageStream(context.Background(), provider.SendRequest{
		Model:             "llama-3.3-70b-versatile",
		APIKey:            "gsk_test",
		Text:              "hi",
		SystemInstruction: "be brief",
	}, func(text string) error {
		got.WriteString(text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "Hello" {
		t.Errorf("streamed %q", got.String())
	}

	if !captured.Stream {
		t.Error("request did not ask for streaming")
	}
	if len(captured.Messages) != 2 {
		t.Fatalf("wire messages = %d, want system+user", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" {
		t.Errorf("first wire role = %q, want system", captured.Messages[0].Role)
	}

	// Both turns land in history exactly once.
	if got := c.HistoryLen(); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestSendMessageStreamWrapsReasoning(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"reasoning":"pondering"}}]}`,
		`{"choices":[{"delta":{"reasoning":" deeply"}}]}`,
		`{"choices":[{"delta":{"content":"42"}}]}`,
	}, nil))
	defer server.Close()

	c := NewGroq(server.URL)
	var got strings.Builder
	err := c.SendMessageStream(context.Background(), provider.SendRequest{
		Model: "m", APIKey: "k", Text: "q",
	}, func(text string) error {
		got.WriteString(text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "<think>pondering deeply</think>42" {
		t.Errorf("streamed %q", got.String())
	}
}

func TestSendMessageStreamReasoningOnlyIsClosed(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
	}, nil))
	defer server.Close()

	c := NewGroq(server.URL)
	var got strings.Builder
	err := c.SendMessageStream(context.Background(), provider.SendRequest{
		Model: "m", APIKey: "k", Text: "q",
	}, func(text string) error {
		got.WriteString(text)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "<think>hmm</think>" {
		t.Errorf("streamed %q, want closed think block", got.String())
	}
}

func TestSendMessageStreamCancellationIsSilent(t *testing.T) {
	firstChunkSent := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"part\"}}]}\n\n")
		flusher.Flush()
		close(firstChunkSent)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-firstChunkSent
		// Give the client a moment to consume the chunk before canceling.
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	c := NewGroq(server.URL)
	var got strings.Builder
	err := c.SendMessageStream(ctx, provider.SendRequest{
		Model: "m", APIKey: "k", Text: "q",
	}, func(text string) error {
		got.WriteString(text)
		return nil
	})
	if err != nil {
		t.Fatalf("canceled stream should return nil, got %v", err)
	}

	// The partial turn is still flushed into history.
	if got := c.HistoryLen(); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}
}

func TestSendMessageStreamBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"message":"billing hard limit reached"}}`)
	}))
	defer server.Close()

	c := NewGroq(server.URL)
	err := c.SendMessageStream(context.Background(), provider.SendRequest{
		Model: "m", APIKey: "k", Text: "q",
	}, func(string) error { return nil })

	var be *provider.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %T %v, want BackendError", err, err)
	}
	if be.Status != http.StatusPaymentRequired {
		t.Errorf("status = %d", be.Status)
	}
	if be.Kind() != apierr.Billing {
		t.Errorf("kind = %q, want %q", be.Kind(), apierr.Billing)
	}

	// The rejected turn must not linger in history: the next send would
	// otherwise resend a turn the caller rolled back.
	if got := c.HistoryLen(); got != 0 {
		t.Errorf("history length after failed send = %d, want 0", got)
	}
}

func TestFailedSendDoesNotLeakIntoNextRequest(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"upstream exploded"}}`)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewGroq(server.URL)
	if err := c.SendMessageStream(context.Background(), provider.SendRequest{
		Model: "m", APIKey: "k", Text: "doomed turn",
	}, func(string) error { return nil }); err == nil {
		t.Fatal("failed send should return an error")
	}

	fail.Store(false)
	if err := c.SendMessageStream(context.Background(), provider.SendRequest{
		Model: "m", APIKey: "k", Text: "second turn",
	}, func(string) error { return nil }); err != nil {
		t.Fatalf("second send: %v", err)
	}

	if len(captured.Messages) != 1 {
		t.Fatalf("second request carried %d messages, want 1", len(captured.Messages))
	}
	if got := captured.Messages[0].Content; got != "second turn" {
		t.Errorf("second request content = %v, want the new turn only", got)
	}
}

func TestSetHistorySkipsErrorAndEmptyRows(t *testing.T) {
	c := NewGroq("http://unused")
	c.SetHistory([]model.ChatMessage{
		*model.NewUserMessage("keep me"),
		*model.NewErrorMessage("drop me"),
		{ID: "x", Role: model.RoleModel, Content: ""},
		{ID: "y", Role: model.RoleModel, Content: "an answer"},
	})
	if got := c.HistoryLen(); got != 2 {
		t.Errorf("history length = %d, want 2", got)
	}

	c.ResetSession()
	if got := c.HistoryLen(); got != 0 {
		t.Errorf("history length after reset = %d, want 0", got)
	}
}

func TestBuildUserMessageInlinesImages(t *testing.T) {
	att := model.NewAttachment("image/png", "cat.png", "BASE64")
	inactive := model.NewAttachment("image/png", "old.png", "BASE64")
	inactive.IsActive = false
	pdf := model.NewAttachment("application/pdf", "doc.pdf", "BASE64")

	msg := buildUserMessage("caption", []model.Attachment{att, inactive, pdf})
	parts, ok := msg.Content.([]contentPart)
	if !ok {
		t.Fatalf("content is %T, want part array", msg.Content)
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want text + one image", len(parts))
	}
	if parts[0].Type != "text" || parts[0].Text != "caption" {
		t.Errorf("first part = %+v", parts[0])
	}
	if parts[1].ImageURL == nil || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("image part = %+v", parts[1])
	}
}
