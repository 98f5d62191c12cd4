// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package apierr

import (
	"context"
	"errors"
	"testing"
)

func TestClassify_Priority(t *testing.T) {
	tests := []struct {
		name    string
		message string
		status  int
		want    Kind
	}{
		{"status 429", "anything at all", 429, RateLimited},
		{"quota phrasing", "You exceeded your current quota", 0, RateLimited},
		{"resource exhausted", "RESOURCE_EXHAUSTED: try later", 0, RateLimited},
		{"tokens per minute", "Limit 6000 tokens per minute reached", 0, RateLimited},
		{"insufficient quota", "insufficient_quota: upgrade your plan", 0, RateLimited},
		{"terms and acceptance", "Model requires terms acceptance first", 0, TermsRequired},
		{"org restricted", "Your organization must be verified", 0, AuthRestricted},
		{"access denied", "access denied for this key", 0, AuthRestricted},
		{"permission", "PERMISSION_DENIED", 0, AuthRestricted},
		{"not found", "The model `x` was not found", 0, Unsupported},
		{"does not support", "model does not support generateContent", 0, Unsupported},
		{"decommissioned", "model has been decommissioned", 0, Unsupported},
		{"billing", "billing hard limit reached", 0, Billing},
		{"payment", "payment required", 0, Billing},
		{"status 400", "something went wrong", 400, BadRequest},
		{"invalid", "invalid request body", 0, BadRequest},
		{"fallback", "the server had a hiccup", 500, Generic},
		{"empty", "", 0, Generic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.message, tt.status); got != tt.want {
				t.Errorf("Classify(%q, %d) = %v, want %v", tt.message, tt.status, got, tt.want)
			}
		})
	}
}

// A message containing both "terms" and "acceptance" is TermsRequired even
// when lower-priority categories would also match.
func TestClassify_TermsBeatLowerPriorities(t *testing.T) {
	msgs := []string{
		"terms acceptance required before access is not authorized",
		"invalid state: terms of service acceptance pending",
		"billing unavailable until terms acceptance",
	}
	for _, m := range msgs {
		if got := Classify(m, 0); got != TermsRequired {
			t.Errorf("Classify(%q) = %v, want TermsRequired", m, got)
		}
	}
}

// Rate limiting outranks everything, including terms wording.
func TestClassify_RateLimitOutranksTerms(t *testing.T) {
	if got := Classify("quota exceeded pending terms acceptance", 0); got != RateLimited {
		t.Errorf("got %v, want RateLimited", got)
	}
	if got := Classify("terms acceptance required", 429); got != RateLimited {
		t.Errorf("got %v, want RateLimited on 429", got)
	}
}

func TestClassify_CaseInsensitive(t *testing.T) {
	if got := Classify("RATE LIMIT EXCEEDED", 0); got != RateLimited {
		t.Errorf("got %v, want RateLimited", got)
	}
	if got := Classify("Invalid Model Name", 0); got != Unsupported {
		t.Errorf("got %v, want Unsupported", got)
	}
}

func TestUserMessage_MentionsModel(t *testing.T) {
	kinds := []Kind{RateLimited, TermsRequired, AuthRestricted, Unsupported, Billing, BadRequest, Generic}
	for _, k := range kinds {
		msg := UserMessage(k, "gemini-2.0-flash")
		if msg == "" {
			t.Errorf("UserMessage(%v) returned empty string", k)
		}
		if k != Generic && k != BadRequest && len(msg) < len("gemini-2.0-flash") {
			t.Errorf("UserMessage(%v) suspiciously short: %q", k, msg)
		}
	}
}

func TestIsAbort(t *testing.T) {
	if !IsAbort(context.Canceled) {
		t.Error("context.Canceled should be an abort")
	}
	if !IsAbort(errors.New("request aborted by user")) {
		t.Error("'aborted' message should be an abort")
	}
	if IsAbort(errors.New("rate limit exceeded")) {
		t.Error("rate limit is not an abort")
	}
	if IsAbort(nil) {
		t.Error("nil is not an abort")
	}
}
