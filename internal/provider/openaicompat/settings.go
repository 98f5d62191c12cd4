// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openaicompat

import (
	"strings"

	"github.com/jeranaias/polychat/internal/model"
)

const (
	// DefaultOpenAIURL is the base URL for the OpenAI API.
	DefaultOpenAIURL = "https://api.openai.com/v1"

	// DefaultGroqURL is the base URL for the Groq OpenAI-compatible API.
	DefaultGroqURL = "https://api.groq.com/openai/v1"

	userAgent = "polychat/0.3.0"
)

// non-chat OpenAI model families; the catalog endpoint mixes everything in.
var openAIExcluded = []string{
	"embedding", "whisper", "tts", "audio", "dall-e", "image",
	"moderation", "realtime", "transcribe", "babbage", "davinci",
}

// keepOpenAIModel keeps chat-capable families only.
func keepOpenAIModel(id string) bool {
	lower := strings.ToLower(id)
	for _, ex := range openAIExcluded {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	return strings.HasPrefix(lower, "gpt-") ||
		strings.HasPrefix(lower, "chatgpt") ||
		strings.HasPrefix(lower, "o1") ||
		strings.HasPrefix(lower, "o3") ||
		strings.HasPrefix(lower, "o4")
}

// groq serves speech and safety models through the same catalog; none of
// them answer chat completions.
var groqExcluded = []string{"whisper", "tts", "guard", "embedding"}

func keepGroqModel(id string) bool {
	lower := strings.ToLower(id)
	for _, ex := range groqExcluded {
		if strings.Contains(lower, ex) {
			return false
		}
	}
	return true
}

// NewOpenAI creates the OpenAI adapter instance.
func NewOpenAI(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	return New(Settings{
		Provider:  model.ProviderOpenAI,
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		KeepModel: keepOpenAIModel,
		UserAgent: userAgent,
	})
}

// NewGroq creates the Groq adapter instance.
func NewGroq(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultGroqURL
	}
	return New(Settings{
		Provider:  model.ProviderGroq,
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		KeepModel: keepGroqModel,
		UserAgent: userAgent,
	})
}
