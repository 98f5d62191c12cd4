// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// PROVIDER TAG
// =============================================================================

// Provider identifies one of the supported backends. The set is closed:
// dispatch happens through a lookup table keyed by this tag, never by runtime
// type inspection.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
	ProviderGroq   Provider = "groq"
)

// AllProviders lists every supported provider tag in a stable order.
var AllProviders = []Provider{ProviderGemini, ProviderOpenAI, ProviderGroq}

// String returns the string representation of the provider tag.
func (p Provider) String() string {
	return string(p)
}

// Valid reports whether p is a known provider tag.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGemini, ProviderOpenAI, ProviderGroq:
		return true
	}
	return false
}

// =============================================================================
// MODEL OPTION
// =============================================================================

// ModelOption describes one selectable backend model. Options are sourced
// from a live catalog fetch and regenerated wholesale on each refresh; the
// only stable identity across refreshes is ID.
type ModelOption struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Provider         Provider `json:"provider"`
	OutputTokenLimit int      `json:"output_token_limit,omitempty"`
}
