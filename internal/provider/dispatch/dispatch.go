// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch routes session operations to the adapter matching the
// active provider. It holds exactly one long-lived adapter per provider, so
// switching the active provider never discards another provider's
// conversational memory; only the (provider, model, key) routing target
// changes.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/jeranaias/polychat/internal/model"
	"github.com/jeranaias/polychat/internal/provider"
	"github.com/jeranaias/polychat/internal/provider/gemini"
	"github.com/jeranaias/polychat/internal/provider/openaicompat"
)

// Endpoints optionally override backend base URLs (used by tests and
// self-hosted gateways). Zero values select the public endpoints.
type Endpoints struct {
	Gemini string
	OpenAI string
	Groq   string
}

// newAdapterTable builds one fresh adapter per provider tag.
func newAdapterTable(ep Endpoints) map[model.Provider]provider.Adapter {
	return map[model.Provider]provider.Adapter{
		model.ProviderGemini: gemini.New(ep.Gemini),
		model.ProviderOpenAI: openaicompat.NewOpenAI(ep.OpenAI),
		model.ProviderGroq:   openaicompat.NewGroq(ep.Groq),
	}
}

// Config is the active routing target.
type Config struct {
	Provider model.Provider
	Model    string
	APIKey   string
}

// Dispatcher owns the per-provider adapter table and the active routing
// target. Session operations are pure delegation to the active adapter.
type Dispatcher struct {
	mu       sync.Mutex
	adapters map[model.Provider]provider.Adapter
	cfg      Config

	// last remembers each provider's most recent routing target, so
	// switching the active provider resets a session only when that
	// provider's own model or key actually changed.
	last map[model.Provider]Config
}

// New creates a dispatcher with one long-lived adapter per provider.
func New(ep Endpoints) *Dispatcher {
	return &Dispatcher{
		adapters: newAdapterTable(ep),
		last:     make(map[model.Provider]Config),
	}
}

// SetConfig updates the routing target. The target provider's session is
// reset only when its own (model, key) pair changed: a credential rotation
// or model switch invalidates only the stream it applies to, while merely
// switching back to a provider keeps its conversational memory.
func (d *Dispatcher) SetConfig(cfg Config) error {
	if !cfg.Provider.Valid() {
		return fmt.Errorf("%w: %s", provider.ErrProviderNotImplemented, cfg.Provider)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if cfg == d.cfg {
		return nil
	}
	prev, seen := d.last[cfg.Provider]
	d.cfg = cfg
	d.last[cfg.Provider] = cfg
	if seen && prev == cfg {
		return nil
	}

	if a, ok := d.adapters[cfg.Provider]; ok {
		a.ResetSession()
	}
	return nil
}

// Config returns the active routing target.
func (d *Dispatcher) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// active returns the adapter for the current provider, or an error when the
// dispatcher is operated without a configured provider (a setup bug).
func (d *Dispatcher) active() (provider.Adapter, Config, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.adapters[d.cfg.Provider]
	if !ok {
		return nil, d.cfg, fmt.Errorf("%w: %q", provider.ErrProviderNotImplemented, d.cfg.Provider)
	}
	return a, d.cfg, nil
}

// SendMessageStream streams one chat turn through the active adapter.
func (d *Dispatcher) SendMessageStream(ctx context.Context, text string, attachments []model.Attachment, systemInstruction string, onChunk provider.ChunkFunc) error {
	a, cfg, err := d.active()
	if err != nil {
		return err
	}
	return a.SendMessageStream(ctx, provider.SendRequest{
		Model:             cfg.Model,
		APIKey:            cfg.APIKey,
		Text:              text,
		Attachments:       attachments,
		SystemInstruction: systemInstruction,
	}, onChunk)
}

// ResetSession clears the active provider's history.
func (d *Dispatcher) ResetSession() error {
	a, _, err := d.active()
	if err != nil {
		return err
	}
	a.ResetSession()
	return nil
}

// SetHistory replaces the active provider's history from canonical messages.
func (d *Dispatcher) SetHistory(msgs []model.ChatMessage) error {
	a, _, err := d.active()
	if err != nil {
		return err
	}
	a.SetHistory(msgs)
	return nil
}

// =============================================================================
// STATIC PROBE ENTRY POINTS
// =============================================================================

// Static entry points construct throwaway adapters so probing never shares
// mutable state with the live per-session instances.

// ValidateKeyAndGetModels lists a provider's models without touching any
// live session.
func ValidateKeyAndGetModels(ctx context.Context, p model.Provider, apiKey string, ep Endpoints) ([]model.ModelOption, error) {
	a, ok := newAdapterTable(ep)[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrProviderNotImplemented, p)
	}
	return a.ValidateKey(ctx, apiKey)
}

// CheckModelAvailability probes one model without touching any live session.
func CheckModelAvailability(ctx context.Context, p model.Provider, modelID, apiKey string, ep Endpoints) provider.Check {
	a, ok := newAdapterTable(ep)[p]
	if !ok {
		return provider.Check{Available: false, Message: "provider not implemented: " + p.String()}
	}
	return a.CheckModel(ctx, modelID, apiKey)
}
