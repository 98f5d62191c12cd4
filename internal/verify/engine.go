// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package verify orchestrates model-availability refresh cycles: it fetches
// the current model catalog across providers, decides which models need
// re-probing, probes them concurrently, and publishes incremental state
// updates as each probe resolves.
//
// Every cycle is keyed by a monotonically increasing refresh generation.
// Before and after every await boundary the cycle compares its generation to
// the live counter and abandons all further state writes once a newer cycle
// has started, so overlapping refreshes (rapid key edits) cannot interleave
// writes and corrupt the final state.
package verify

import (
	"context"
	"log"
	"sync"

	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/jeranaias/polychat/internal/apierr"
	"github.com/jeranaias/polychat/internal/model"
	"github.com/jeranaias/polychat/internal/provider"
	"github.com/jeranaias/polychat/internal/provider/dispatch"
)

// Mode selects the verification scope for a refresh cycle.
type Mode int

const (
	// Smart verifies only models that are new or were previously marked
	// unavailable, assuming a known-good model stays good between refreshes.
	Smart Mode = iota

	// Full verifies every configured model.
	Full
)

// Pending marks a model whose probe is in flight. The pessimistic variant
// publishes it before probing so the UI never shows a stale "available"
// state for something currently being re-checked.
const Pending = apierr.Kind("PENDING")

// Keys holds the configured API key per provider; providers with empty keys
// do not participate in a cycle.
type Keys map[model.Provider]string

func (k Keys) anyConfigured() bool {
	for _, v := range k {
		if v != "" {
			return true
		}
	}
	return false
}

// Summary reports the outcome of one completed refresh cycle.
type Summary struct {
	Added    int
	Removed  int
	Verified int
	Stale    bool // a newer cycle superseded this one
}

// State is a copy of the engine's published state, safe to hand to the UI.
type State struct {
	Available   []model.ModelOption
	Unavailable map[string]apierr.Kind
	Messages    map[string]string
	Selected    string
	Refreshing  bool
}

// Engine owns the shared availability state.
type Engine struct {
	endpoints dispatch.Endpoints

	// limiter paces probe issuance so a full refresh cannot burst-hammer a
	// backend.
	limiter *rate.Limiter

	// catalog and probe are the backend entry points; tests swap them.
	catalog func(ctx context.Context, p model.Provider, key string) ([]model.ModelOption, error)
	probe   func(ctx context.Context, p model.Provider, modelID, key string) provider.Check

	mu          sync.Mutex
	generation  uint64
	cancelCycle context.CancelFunc
	available   []model.ModelOption
	unavailable map[string]apierr.Kind
	messages    map[string]string
	selected    string
	refreshing  bool
	onChange    func()
}

// NewEngine creates an engine probing through the dispatch static entry
// points.
func NewEngine(ep dispatch.Endpoints) *Engine {
	return &Engine{
		endpoints: ep,
		limiter:   rate.NewLimiter(rate.Limit(8), 8),
		catalog: func(ctx context.Context, p model.Provider, key string) ([]model.ModelOption, error) {
			return dispatch.ValidateKeyAndGetModels(ctx, p, key, ep)
		},
		probe: func(ctx context.Context, p model.Provider, modelID, key string) provider.Check {
			return dispatch.CheckModelAvailability(ctx, p, modelID, key, ep)
		},
		unavailable: make(map[string]apierr.Kind),
		messages:    make(map[string]string),
	}
}

// SetOnChange registers a callback fired after every published state change.
// The callback runs without the engine lock held.
func (e *Engine) SetOnChange(fn func()) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

func (e *Engine) notify() {
	e.mu.Lock()
	fn := e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// =============================================================================
// PUBLISHED STATE
// =============================================================================

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := State{
		Available:   make([]model.ModelOption, len(e.available)),
		Unavailable: make(map[string]apierr.Kind, len(e.unavailable)),
		Messages:    make(map[string]string, len(e.messages)),
		Selected:    e.selected,
		Refreshing:  e.refreshing,
	}
	copy(st.Available, e.available)
	for k, v := range e.unavailable {
		st.Unavailable[k] = v
	}
	for k, v := range e.messages {
		st.Messages[k] = v
	}
	return st
}

// Selected returns the currently selected model id.
func (e *Engine) Selected() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// SetSelected sets the selected model id.
func (e *Engine) SetSelected(modelID string) {
	e.mu.Lock()
	e.selected = modelID
	e.mu.Unlock()
	e.notify()
}

// IsRefreshing reports whether a refresh cycle is in flight.
func (e *Engine) IsRefreshing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshing
}

// Unavailable returns the recorded error kind for a model, if any.
func (e *Engine) Unavailable(modelID string) (apierr.Kind, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kind, ok := e.unavailable[modelID]
	return kind, ok
}

// MarkUnavailable records a disqualifying failure observed outside a refresh
// cycle (a live send).
func (e *Engine) MarkUnavailable(modelID string, kind apierr.Kind, message string) {
	e.mu.Lock()
	e.unavailable[modelID] = kind
	e.messages[modelID] = message
	e.mu.Unlock()
	e.notify()
}

// MarkAvailable removes a model from the unavailable map after a successful
// live send (auto-recovery).
func (e *Engine) MarkAvailable(modelID string) {
	e.mu.Lock()
	delete(e.unavailable, modelID)
	delete(e.messages, modelID)
	e.mu.Unlock()
	e.notify()
}

// =============================================================================
// REFRESH CYCLE
// =============================================================================

// Refresh runs one verification cycle. Starting a refresh supersedes and
// cancels any cycle still in flight.
func (e *Engine) Refresh(ctx context.Context, keys Keys, mode Mode) Summary {
	// Step 1: claim a new generation, cancel the stale cycle, and snapshot
	// which models were previously considered available.
	e.mu.Lock()
	e.generation++
	gen := e.generation
	if e.cancelCycle != nil {
		e.cancelCycle()
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancelCycle = cancel

	prevAvailable := make(map[string]bool, len(e.available))
	for _, m := range e.available {
		if _, bad := e.unavailable[m.ID]; !bad {
			prevAvailable[m.ID] = true
		}
	}
	prevUnavailable := make(map[string]bool, len(e.unavailable))
	for id := range e.unavailable {
		prevUnavailable[id] = true
	}
	e.refreshing = true
	e.mu.Unlock()
	e.notify()

	defer func() {
		e.guarded(gen, func() { e.refreshing = false })
		e.notify()
	}()

	// Total absence of configured keys short-circuits the cycle and clears
	// all model state.
	if !keys.anyConfigured() {
		e.guarded(gen, func() {
			e.available = nil
			e.unavailable = make(map[string]apierr.Kind)
			e.messages = make(map[string]string)
			e.selected = ""
		})
		return Summary{Removed: len(prevAvailable)}
	}

	// Step 2: fetch catalogs in parallel and publish the merged candidate
	// list immediately, before verification finishes.
	candidates := e.fetchCatalogs(ctx, keys)
	if !e.guarded(gen, func() {
		e.available = candidates
		e.pruneVanished(candidates)
	}) {
		return Summary{Stale: true}
	}
	e.notify()

	// Step 3: scope selection.
	var toVerify []model.ModelOption
	for _, m := range candidates {
		if mode == Full || !prevAvailable[m.ID] || prevUnavailable[m.ID] {
			toVerify = append(toVerify, m)
		}
	}

	// Step 4: pessimistic marking before any probe resolves.
	if !e.guarded(gen, func() {
		for _, m := range toVerify {
			e.unavailable[m.ID] = Pending
			e.messages[m.ID] = "Checking availability..."
		}
	}) {
		return Summary{Stale: true}
	}
	e.notify()

	// Step 5: parallel probing with incremental publish.
	autoSelected := false
	var selMu sync.Mutex

	var wg conc.WaitGroup
	for _, m := range toVerify {
		m := m
		wg.Go(func() {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
			check := e.probe(ctx, m.Provider, m.ID, keys[m.Provider])
			if ctx.Err() != nil {
				return
			}

			ok := e.guarded(gen, func() {
				if check.Available {
					delete(e.unavailable, m.ID)
					delete(e.messages, m.ID)
				} else {
					e.unavailable[m.ID] = check.ErrorCode
					e.messages[m.ID] = check.Message
				}
			})
			if !ok {
				return
			}
			e.notify()

			// Step 7 (first-successful-probe-wins): adopt a passing model
			// when nothing usable is selected, at most once per cycle.
			if check.Available {
				selMu.Lock()
				defer selMu.Unlock()
				if !autoSelected && e.shouldAutoSelect(gen, m.ID) {
					autoSelected = true
				}
			}
		})
	}
	wg.Wait()

	// Step 6/7: completion summary, guarded once more.
	summary := Summary{Stale: true, Verified: len(toVerify)}
	e.guarded(gen, func() {
		summary.Stale = false
		for _, m := range e.available {
			if _, bad := e.unavailable[m.ID]; !bad && !prevAvailable[m.ID] {
				summary.Added++
			}
		}
		for id := range prevAvailable {
			if !e.isAvailableLocked(id) {
				summary.Removed++
			}
		}
	})
	return summary
}

// fetchCatalogs queries every provider with a configured key in parallel and
// merges the results. One provider's failure contributes zero models.
func (e *Engine) fetchCatalogs(ctx context.Context, keys Keys) []model.ModelOption {
	var mu sync.Mutex
	var merged []model.ModelOption

	var wg conc.WaitGroup
	for _, p := range model.AllProviders {
		key := keys[p]
		if key == "" {
			continue
		}
		p := p
		wg.Go(func() {
			options, err := e.catalog(ctx, p, key)
			if err != nil {
				log.Printf("verify: catalog fetch for %s failed: %v", p, err)
				return
			}
			mu.Lock()
			merged = append(merged, options...)
			mu.Unlock()
		})
	}
	wg.Wait()
	return merged
}

// pruneVanished drops unavailable-map entries for models no longer in the
// catalog. Caller holds the lock.
func (e *Engine) pruneVanished(candidates []model.ModelOption) {
	present := make(map[string]bool, len(candidates))
	for _, m := range candidates {
		present[m.ID] = true
	}
	for id := range e.unavailable {
		if !present[id] {
			delete(e.unavailable, id)
			delete(e.messages, id)
		}
	}
	if e.selected != "" && !present[e.selected] {
		e.selected = ""
	}
}

// shouldAutoSelect adopts modelID as the selection when the current
// selection is empty or unavailable. Returns true when the selection changed.
func (e *Engine) shouldAutoSelect(gen uint64, modelID string) bool {
	changed := false
	e.guarded(gen, func() {
		_, selectedBad := e.unavailable[e.selected]
		if e.selected == "" || selectedBad {
			e.selected = modelID
			changed = true
		}
	})
	if changed {
		e.notify()
	}
	return changed
}

// isAvailableLocked reports whether id is in the catalog and not unavailable.
// Caller holds the lock.
func (e *Engine) isAvailableLocked(id string) bool {
	if _, bad := e.unavailable[id]; bad {
		return false
	}
	for _, m := range e.available {
		if m.ID == id {
			return true
		}
	}
	return false
}

// guarded runs fn under the lock only while gen is still the live
// generation. Returns false when a newer cycle has superseded gen.
func (e *Engine) guarded(gen uint64, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.generation != gen {
		return false
	}
	fn()
	return true
}
