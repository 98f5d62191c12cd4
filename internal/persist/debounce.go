// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package persist

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls into a single deferred flush.
// It knows nothing about what the flush does.
type Debouncer struct {
	delay time.Duration
	flush func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer that invokes flush once delay has elapsed
// without a further Trigger.
func NewDebouncer(delay time.Duration, flush func()) *Debouncer {
	return &Debouncer{delay: delay, flush: flush}
}

// Trigger arms (or re-arms) the flush timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()
	d.flush()
}

// Flush cancels any pending timer and runs the flush immediately if one was
// pending. Returns true when a flush ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	pending := d.timer != nil && d.timer.Stop()
	d.timer = nil
	d.mu.Unlock()
	if pending {
		d.flush()
	}
	return pending
}

// Stop cancels any pending flush and rejects future triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
