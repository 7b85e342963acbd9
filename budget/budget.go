// Package budget implements the per-device LAN error budget: a tumbling
// window counter used to fast-fail LAN HTTP once a device has proven
// unreliable recently, so the arbiter can bypass it straight to MQTT.
package budget

import (
	"sync"
	"time"
)

const (
	DefaultMaxErrors = 1
	DefaultWindow    = 60 * time.Second
)

type entry struct {
	remaining   int
	windowStart time.Time
}

// Budget tracks one tumbling-window error counter per device UUID.
type Budget struct {
	maxErrors int
	window    time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Budget. maxErrors <= 0 defaults to 1; window <= 0 defaults
// to 60s, matching spec §4.2's construction defaults.
func New(maxErrors int, window time.Duration) *Budget {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Budget{
		maxErrors: maxErrors,
		window:    window,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// entryFor returns the device's entry, tumbling it if the window has
// elapsed. Caller must hold b.mu.
func (b *Budget) entryFor(uuid string) *entry {
	e, ok := b.entries[uuid]
	now := b.now()
	if !ok {
		e = &entry{remaining: b.maxErrors, windowStart: now}
		b.entries[uuid] = e
		return e
	}
	if now.After(e.windowStart.Add(b.window)) {
		e.remaining = b.maxErrors
		e.windowStart = now
	}
	return e
}

// NotifyError records a LAN failure for uuid, decrementing its remaining
// budget down to (never below) zero.
func (b *Budget) NotifyError(uuid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryFor(uuid)
	if e.remaining > 0 {
		e.remaining--
	}
}

// IsOutOfBudget is the binary "spend LAN?" oracle: true means the arbiter
// should skip LAN and go straight to MQTT.
func (b *Budget) IsOutOfBudget(uuid string) bool {
	return b.GetRemaining(uuid) < 1
}

// GetRemaining never goes below 0 or above maxErrors.
func (b *Budget) GetRemaining(uuid string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entryFor(uuid).remaining
}

// Reset restores a device's budget to max immediately, independent of the
// window timer.
func (b *Budget) Reset(uuid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[uuid] = &entry{remaining: b.maxErrors, windowStart: b.now()}
}

// SetClock overrides the time source for deterministic tests.
func (b *Budget) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
