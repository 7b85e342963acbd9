// Package registry implements the device registry (C6): a dual-index map
// of base devices and subdevices, addressable by native UUID (base devices
// only) or by a unified internal id (every device). Grounded on the
// teacher's station/device_manager.go keyed store, generalized from a
// single string-keyed map into the two-index shape base/sub devices need.
package registry

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// OnlineStatus mirrors the device-list API's onlineStatus field.
type OnlineStatus int

const (
	StatusUnknown    OnlineStatus = -1
	StatusConnecting OnlineStatus = 0
	StatusOnline     OnlineStatus = 1
	StatusOffline    OnlineStatus = 2
	StatusUpgrading  OnlineStatus = 3
)

// Entry is anything the registry can index and filter: a base device or a
// subdevice. Capability detection is delegated to the entry itself so that
// Find never has to special-case device types by name.
type Entry interface {
	UUID() string       // native device uuid; "" for a subdevice
	InternalID() string // "#BASE:<uuid>" or "#SUB:<hub>:<sub>"
	Type() string
	Name() string
	OnlineStatus() OnlineStatus
	HasCapability(tag string) bool
}

// Disconnector is implemented by entries that hold a live transport;
// Clear invokes it so session teardown also tears down per-device state.
type Disconnector interface {
	Disconnect()
}

// BaseInternalID and SubInternalID build the unified internal id scheme
// described in the data model: disjoint prefixes so one registry can hold
// both device shapes without collision.
func BaseInternalID(uuid string) string { return "#BASE:" + uuid }

func SubInternalID(hubUUID, subID string) string {
	return fmt.Sprintf("#SUB:%s:%s", hubUUID, subID)
}

// Registry is the C6 dual index. Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex

	byUUID map[string]Entry // base devices only
	byID   map[string]Entry // every entry, keyed by internal id
}

func New() *Registry {
	return &Registry{
		byUUID: make(map[string]Entry),
		byID:   make(map[string]Entry),
	}
}

// Register is idempotent on internal id: registering the same internal id
// again replaces the stored entry in place.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[e.InternalID()] = e
	if uuid := e.UUID(); uuid != "" {
		r.byUUID[uuid] = e
	}
}

// Remove drops internalID from both indices and returns the removed entry,
// or nil if it was not present. It does not disconnect the entry — that
// happens only on Clear (session teardown).
func (r *Registry) Remove(internalID string) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[internalID]
	if !ok {
		return nil
	}
	delete(r.byID, internalID)
	if uuid := e.UUID(); uuid != "" {
		delete(r.byUUID, uuid)
	}
	return e
}

// Get looks up a base device by its native uuid.
func (r *Registry) Get(uuid string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUUID[uuid]
	return e, ok
}

// GetByInternalID looks up any entry (base or sub) by internal id.
func (r *Registry) GetByInternalID(internalID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[internalID]
	return e, ok
}

// Len reports the total number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns every registered entry in no particular order.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Values(r.byID)
}

// Clear removes every entry, disconnecting any that implement Disconnector.
// Used on session teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	all := maps.Values(r.byID)
	maps.Clear(r.byID)
	maps.Clear(r.byUUID)
	r.mu.Unlock()

	for _, e := range all {
		if d, ok := e.(Disconnector); ok {
			d.Disconnect()
		}
	}
}

// Filters describes a conjunctive (AND) query over the registry. A zero
// value of a field means "don't filter on this dimension".
type Filters struct {
	UUIDs       []string // entry's UUID() must be in this set, when non-empty
	InternalIDs []string // entry's InternalID() must be in this set, when non-empty
	Type        string
	Name        string
	Online      *OnlineStatus
	Capability  string             // resolved via Entry.HasCapability, never a type-string match
	Predicate   func(Entry) bool
}

// Find returns every entry matching every non-zero dimension of f.
func (r *Registry) Find(f Filters) []Entry {
	r.mu.RLock()
	candidates := maps.Values(r.byID)
	r.mu.RUnlock()

	out := make([]Entry, 0, len(candidates))
	for _, e := range candidates {
		if len(f.UUIDs) > 0 && !slices.Contains(f.UUIDs, e.UUID()) {
			continue
		}
		if len(f.InternalIDs) > 0 && !slices.Contains(f.InternalIDs, e.InternalID()) {
			continue
		}
		if f.Type != "" && e.Type() != f.Type {
			continue
		}
		if f.Name != "" && e.Name() != f.Name {
			continue
		}
		if f.Online != nil && e.OnlineStatus() != *f.Online {
			continue
		}
		if f.Capability != "" && !e.HasCapability(f.Capability) {
			continue
		}
		if f.Predicate != nil && !f.Predicate(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}
