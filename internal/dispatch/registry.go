package dispatch

import (
	"sync"

	"github.com/silverpine/hwbridge/internal/method"
)

// CallEntry is one in-flight call tracked by the CallRegistry.
type CallEntry struct {
	CallID     uint32
	DevicePath string // "" for device-less calls
	Method     method.Method
}

// CallRegistry is the ordered list of in-flight methods (spec §3). At
// most one non-overridden entry may exist per devicePath; an entry is
// removed exactly when its response message is emitted.
type CallRegistry struct {
	mu      sync.Mutex
	entries []*CallEntry
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{}
}

// Register adds entry to the registry.
func (r *CallRegistry) Register(entry *CallEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

// Remove drops the entry for callID, if present.
func (r *CallRegistry) Remove(callID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.CallID == callID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// SetDevicePath updates the registered entry for callID once Device
// Selection resolves an implicit device, so later lookups by path (override
// preemption, popup-closed/timeout interruption) see it under the same lock
// that guards reads.
func (r *CallRegistry) SetDevicePath(callID uint32, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.CallID == callID {
			e.DevicePath = path
			return
		}
	}
}

// FindByDevicePath returns every entry currently registered for path,
// other than the one with excludeCallID.
func (r *CallRegistry) FindByDevicePath(path string, excludeCallID uint32) []*CallEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*CallEntry
	for _, e := range r.entries {
		if e.DevicePath == path && e.CallID != excludeCallID {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns every currently registered entry (Core Controller's
// getCurrentMethod).
func (r *CallRegistry) Snapshot() []*CallEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*CallEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports how many entries are currently registered (invariant hook).
func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
