// Package promise implements the Deferred/UiPromise registry (spec C1) and
// the single-slot PopupPromise. Both guard their shared collections the
// same way: a mutex-protected slice plus channel-based completion, never
// busy-waiting.
package promise

import (
	"context"
	"sync"

	"github.com/silverpine/hwbridge/internal/message"
)

// Deferred is a single-shot completion cell. Resolve/Reject after the
// first call are no-ops.
type Deferred struct {
	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	payload  any
	err      error
}

// NewDeferred creates an unresolved Deferred.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve completes the Deferred successfully. A second call is a no-op.
func (d *Deferred) Resolve(payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.payload = payload
	d.closed = true
	close(d.done)
}

// Reject completes the Deferred with an error. A second call is a no-op.
func (d *Deferred) Reject(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.err = err
	d.closed = true
	close(d.done)
}

// Await blocks until the Deferred completes or ctx is done, returning the
// resolved payload or the completion error.
func (d *Deferred) Await(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.payload, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsDone reports whether the Deferred has already completed.
func (d *Deferred) IsDone() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// UiPromise is a Deferred bound to an event tag and, optionally, a device
// path. Only a disconnect of the bound device (or explicit resolve/reject)
// ends its lifetime.
type UiPromise struct {
	*Deferred
	Tag        string
	DevicePath string // empty means unbound to any device
	hasDevice  bool
}

func newUiPromise(tag string, devicePath string, bound bool) *UiPromise {
	return &UiPromise{Deferred: NewDeferred(), Tag: tag, DevicePath: devicePath, hasDevice: bound}
}

// BoundTo reports whether this promise is bound to the given device path.
func (p *UiPromise) BoundTo(path string) bool {
	return p.hasDevice && p.DevicePath == path
}

// Registry is the process-scoped ordered collection of outstanding
// UiPromises. Lookup is by tag alone, FIFO among ties, exactly as the
// spec's findUiPromise behaves (including its documented quirk of
// ignoring any call-id argument — see SPEC_FULL.md §9 open question (a)).
type Registry struct {
	mu    sync.Mutex
	items []*UiPromise
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Create registers and returns a new unbound UiPromise for tag.
func (r *Registry) Create(tag string) *UiPromise {
	return r.create(tag, "", false)
}

// CreateForDevice registers and returns a new UiPromise bound to
// devicePath, so a disconnect of that device can resolve it.
func (r *Registry) CreateForDevice(tag, devicePath string) *UiPromise {
	return r.create(tag, devicePath, true)
}

func (r *Registry) create(tag, devicePath string, bound bool) *UiPromise {
	p := newUiPromise(tag, devicePath, bound)
	r.mu.Lock()
	r.items = append(r.items, p)
	r.mu.Unlock()
	return p
}

// FindFirst returns the first registered, not-yet-done promise matching
// tag, or nil. Matching is by tag only, never by device or call id.
func (r *Registry) FindFirst(tag string) *UiPromise {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.items {
		if p.Tag == tag && !p.IsDone() {
			return p
		}
	}
	return nil
}

// Remove drops p from the registry. Safe to call after resolve/reject;
// also used to discard a synthetically-resolved promise.
func (r *Registry) Remove(p *UiPromise) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, item := range r.items {
		if item == p {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return
		}
	}
}

// ResolveDisconnected resolves (or drops) every promise bound to
// devicePath with a synthetic disconnect payload, removing each from the
// registry. Returns the tags that were resolved, useful for logging.
func (r *Registry) ResolveDisconnected(devicePath string, payload any) []string {
	r.mu.Lock()
	var matched []*UiPromise
	remaining := r.items[:0:0]
	for _, p := range r.items {
		if p.BoundTo(devicePath) {
			matched = append(matched, p)
			continue
		}
		remaining = append(remaining, p)
	}
	r.items = remaining
	r.mu.Unlock()

	tags := make([]string, 0, len(matched))
	for _, p := range matched {
		p.Resolve(payload)
		tags = append(tags, p.Tag)
	}
	return tags
}

// RejectAll rejects every currently registered promise with err and clears
// the registry. Used when a call terminates (popup closed, timeout,
// cleanup), leaving the registry empty afterward.
func (r *Registry) RejectAll(err error) {
	r.mu.Lock()
	items := r.items
	r.items = nil
	r.mu.Unlock()

	for _, p := range items {
		p.Reject(err)
	}
}

// Len reports the number of currently registered promises (test/invariant
// hook).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// PopupPromise is the single-slot "popup is alive" resolver. Opening it
// when already open returns the existing slot, per spec.
type PopupPromise struct {
	mu      sync.Mutex
	current *Deferred
	publish func(message.CoreMessage)
}

// NewPopupPromise creates an empty (closed) slot.
func NewPopupPromise() *PopupPromise {
	return &PopupPromise{}
}

// SetPublish wires the Message Gateway's publish func so Open can emit
// UI.REQUEST_UI_WINDOW. Left nil (as in tests that don't care), Open just
// skips the publish.
func (p *PopupPromise) SetPublish(publish func(message.CoreMessage)) {
	p.mu.Lock()
	p.publish = publish
	p.mu.Unlock()
}

// Open returns the current pending slot, creating one if none exists. A
// fresh slot means the popup window isn't already up, so this is exactly
// the moment UI.REQUEST_UI_WINDOW belongs; re-opening an already-pending
// slot is a no-op publish-wise.
func (p *PopupPromise) Open() *Deferred {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.IsDone() {
		p.current = NewDeferred()
		if p.publish != nil {
			p.publish(message.UI(message.TagUIRequestUIWindow, nil))
		}
	}
	return p.current
}

// Resolve completes the current slot, if any is open and pending.
func (p *PopupPromise) Resolve() {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur != nil {
		cur.Resolve(nil)
	}
}

// RejectAndReset rejects the current slot (if pending) and clears it so
// the next Open starts fresh.
func (p *PopupPromise) RejectAndReset(err error) {
	p.mu.Lock()
	cur := p.current
	p.current = nil
	p.mu.Unlock()
	if cur != nil {
		cur.Reject(err)
	}
}

// Reset clears the slot without rejecting (used in normal Cleanup once the
// popup has already been resolved and the call is done with it).
func (p *PopupPromise) Reset() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}

// IsOpen reports whether a slot is currently pending.
func (p *PopupPromise) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil && !p.current.IsDone()
}
