package device

import (
	"context"
	"sync"
)

// List is the DeviceList: it owns a Transport, maintains a live cache of
// known devices, forwards transport events to subscribers, and holds the
// PreferredDevice sticky hint. This corresponds to the external DeviceList
// collaborator, given a concrete shape for this implementation.
type List struct {
	mu        sync.RWMutex
	transport Transport
	devices   map[string]*Handle
	preferred string
	hasPref   bool

	subsMu sync.Mutex
	subs   []chan ListEvent

	done chan struct{}
}

// NewList creates a List backed by transport and starts forwarding its
// events. Call Close to stop forwarding and release the transport.
func NewList(transport Transport) *List {
	l := &List{
		transport: transport,
		devices:   make(map[string]*Handle),
		done:      make(chan struct{}),
	}
	if initial, err := transport.Enumerate(context.Background()); err == nil {
		for _, h := range initial {
			l.devices[h.DevicePath()] = h
		}
	}
	go l.forward()
	return l
}

func (l *List) forward() {
	for {
		select {
		case ev, ok := <-l.transport.Events():
			if !ok {
				return
			}
			l.applyEvent(ev)
			l.broadcast(ev)
		case <-l.done:
			return
		}
	}
}

func (l *List) applyEvent(ev ListEvent) {
	switch ev.Kind {
	case ListConnect, ListConnectUnacquired, ListChanged:
		if ev.Device != nil {
			l.mu.Lock()
			l.devices[ev.Device.DevicePath()] = ev.Device
			l.mu.Unlock()
		}
	case ListDisconnect:
		if ev.Device != nil {
			path := ev.Device.DevicePath()
			l.mu.Lock()
			delete(l.devices, path)
			if l.hasPref && l.preferred == path {
				l.hasPref = false
				l.preferred = ""
			}
			l.mu.Unlock()
		}
	}
}

func (l *List) broadcast(ev ListEvent) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a channel that receives every DeviceList event from
// this point on. The channel is buffered (16 events); a slow subscriber
// drops events rather than blocking the forwarder.
func (l *List) Subscribe() <-chan ListEvent {
	ch := make(chan ListEvent, 16)
	l.subsMu.Lock()
	l.subs = append(l.subs, ch)
	l.subsMu.Unlock()
	return ch
}

// TransportKind reports which transport backs this list.
func (l *List) TransportKind() Kind { return l.transport.Kind() }

// Snapshot returns the currently known devices.
func (l *List) Snapshot() []*Handle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Handle, 0, len(l.devices))
	for _, h := range l.devices {
		out = append(out, h)
	}
	return out
}

// Get returns the device at path, if known.
func (l *List) Get(path string) (*Handle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.devices[path]
	return h, ok
}

// SetPreferred stores the sticky preferred-device hint.
func (l *List) SetPreferred(path string) {
	l.mu.Lock()
	l.preferred = path
	l.hasPref = true
	l.mu.Unlock()
}

// ClearPreferred drops the sticky hint.
func (l *List) ClearPreferred() {
	l.mu.Lock()
	l.hasPref = false
	l.preferred = ""
	l.mu.Unlock()
}

// Preferred returns the sticky hint, if any.
func (l *List) Preferred() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.preferred, l.hasPref
}

// Reenumerate re-queries the transport for its current device set,
// refreshing the cache the way NewList does at construction. Used after a
// WRONG_PREVIOUS_SESSION_ERROR_MESSAGE, where the device layer has
// renumbered sessions out from under the cached list.
func (l *List) Reenumerate(ctx context.Context) error {
	devices, err := l.transport.Enumerate(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.devices = make(map[string]*Handle, len(devices))
	for _, h := range devices {
		l.devices[h.DevicePath()] = h
	}
	l.mu.Unlock()
	return nil
}

// ReconfigureProtocol asks the DeviceList to load protocol definitions
// compatible with version before a session opens, or again once a session
// restarts after unexpected-state recovery. The protocol-buffer codec and
// its firmware compatibility table are an external collaborator out of
// scope here.
func (l *List) ReconfigureProtocol(ctx context.Context, version string) error {
	return nil
}

// ReconfigureCustomProtocol asks the DeviceList to adopt a method's custom
// protocol messages, forcing the reload even if the currently loaded
// definitions already look compatible.
func (l *List) ReconfigureCustomProtocol(ctx context.Context, customMessages any, force bool) error {
	return nil
}

// RestoreDefaultProtocol asks the DeviceList to drop any custom protocol
// messages it adopted and reload its default compatibility table.
func (l *List) RestoreDefaultProtocol(ctx context.Context) error {
	return nil
}

// Close stops event forwarding and releases the underlying transport.
func (l *List) Close() error {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return l.transport.Close()
}
