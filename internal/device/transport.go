package device

import (
	"context"
	"fmt"
	"sync"
)

// Kind names one of the pluggable transport mechanisms.
type Kind string

const (
	KindUSB    Kind = "usb"
	KindWebUSB Kind = "webusb"
	KindBridge Kind = "bridge"
)

// ListEventKind mirrors the DeviceList events the Core Controller
// bridges: CONNECT, CONNECT_UNACQUIRED, DISCONNECT, CHANGED.
type ListEventKind string

const (
	ListConnect           ListEventKind = "CONNECT"
	ListConnectUnacquired ListEventKind = "CONNECT_UNACQUIRED"
	ListDisconnect        ListEventKind = "DISCONNECT"
	ListChanged           ListEventKind = "CHANGED"
	ListTransportError    ListEventKind = "TRANSPORT.ERROR"
	ListTransportStart    ListEventKind = "TRANSPORT.START"
)

// ListEvent is a single DeviceList notification.
type ListEvent struct {
	Kind   ListEventKind
	Device *Handle
	Err    error
}

// Transport is the external collaborator that enumerates devices and
// emits connect/disconnect/changed notifications. The core depends only
// on this interface.
type Transport interface {
	Kind() Kind
	Enumerate(ctx context.Context) ([]*Handle, error)
	Events() <-chan ListEvent
	Close() error
}

// MemoryTransport is a deterministic, in-process Transport fake used by
// tests and by the settings-driven transport factory whenever no bridge
// endpoint is configured. It is scripted by calling Plug/Unplug rather
// than talking to a real process.
type MemoryTransport struct {
	mu      sync.Mutex
	kind    Kind
	devices map[string]*Handle
	events  chan ListEvent
	closed  bool
}

// NewMemoryTransport creates an empty MemoryTransport of the given kind.
func NewMemoryTransport(kind Kind) *MemoryTransport {
	return &MemoryTransport{
		kind:    kind,
		devices: make(map[string]*Handle),
		events:  make(chan ListEvent, 16),
	}
}

func (m *MemoryTransport) Kind() Kind { return m.kind }

func (m *MemoryTransport) Enumerate(ctx context.Context) ([]*Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.devices))
	for _, h := range m.devices {
		out = append(out, h)
	}
	return out, nil
}

func (m *MemoryTransport) Events() <-chan ListEvent { return m.events }

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.events)
	return nil
}

// Plug adds (or replaces) a device and emits a CONNECT event.
func (m *MemoryTransport) Plug(h *Handle) {
	m.mu.Lock()
	m.devices[h.DevicePath()] = h
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		m.events <- ListEvent{Kind: ListConnect, Device: h}
	}
}

// Unplug removes a device and emits a DISCONNECT event.
func (m *MemoryTransport) Unplug(path string) {
	m.mu.Lock()
	h, ok := m.devices[path]
	if ok {
		delete(m.devices, path)
	}
	closed := m.closed
	m.mu.Unlock()
	if ok && !closed {
		m.events <- ListEvent{Kind: ListDisconnect, Device: h}
	}
}

// EmitTransportError scripts a TRANSPORT.ERROR notification, used to
// exercise the Core Controller's reconnect-forever path (scenario S6).
func (m *MemoryTransport) EmitTransportError(err error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		m.events <- ListEvent{Kind: ListTransportError, Err: err}
	}
}

// BridgeTransport is the shape a local bridge-daemon transport would take:
// a thin dialer over a JSON-RPC-style local endpoint. The reference
// implementation here only validates the dial target and otherwise
// behaves like an empty MemoryTransport, since the actual daemon protocol
// is an external collaborator outside this spec's scope; it exists so the
// settings-driven transport registry (A2) has a concrete second kind to
// select between besides the in-memory fake.
type BridgeTransport struct {
	*MemoryTransport
	endpoint string
}

// DialBridge constructs a BridgeTransport pointed at endpoint (e.g. a
// unix socket path or http(s) URL serviced by the bridge daemon).
func DialBridge(endpoint string) (*BridgeTransport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("bridge transport: empty endpoint")
	}
	return &BridgeTransport{MemoryTransport: NewMemoryTransport(KindBridge), endpoint: endpoint}, nil
}

// Endpoint returns the configured dial target.
func (b *BridgeTransport) Endpoint() string { return b.endpoint }
