package device

import (
	"context"
	"sync"
)

// Handle is the reference Device implementation. It holds the session
// state a Device carries (instance, external/internal state, keepSession,
// running/loaded flags) and exposes scriptable hooks so tests can drive
// firmware/mode/state-validation scenarios without a real protocol stack.
type Handle struct {
	mu sync.Mutex

	path     string
	version  string
	fwStatus string // "" or "outdated"
	features Features

	instance      uint32
	externalState []byte
	internalState []byte
	keepSession   bool

	running         bool
	loaded          bool
	usedHere        bool
	unreadableError bool

	firstRun   chan struct{}
	overridden error
	cancelRun  context.CancelFunc

	// sessionTok is the device's internal session queue: a capacity-1
	// semaphore admitting exactly one Run at a time. Buffered with one
	// token at construction; Run claims it for the duration of body and
	// returns it when body finishes, whether Run waits for it (opts.Wait)
	// or fails fast with ErrDeviceBusy.
	sessionTok chan struct{}

	requests chan Request

	// ValidateStateFn scripts ValidateState's return for tests; nil means
	// "state always matches" (returns nil, nil).
	ValidateStateFn func(ctx context.Context, network any, session *Session) ([]byte, error)
	// HasUnexpectedModeFn scripts HasUnexpectedMode; nil means "always
	// compatible".
	HasUnexpectedModeFn func(allow, require []Mode) *ModeException
	// InitializeFn scripts Initialize; nil means "always succeeds".
	InitializeFn func(ctx context.Context, useEmptyPassphrase bool) error
}

// NewHandle creates a Handle for a newly enumerated device at path,
// starting in the "loaded, not running" state real firmware reports once
// it has completed its boot sequence.
func NewHandle(path, version string) *Handle {
	tok := make(chan struct{}, 1)
	tok <- struct{}{}
	return &Handle{
		path:       path,
		version:    version,
		loaded:     true,
		firstRun:   make(chan struct{}),
		sessionTok: tok,
		requests:   make(chan Request, 1),
	}
}

func (h *Handle) DevicePath() string { return h.path }

func (h *Handle) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

func (h *Handle) IsLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

func (h *Handle) IsUsedHere() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usedHere
}

func (h *Handle) Features() Features {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.features
}

// SetFeatures lets the enumerator/tests populate the device's reported
// feature set.
func (h *Handle) SetFeatures(f Features) {
	h.mu.Lock()
	h.features = f
	h.mu.Unlock()
}

func (h *Handle) FirmwareStatus() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fwStatus
}

// SetFirmwareStatus lets the enumerator/tests mark a device outdated.
func (h *Handle) SetFirmwareStatus(status string) {
	h.mu.Lock()
	h.fwStatus = status
	h.mu.Unlock()
}

func (h *Handle) KeepSession() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keepSession
}

func (h *Handle) SetKeepSession(v bool) {
	h.mu.Lock()
	h.keepSession = v
	h.mu.Unlock()
}

func (h *Handle) WaitForFirstRun(ctx context.Context) error {
	select {
	case <-h.firstRun:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkFirstRunComplete unblocks any WaitForFirstRun caller. Firmware
// (simulated here) calls this once its boot handshake finishes.
func (h *Handle) MarkFirstRunComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.firstRun:
	default:
		close(h.firstRun)
	}
	h.loaded = true
}

func (h *Handle) SetInstance(instance uint32) {
	h.mu.Lock()
	h.instance = instance
	h.mu.Unlock()
}

func (h *Handle) SetExternalState(state []byte) {
	h.mu.Lock()
	h.externalState = state
	h.mu.Unlock()
}

func (h *Handle) SetInternalState(state []byte) {
	h.mu.Lock()
	h.internalState = state
	h.mu.Unlock()
}

func (h *Handle) ValidateState(ctx context.Context, network any, session *Session) ([]byte, error) {
	h.mu.Lock()
	fn := h.ValidateStateFn
	h.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, network, session)
}

func (h *Handle) HasUnexpectedMode(allow, require []Mode) *ModeException {
	h.mu.Lock()
	fn := h.HasUnexpectedModeFn
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(allow, require)
}

func (h *Handle) Initialize(ctx context.Context, useEmptyPassphrase bool) error {
	h.mu.Lock()
	fn := h.InitializeFn
	h.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, useEmptyPassphrase)
}

func (h *Handle) GetVersion() string { return h.version }

// HasUnreadableError reports whether enumeration flagged this device as
// present but unreadable (e.g. a permissions problem on the transport),
// the signal Device Selection uses to force the picker rather than
// silently resolving to it.
func (h *Handle) HasUnreadableError() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unreadableError
}

// SetUnreadableError lets the enumerator/tests mark a device unreadable.
func (h *Handle) SetUnreadableError(v bool) {
	h.mu.Lock()
	h.unreadableError = v
	h.mu.Unlock()
}

// Override records err as the reason this device's current Run should
// abort and, if a session is in flight, cancels its context so every
// suspension point (RequestPin/Word/Passphrase/Button) unblocks at its
// next select rather than waiting for the user.
func (h *Handle) Override(err error) {
	h.mu.Lock()
	h.overridden = err
	cancel := h.cancelRun
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (h *Handle) Overridden() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.overridden
}

// Run is the device's internal session queue: it admits exactly one
// caller at a time. With opts.Wait it blocks for the slot (or until ctx
// is done); otherwise it fails fast with ErrDeviceBusy if another call
// already holds it. The admission check and the running=true transition
// happen as a single atomic claim of sessionTok, so two callers racing
// for the same device can never both observe it free.
func (h *Handle) Run(ctx context.Context, body Body, opts RunOptions) (any, error) {
	if opts.Wait {
		select {
		case <-h.sessionTok:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case <-h.sessionTok:
		default:
			return nil, ErrDeviceBusy
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.running = true
	h.usedHere = true
	h.keepSession = opts.KeepSession
	h.cancelRun = cancel
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		h.cancelRun = nil
		h.mu.Unlock()
		cancel()
		h.sessionTok <- struct{}{}
	}()

	return body(runCtx, newSession(h))
}

func (h *Handle) Cleanup() {
	h.mu.Lock()
	h.usedHere = false
	h.overridden = nil
	h.mu.Unlock()
}

func (h *Handle) InterruptionFromUser(err error) {
	h.Override(err)
}

func (h *Handle) ToMessageObject() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return map[string]any{
		"path":    h.path,
		"version": h.version,
		"state":   h.internalState != nil,
	}
}

func (h *Handle) Requests() <-chan Request {
	return h.requests
}
