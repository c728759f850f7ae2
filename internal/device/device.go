// Package device defines the Device capability set (spec §3) and the
// Session through which a running Method body drives user interaction
// requests, which the Device Event Bridge (internal/dispatch) turns into
// UI round-trips.
package device

import (
	"context"
	"errors"
)

// Mode is one of the device operating modes the firmware can report.
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeBootloader Mode = "bootloader"
	ModeInitialize Mode = "initialize"
	ModeSeedless   Mode = "seedless"
)

// ButtonRequestAddress is the one button-request code that takes the
// "emit without waiting for popup" fast path.
const ButtonRequestAddress = "ButtonRequest_Address"

// Features mirrors the subset of device.features the core inspects.
type Features struct {
	NeedsBackup bool
	Mode        Mode
}

// ModeException is returned by HasUnexpectedMode when the device's
// current mode is incompatible with what the method allows/requires.
type ModeException struct {
	Mode Mode
}

func (e *ModeException) Error() string { return "unexpected device mode: " + string(e.Mode) }

// FirmwareException is returned by CheckFirmwareRange (on the Method,
// not here) but the tag identifying which UI.<exception> to emit lives
// alongside the device's own firmware status.
type FirmwareException struct {
	Tag string
}

func (e *FirmwareException) Error() string { return "firmware exception: " + e.Tag }

// RunOptions mirrors the options threaded into device.run.
type RunOptions struct {
	KeepSession        bool
	UseEmptyPassphrase bool
	SkipFinalReload    bool

	// Wait makes Run block for the device's session slot instead of
	// failing fast with ErrDeviceBusy when another call already holds it.
	Wait bool
}

// ErrDeviceBusy is returned by Run when the device's session slot is
// already held and opts.Wait is false.
var ErrDeviceBusy = errors.New("device call in progress")

// Body is a Method's device-bound work, executed with exclusive access to
// the device for the duration of the call. It receives a *Session through
// which it issues user-interaction requests.
type Body func(ctx context.Context, session *Session) (any, error)

// EventKind enumerates the device-originated interaction classes the
// Device Event Bridge handles.
type EventKind string

const (
	EventButton             EventKind = "BUTTON"
	EventPin                EventKind = "PIN"
	EventWord               EventKind = "WORD"
	EventPassphrase         EventKind = "PASSPHRASE"
	EventPassphraseOnDevice EventKind = "PASSPHRASE_ON_DEVICE"
	EventDisconnect         EventKind = "DISCONNECT"
)

// ErrDisconnected is delivered to any pending Session request when the
// bound device disconnects mid-interaction.
var ErrDisconnected = errors.New("device disconnected")

// Request is a single device-originated interaction, delivered on the
// Handle's request channel for the Device Event Bridge to consume.
// Answer must be invoked exactly once to unblock the body's call.
type Request struct {
	Kind       EventKind
	ButtonCode string // set when Kind == EventButton
	UseUI      bool   // method's useUi flag, informs the bridge's wait-for-popup choice
	Answer     func(payload any, err error)
}

// PassphraseAnswer is the payload a Session.RequestPassphrase call
// receives once the bridge resolves it.
type PassphraseAnswer struct {
	Passphrase       string
	PassphraseOnDevice bool
	Cache            bool
}

// Device is the capability set the Call Dispatcher and Device Event
// Bridge operate against. A concrete *Handle implements it; tests use the
// same Handle with scripted hooks rather than a second fake.
type Device interface {
	DevicePath() string
	IsRunning() bool
	IsLoaded() bool
	IsUsedHere() bool
	Features() Features
	FirmwareStatus() string
	KeepSession() bool
	SetKeepSession(bool)
	WaitForFirstRun(ctx context.Context) error
	SetInstance(instance uint32)
	SetExternalState(state []byte)
	SetInternalState(state []byte)
	// ValidateState checks the device's internal state against network.
	// session is provided so the validation step can itself drive a PIN
	// round-trip through the Device Event Bridge before reporting
	// success, a mismatch (non-empty state), or an IsInvalidPIN error.
	ValidateState(ctx context.Context, network any, session *Session) ([]byte, error)
	HasUnexpectedMode(allow, require []Mode) *ModeException
	Initialize(ctx context.Context, useEmptyPassphrase bool) error
	GetVersion() string
	HasUnreadableError() bool
	Override(err error)
	Overridden() error
	Run(ctx context.Context, body Body, opts RunOptions) (any, error)
	Cleanup()
	InterruptionFromUser(err error)
	ToMessageObject() any
	Requests() <-chan Request
}
