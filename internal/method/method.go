// Package method defines the Method capability set (spec §3): the
// uniform contract every wallet operation implements, opaque to the core
// beyond this interface. Per the design notes, the old "postMessage
// mutated onto the method object" plumbing becomes an explicit *Context*
// value passed into Run.
package method

import (
	"context"

	"github.com/silverpine/hwbridge/internal/device"
	"github.com/silverpine/hwbridge/internal/message"
	"github.com/silverpine/hwbridge/internal/promise"
)

// Permission is one of the capability tags a method may require.
type Permission string

const (
	PermissionRead       Permission = "read"
	PermissionWrite      Permission = "write"
	PermissionManagement Permission = "management"
)

// Context carries the four entry points a running method body needs into
// the core, replacing direct mutation of the method object.
type Context struct {
	PostMessage    func(message.CoreMessage)
	PopupPromise   *promise.PopupPromise
	CreateUiPromise func(tag string) *promise.UiPromise
	FindUiPromise   func(tag string) *promise.UiPromise
	RemoveUiPromise func(p *promise.UiPromise)
}

// Method is the capability set every wallet operation implements.
type Method interface {
	// Name identifies the operation, e.g. "getFeatures", "rebootToBootloader".
	Name() string

	ResponseID() uint32
	DevicePath() (string, bool)
	DeviceInstance() uint32
	DeviceState() ([]byte, bool)
	Network() any

	RequiredPermissions() []Permission
	AllowDeviceMode() []device.Mode
	RequireDeviceMode() []device.Mode

	UseDevice() bool
	UseUI() bool
	UseEmptyPassphrase() bool
	UseDeviceState() bool
	KeepSession() bool
	SkipFinalReload() bool
	OverridePreviousCall() bool
	DebugLink() bool
	HasExpectedDeviceState() bool

	// Overridden reports whether the core has marked this call preempted.
	Overridden() bool
	// SetOverridden is called by the Call Dispatcher's preemption step.
	SetOverridden(bool)

	// CheckFirmwareRange returns a non-nil *device.FirmwareException when
	// the device's firmware falls outside this method's supported range.
	CheckFirmwareRange(usingPopup bool) *device.FirmwareException

	CheckPermissions() error
	RequestPermissions(ctx context.Context) (bool, error)

	// Confirmation is the optional "are you sure" hook. hasHook reports
	// whether the method defines one at all; when it does not, the
	// dispatcher skips the confirmation step entirely.
	Confirmation(ctx context.Context) (hasHook bool, granted bool, err error)
	NoBackupConfirmation(ctx context.Context) (hasHook bool, granted bool, err error)

	GetButtonRequestData(code string) (any, bool)
	GetCustomMessages() (any, bool)

	// Run executes the method body against an open device session. For
	// device-less methods (UseDevice() == false) session is nil.
	Run(ctx context.Context, mctx *Context, session *device.Session) (any, error)

	Dispose()
}

// Base provides no-op defaults for every optional hook so concrete
// methods only need to implement what they actually use, favoring small
// embeddable defaults over repeating boilerplate per implementation.
type Base struct {
	Name_                   string
	ResponseID_             uint32
	DevicePath_             string
	HasDevicePath_          bool
	DeviceInstance_         uint32
	RequiredPermissions_    []Permission
	AllowDeviceMode_        []device.Mode
	RequireDeviceMode_      []device.Mode
	UseDevice_              bool
	UseUI_                  bool
	UseEmptyPassphrase_     bool
	UseDeviceState_         bool
	KeepSession_            bool
	SkipFinalReload_        bool
	OverridePreviousCall_   bool
	DebugLink_              bool
	HasExpectedDeviceState_ bool
	DeviceState_            []byte
	Network_                any

	overridden bool
}

func (b *Base) Name() string                { return b.Name_ }
func (b *Base) ResponseID() uint32          { return b.ResponseID_ }
func (b *Base) DevicePath() (string, bool)  { return b.DevicePath_, b.HasDevicePath_ }

// SetDevicePath lets the Call Dispatcher's preamble attach a
// PreferredDevice hint to a call that did not name an explicit device.
func (b *Base) SetDevicePath(path string) {
	b.DevicePath_ = path
	b.HasDevicePath_ = true
}
func (b *Base) DeviceInstance() uint32      { return b.DeviceInstance_ }
func (b *Base) DeviceState() ([]byte, bool) { return b.DeviceState_, b.HasExpectedDeviceState_ }
func (b *Base) Network() any                { return b.Network_ }

func (b *Base) RequiredPermissions() []Permission { return b.RequiredPermissions_ }
func (b *Base) AllowDeviceMode() []device.Mode     { return b.AllowDeviceMode_ }
func (b *Base) RequireDeviceMode() []device.Mode   { return b.RequireDeviceMode_ }

func (b *Base) UseDevice() bool              { return b.UseDevice_ }
func (b *Base) UseUI() bool                  { return b.UseUI_ }
func (b *Base) UseEmptyPassphrase() bool     { return b.UseEmptyPassphrase_ }
func (b *Base) UseDeviceState() bool         { return b.UseDeviceState_ }
func (b *Base) KeepSession() bool            { return b.KeepSession_ }
func (b *Base) SkipFinalReload() bool        { return b.SkipFinalReload_ }
func (b *Base) OverridePreviousCall() bool   { return b.OverridePreviousCall_ }
func (b *Base) DebugLink() bool              { return b.DebugLink_ }
func (b *Base) HasExpectedDeviceState() bool { return b.HasExpectedDeviceState_ }

func (b *Base) Overridden() bool     { return b.overridden }
func (b *Base) SetOverridden(v bool) { b.overridden = v }

func (b *Base) CheckFirmwareRange(usingPopup bool) *device.FirmwareException { return nil }
func (b *Base) CheckPermissions() error                                     { return nil }
func (b *Base) RequestPermissions(ctx context.Context) (bool, error)        { return true, nil }
func (b *Base) Confirmation(ctx context.Context) (bool, bool, error)        { return false, false, nil }
func (b *Base) NoBackupConfirmation(ctx context.Context) (bool, bool, error) {
	return false, false, nil
}
func (b *Base) GetButtonRequestData(code string) (any, bool) { return nil, false }
func (b *Base) GetCustomMessages() (any, bool)                { return nil, false }
func (b *Base) Dispose()                                      {}
