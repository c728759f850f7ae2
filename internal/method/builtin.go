package method

import (
	"context"
	"encoding/json"

	"github.com/silverpine/hwbridge/internal/device"
)

// callParams is the common subset of request fields every built-in method
// reads off the raw IFRAME.CALL payload.
type callParams struct {
	ResponseID            uint32   `json:"responseID"`
	DevicePath            string   `json:"devicePath"`
	DeviceInstance        uint32   `json:"deviceInstance"`
	UseDevice             bool     `json:"useDevice"`
	UseUI                 bool     `json:"useUi"`
	UseEmptyPassphrase    bool     `json:"useEmptyPassphrase"`
	UseDeviceState        bool     `json:"useDeviceState"`
	KeepSession           bool     `json:"keepSession"`
	SkipFinalReload       bool     `json:"skipFinalReload"`
	OverridePreviousCall  bool     `json:"overridePreviousCall"`
	DebugLink             bool     `json:"debugLink"`
	RequiredPermissions   []string `json:"requiredPermissions"`
}

func baseFromParams(name string, p callParams) Base {
	perms := make([]Permission, 0, len(p.RequiredPermissions))
	for _, tag := range p.RequiredPermissions {
		perms = append(perms, Permission(tag))
	}
	return Base{
		Name_:                 name,
		ResponseID_:           p.ResponseID,
		DevicePath_:           p.DevicePath,
		HasDevicePath_:        p.DevicePath != "",
		DeviceInstance_:       p.DeviceInstance,
		RequiredPermissions_:  perms,
		UseDevice_:            p.UseDevice,
		UseUI_:                p.UseUI,
		UseEmptyPassphrase_:   p.UseEmptyPassphrase,
		UseDeviceState_:       p.UseDeviceState,
		KeepSession_:          p.KeepSession,
		SkipFinalReload_:      p.SkipFinalReload,
		OverridePreviousCall_: p.OverridePreviousCall,
		DebugLink_:            p.DebugLink,
	}
}

// GetFeatures is the device-less or device-bound "get device info" call,
// used by scenario S1 (device-less).
type GetFeatures struct {
	Base
}

// NewGetFeatures builds a GetFeatures method from a raw IFRAME.CALL payload.
func NewGetFeatures(raw json.RawMessage) (Method, error) {
	var p callParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return &GetFeatures{Base: baseFromParams("getFeatures", p)}, nil
}

func (m *GetFeatures) Run(ctx context.Context, mctx *Context, session *device.Session) (any, error) {
	if session == nil {
		return map[string]any{"vendor": "core"}, nil
	}
	return map[string]any{"vendor": "core", "path": "bound"}, nil
}

// GetAddress is a device-bound method requiring a button confirmation,
// used to exercise the Device Event Bridge's button path.
type GetAddress struct {
	Base
}

// NewGetAddress builds a GetAddress method from a raw IFRAME.CALL payload.
func NewGetAddress(raw json.RawMessage) (Method, error) {
	var p callParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	p.UseDevice = true
	return &GetAddress{Base: baseFromParams("getAddress", p)}, nil
}

func (m *GetAddress) Run(ctx context.Context, mctx *Context, session *device.Session) (any, error) {
	if err := session.RequestButton(ctx, device.ButtonRequestAddress, m.UseUI()); err != nil {
		return nil, err
	}
	return map[string]any{"address": "addr1rsimulatedxxx"}, nil
}

// SignTransaction is a device-bound method that requires a PIN, used to
// exercise the PIN-retry loop (scenario S3).
type SignTransaction struct {
	Base
}

// NewSignTransaction builds a SignTransaction method from a raw
// IFRAME.CALL payload.
func NewSignTransaction(raw json.RawMessage) (Method, error) {
	var p callParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	p.UseDevice = true
	p.UseDeviceState = true
	return &SignTransaction{Base: baseFromParams("signTransaction", p)}, nil
}

func (m *SignTransaction) Run(ctx context.Context, mctx *Context, session *device.Session) (any, error) {
	pin, err := session.RequestPin(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"signature": "sig-for-pin-" + pin}, nil
}

// RebootToBootloader exercises the Cleanup block's special-case refresh.
type RebootToBootloader struct {
	Base
}

// NewRebootToBootloader builds a RebootToBootloader method.
func NewRebootToBootloader(raw json.RawMessage) (Method, error) {
	var p callParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	p.UseDevice = true
	return &RebootToBootloader{Base: baseFromParams("rebootToBootloader", p)}, nil
}

func (m *RebootToBootloader) Run(ctx context.Context, mctx *Context, session *device.Session) (any, error) {
	return map[string]any{"rebooting": true}, nil
}

// NewDefaultRegistry returns a Registry pre-populated with the built-in
// methods exercised by this package's tests and the scenario tests in
// internal/core.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("getFeatures", NewGetFeatures)
	r.Register("getAddress", NewGetAddress)
	r.Register("signTransaction", NewSignTransaction)
	r.Register("rebootToBootloader", NewRebootToBootloader)
	return r
}
