package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silverpine/hwbridge/internal/corerr"
	"github.com/silverpine/hwbridge/internal/device"
	"github.com/silverpine/hwbridge/internal/message"
	"github.com/silverpine/hwbridge/internal/method"
	"github.com/silverpine/hwbridge/internal/promise"
	"github.com/silverpine/hwbridge/internal/timeout"
)

// Settings is the subset of process settings the dispatcher consults.
type Settings struct {
	Popup              bool
	AllowManagement    bool
	TransportReconnect bool
}

// ListProvider lets the dispatcher ask the Core Controller for the
// current DeviceList and attempt a synchronous transport init, without
// importing the core package (avoids an import cycle).
type ListProvider interface {
	CurrentList() *device.List
	TryInitTransport(ctx context.Context) error
}

// InvalidPassphraseAction is the payload the UI answers
// UI.INVALID_PASSPHRASE_ACTION with.
type InvalidPassphraseAction struct {
	Action string `json:"action"` // "retry" or "accept"
	State  []byte `json:"state"`
}

// callEnvelope extracts just the method name off an IFRAME.CALL payload;
// the rest is re-parsed by the method's own factory.
type callEnvelope struct {
	Method string `json:"method"`
}

// Dispatcher implements the Call Dispatcher (spec C5).
type Dispatcher struct {
	Registry *CallRegistry
	Promises *promise.Registry
	Popup    *promise.PopupPromise
	Timeout  *timeout.Timer
	Publish  func(message.CoreMessage)
	Methods  *method.Registry
	Settings Settings
	Lists    ListProvider
	Logger   *slog.Logger

	penaltyMu sync.Mutex
	penalties map[string]time.Time
}

// NewDispatcher wires a Dispatcher from its dependencies.
func NewDispatcher(registry *CallRegistry, promises *promise.Registry, popup *promise.PopupPromise, tm *timeout.Timer, publish func(message.CoreMessage), methods *method.Registry, settings Settings, lists ListProvider, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Registry:  registry,
		Promises:  promises,
		Popup:     popup,
		Timeout:   tm,
		Publish:   publish,
		Methods:   methods,
		Settings:  settings,
		Lists:     lists,
		Logger:    logger,
		penalties: make(map[string]time.Time),
	}
}

// HandleCall implements §4.5 end to end for one IFRAME.CALL. trusted
// reflects the Message Gateway's origin-trust determination for this
// request.
func (d *Dispatcher) HandleCall(ctx context.Context, id uint32, payload json.RawMessage, trusted bool) {
	// traceID correlates this call's log lines internally; it is never
	// part of the wire protocol, which only ever sees the caller-supplied
	// uint32 id.
	traceID := uuid.NewString()
	logger := d.Logger.With("trace_id", traceID, "call_id", id)

	var env callEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("malformed call envelope", "error", err)
		d.Publish(message.Popup(message.TagPopupCancelPopupRequest))
		d.Publish(message.ResponseError(id, string(corerr.MethodInvalidParameter)))
		return
	}
	logger = logger.With("method", env.Method)

	m, err := d.Methods.Lookup(env.Method, payload)
	if err != nil {
		logger.Warn("method lookup failed", "error", err)
		d.Publish(message.Popup(message.TagPopupCancelPopupRequest))
		d.Publish(message.ResponseError(id, string(corerr.MethodInvalidParameter)))
		return
	}
	logger.Debug("call accepted")

	if path, hasPath := m.DevicePath(); !hasPath || path == "" {
		if list := d.Lists.CurrentList(); list != nil {
			if pref, ok := list.Preferred(); ok {
				if setter, ok := m.(interface{ SetDevicePath(string) }); ok {
					setter.SetDevicePath(pref)
				}
			}
		}
	}

	d.Timeout.Arm()

	devicePath, _ := m.DevicePath()
	entry := &CallEntry{CallID: id, DevicePath: devicePath, Method: m}
	d.Registry.Register(entry)
	defer d.Registry.Remove(id)

	if !m.UseDevice() {
		d.runDeviceless(ctx, id, m)
		return
	}

	if d.Lists.CurrentList() == nil && !d.Settings.TransportReconnect {
		_ = d.Lists.TryInitTransport(ctx)
	}

	if d.Settings.Popup && requiresManagement(m) && !d.Settings.AllowManagement {
		d.Publish(message.Popup(message.TagPopupCancelPopupRequest))
		d.emitFailure(id, corerr.MethodNotAllowed)
		return
	}

	dev, err := SelectDevice(ctx, SelectionDeps{
		List:     d.Lists.CurrentList(),
		Promises: d.Promises,
		Popup:    d.Popup,
		Publish:  d.Publish,
	}, m)
	if err != nil {
		if corerr.Is(err, corerr.TransportMissing) {
			if _, awaitErr := d.Popup.Open().Await(ctx); awaitErr == nil {
				d.Publish(message.UI(message.TagUITransport, nil))
			}
		} else {
			d.Publish(message.Popup(message.TagPopupCancelPopupRequest))
		}
		d.emitFailureErr(id, err)
		return
	}

	if m.DebugLink() {
		result, runErr := m.Run(ctx, d.methodContext(), nil)
		if runErr != nil {
			d.emitFailureErr(id, runErr)
			return
		}
		d.Publish(message.Response(id, true, result))
		return
	}

	// entry.DevicePath was captured from the call's own (possibly empty)
	// payload before SelectDevice resolved an implicit device; update the
	// registered entry now so override-preemption lookups and popup-
	// closed/timeout interruption can find it regardless of whether the
	// caller passed an explicit devicePath.
	d.Registry.SetDevicePath(id, dev.DevicePath())

	d.runDeviceBound(ctx, id, m, dev, trusted)
}

func requiresManagement(m method.Method) bool {
	for _, p := range m.RequiredPermissions() {
		if p == method.PermissionManagement {
			return true
		}
	}
	return false
}

func (d *Dispatcher) runDeviceless(ctx context.Context, id uint32, m method.Method) {
	if m.UseUI() {
		if _, err := d.Popup.Open().Await(ctx); err != nil {
			d.emitFailureErr(id, err)
			d.cleanupDeviceless(m)
			return
		}
	} else {
		d.Publish(message.Popup(message.TagPopupCancelPopupRequest))
	}

	result, err := m.Run(ctx, d.methodContext(), nil)
	d.cleanupDeviceless(m)
	if err != nil {
		d.emitFailureErr(id, err)
		return
	}
	d.Publish(message.Response(id, true, result))
}

func (d *Dispatcher) cleanupDeviceless(m method.Method) {
	d.Timeout.Stop()
	m.Dispose()
}

func (d *Dispatcher) methodContext() *method.Context {
	return &method.Context{
		PostMessage:     d.Publish,
		PopupPromise:    d.Popup,
		CreateUiPromise: d.Promises.Create,
		FindUiPromise:   d.Promises.FindFirst,
		RemoveUiPromise: d.Promises.Remove,
	}
}

func (d *Dispatcher) runDeviceBound(ctx context.Context, id uint32, m method.Method, dev *device.Handle, trusted bool) {
	weOverrode := false
	if m.OverridePreviousCall() {
		victims := d.Registry.FindByDevicePath(dev.DevicePath(), id)
		for _, v := range victims {
			v.Method.SetOverridden(true)
			dev.Override(corerr.New(corerr.MethodOverride, "overridden by a newer call"))
			weOverrode = true
		}
	}
	if m.Overridden() {
		d.emitFailure(id, corerr.MethodOverride)
		d.finishDeviceSession(dev, m, true)
		return
	}

	wait := weOverrode
	if !dev.IsLoaded() {
		if err := dev.WaitForFirstRun(ctx); err != nil {
			d.emitFailureErr(id, err)
			return
		}
		wait = true
	}

	bridgeDeps := EventBridgeDeps{
		Promises: d.Promises,
		Popup:    d.Popup,
		Publish:  d.Publish,
		Timeout:  d.Timeout,
	}

	opts := device.RunOptions{
		KeepSession:        m.KeepSession(),
		UseEmptyPassphrase: m.UseEmptyPassphrase(),
		SkipFinalReload:    m.SkipFinalReload(),
		Wait:               wait,
	}

	if list := d.Lists.CurrentList(); list != nil {
		_ = list.ReconfigureProtocol(ctx, dev.GetVersion())
	}

	// SetInstance/SetExternalState and the event bridge only run once Run
	// has actually admitted this call; a fast-failed ErrDeviceBusy call
	// must never touch the device state a concurrent holder is using.
	result, err := dev.Run(ctx, func(ctx context.Context, session *device.Session) (any, error) {
		dev.SetInstance(m.DeviceInstance())
		if state, has := m.DeviceState(); has {
			dev.SetExternalState(state)
		}

		sessionCtx, cancelSession := context.WithCancel(ctx)
		defer cancelSession()
		go RunEventBridge(sessionCtx, bridgeDeps, dev, m)

		return d.innerLoop(ctx, m, dev, session, trusted)
	}, opts)

	if err == device.ErrDeviceBusy {
		d.emitFailure(id, corerr.DeviceCallInProgress)
		return
	}

	// An override or an interruptionFromUser cancels the session's context
	// out from under the inner loop, which then returns a plain
	// context.Canceled; the device's own recorded reason is the one that
	// must surface in the response.
	if ov := dev.Overridden(); ov != nil {
		err = ov
	}

	d.finishDeviceSession(dev, m, false)
	d.handleDisconnectRecovery(ctx, dev.DevicePath(), err)

	if err != nil {
		d.emitFailureErr(id, err)
		return
	}
	if m.Name() == "rebootToBootloader" {
		d.refreshAfterReboot(ctx, dev)
	}
	if list := d.Lists.CurrentList(); list != nil {
		d.clearAuthPenalty(dev.DevicePath())
		_ = list.RestoreDefaultProtocol(ctx)
	}
	d.Publish(message.Response(id, true, result))
}

// innerLoop implements the recursive `inner` function of §4.5 as an
// explicit loop with a PIN retry counter capped at 3 tries (entered at
// most twice).
func (d *Dispatcher) innerLoop(ctx context.Context, m method.Method, dev *device.Handle, session *device.Session, trusted bool) (any, error) {
	pinTries := 1
	for {
		if fwErr := m.CheckFirmwareRange(d.Settings.Popup); fwErr != nil {
			if d.Settings.Popup {
				if _, err := d.Popup.Open().Await(ctx); err != nil {
					return nil, err
				}
				d.Publish(message.UI(message.EventTag("UI."+fwErr.Tag), nil))
				if err := d.waitForDisconnect(ctx, dev); err != nil {
					return nil, err
				}
				return nil, corerr.New(corerr.MethodCancel, "firmware range rejected")
			}
			return nil, corerr.New(corerr.DeviceFwException, fwErr.Error())
		}

		if modeErr := dev.HasUnexpectedMode(m.AllowDeviceMode(), m.RequireDeviceMode()); modeErr != nil {
			dev.SetKeepSession(false)
			if d.Settings.Popup {
				if _, err := d.Popup.Open().Await(ctx); err != nil {
					return nil, err
				}
				d.Publish(message.UI(message.TagUITransport, modeErr.Error()))
				if err := d.waitForDisconnect(ctx, dev); err != nil {
					return nil, err
				}
				return nil, corerr.New(corerr.MethodCancel, "mode exception rejected")
			}
			return nil, corerr.New(corerr.DeviceModeException, modeErr.Error())
		}

		if err := m.CheckPermissions(); err != nil {
			return nil, err
		}
		if !trusted && len(m.RequiredPermissions()) > 0 {
			granted, err := m.RequestPermissions(ctx)
			if err != nil {
				return nil, err
			}
			if !granted {
				return nil, corerr.New(corerr.MethodPermissionsDenied, "permissions denied")
			}
		}

		feats := dev.Features()
		if feats.NeedsBackup {
			if hasHook, granted, err := m.NoBackupConfirmation(ctx); hasHook {
				if err != nil {
					return nil, err
				}
				if !granted {
					return nil, corerr.New(corerr.MethodPermissionsDenied, "no-backup confirmation denied")
				}
			}
			if _, err := d.Popup.Open().Await(ctx); err != nil {
				return nil, err
			}
			d.Publish(message.UI(message.TagUIDeviceNeedsBackup, nil))
		}

		if dev.FirmwareStatus() == "outdated" {
			if _, err := d.Popup.Open().Await(ctx); err != nil {
				return nil, err
			}
			d.Publish(message.UI(message.TagUIFirmwareOutdated, nil))
		}

		if !trusted {
			if hasHook, granted, err := m.Confirmation(ctx); hasHook {
				if err != nil {
					return nil, err
				}
				if !granted {
					return nil, corerr.New(corerr.MethodCancel, "confirmation denied")
				}
			}
		}

		if list := d.Lists.CurrentList(); list != nil {
			_ = list.ReconfigureProtocol(ctx, dev.GetVersion())
		}

		if m.UseDeviceState() {
			restart, err := d.validateDeviceState(ctx, m, dev, session, &pinTries)
			if err != nil {
				return nil, err
			}
			if restart {
				continue
			}
		}

		if m.UseUI() {
			if _, err := d.Popup.Open().Await(ctx); err != nil {
				return nil, err
			}
		} else {
			d.Publish(message.Popup(message.TagPopupCancelPopupRequest))
		}

		if custom, has := m.GetCustomMessages(); has {
			if list := d.Lists.CurrentList(); list != nil {
				_ = list.ReconfigureCustomProtocol(ctx, custom, true)
			}
		}

		result, err := m.Run(ctx, d.methodContext(), session)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}

// validateDeviceState implements steps 8 and 9: state mismatch handling
// plus the PIN-retry loop for errors thrown during validation. It
// returns restart=true when the caller must loop innerLoop from the top.
func (d *Dispatcher) validateDeviceState(ctx context.Context, m method.Method, dev *device.Handle, session *device.Session, pinTries *int) (restart bool, err error) {
	state, verr := dev.ValidateState(ctx, m.Network(), session)
	if verr != nil {
		if corerr.IsInvalidPIN(verr) && *pinTries < 3 {
			*pinTries++
			d.Publish(message.UI(message.TagUIInvalidPin, nil))
			return true, nil
		}
		dev.SetInternalState(nil)
		return false, verr
	}

	if len(state) == 0 {
		return false, nil
	}

	if !d.Settings.Popup {
		return false, corerr.New(corerr.DeviceInvalidState, "device state mismatch")
	}

	actionPromise := d.Promises.CreateForDevice(string(message.TagUIInvalidPassphraseAction), dev.DevicePath())
	defer d.Promises.Remove(actionPromise)
	d.Publish(message.UI(message.TagUIInvalidPassphrase, nil))

	payload, awaitErr := actionPromise.Await(ctx)
	if awaitErr != nil {
		return false, awaitErr
	}
	action, _ := payload.(InvalidPassphraseAction)
	switch action.Action {
	case "retry":
		dev.SetInternalState(nil)
		if initErr := dev.Initialize(ctx, m.UseEmptyPassphrase()); initErr != nil {
			return false, initErr
		}
		return true, nil
	case "accept":
		dev.SetExternalState(action.State)
		return false, nil
	default:
		return false, corerr.New(corerr.DeviceInvalidState, "no action chosen")
	}
}

func (d *Dispatcher) waitForDisconnect(ctx context.Context, dev *device.Handle) error {
	p := d.Promises.CreateForDevice(string(message.TagDeviceDisconnect), dev.DevicePath())
	defer d.Promises.Remove(p)
	_, err := p.Await(ctx)
	return err
}

// finishDeviceSession implements Cleanup steps (b)-(e): device.cleanup(),
// cancel popup + close UI window, reset PopupPromise, clear the UiPromise
// registry, stop the Interaction Timeout, and dispose the method. abort
// is true on the early-abort-after-override path, where no device
// session work actually ran.
func (d *Dispatcher) finishDeviceSession(dev *device.Handle, m method.Method, abort bool) {
	dev.Cleanup()
	d.Publish(message.Popup(message.TagPopupCancelPopupRequest))
	d.Publish(message.UI(message.TagUICloseUIWindow, nil))
	d.Popup.Reset()
	d.Promises.RejectAll(corerr.New(corerr.MethodInterrupted, "session ended"))
	d.Timeout.Stop()
	m.Dispose()
}

func (d *Dispatcher) refreshAfterReboot(ctx context.Context, dev *device.Handle) {
	timer := time.NewTimer(501 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return
	}
	_, _ = dev.Run(ctx, func(ctx context.Context, session *device.Session) (any, error) {
		return nil, nil
	}, device.RunOptions{SkipFinalReload: true, Wait: true})
}

// handleDisconnectRecovery records a device-path penalty when a call
// ends because the device disconnected mid-session, so a subsequent
// call against the same path can be told about the prior failure
// (surfaced via HasAuthPenalty). A wrong-previous-session error is a
// device-layer renumbering signal rather than a disconnect and carries
// no penalty of its own; it instead re-enumerates the transport so the
// next call sees fresh session numbers.
func (d *Dispatcher) handleDisconnectRecovery(ctx context.Context, devicePath string, err error) {
	if err == nil {
		return
	}
	switch {
	case corerr.Is(err, corerr.DeviceDisconnected):
		d.penaltyMu.Lock()
		d.penalties[devicePath] = time.Now()
		d.penaltyMu.Unlock()
	case corerr.IsWrongPreviousSession(err):
		if list := d.Lists.CurrentList(); list != nil {
			_ = list.Reenumerate(ctx)
		}
	}
}

func (d *Dispatcher) clearAuthPenalty(devicePath string) {
	d.penaltyMu.Lock()
	delete(d.penalties, devicePath)
	d.penaltyMu.Unlock()
}

// HasAuthPenalty reports whether devicePath currently carries a
// disconnect-during-auth penalty (test/invariant hook).
func (d *Dispatcher) HasAuthPenalty(devicePath string) bool {
	d.penaltyMu.Lock()
	defer d.penaltyMu.Unlock()
	_, ok := d.penalties[devicePath]
	return ok
}

func (d *Dispatcher) emitFailure(id uint32, code corerr.Code) {
	d.Publish(message.ResponseError(id, string(code)))
}

func (d *Dispatcher) emitFailureErr(id uint32, err error) {
	code := corerr.CodeOf(err)
	if code == "" {
		code = corerr.MethodCancel
	}
	d.Publish(message.ResponseError(id, string(code)))
}
