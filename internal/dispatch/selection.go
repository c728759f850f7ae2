// Package dispatch implements the Call Dispatcher (spec C5), Device
// Selection (spec C4), and Device Event Bridge (spec C6): the heart of
// the orchestrator.
package dispatch

import (
	"context"

	"github.com/silverpine/hwbridge/internal/corerr"
	"github.com/silverpine/hwbridge/internal/device"
	"github.com/silverpine/hwbridge/internal/message"
	"github.com/silverpine/hwbridge/internal/method"
	"github.com/silverpine/hwbridge/internal/promise"
)

// SelectionDeps bundles what Device Selection needs from the Core
// Controller without importing it, avoiding an import cycle.
type SelectionDeps struct {
	List     *device.List // nil means "transport missing"
	Promises *promise.Registry
	Popup    *promise.PopupPromise
	Publish  func(message.CoreMessage)
}

// SelectDeviceChoice is the payload the UI answers UI.RECEIVE_DEVICE with.
type SelectDeviceChoice struct {
	Path     string `json:"path"`
	Remember bool   `json:"remember"`
}

// SelectDevice implements §4.4. It returns the resolved device, a
// structured *corerr.Error (Transport_Missing or Device_NotFound), or the
// error that ended the picker's wait on the popup or the user's choice.
func SelectDevice(ctx context.Context, deps SelectionDeps, m method.Method) (*device.Handle, error) {
	if deps.List == nil {
		return nil, corerr.New(corerr.TransportMissing, "no transport")
	}

	isWebUSB := deps.List.TransportKind() == device.KindWebUSB
	showPicker := isWebUSB

	var resolved *device.Handle
	explicitPath, hasExplicitPath := m.DevicePath()

	switch {
	case hasExplicitPath && explicitPath != "":
		if h, found := deps.List.Get(explicitPath); found {
			resolved = h
			if h.HasUnreadableError() {
				showPicker = true
			}
		}
	case !isWebUSB:
		if snapshot := deps.List.Snapshot(); len(snapshot) == 1 {
			resolved = snapshot[0]
			if snapshot[0].HasUnreadableError() {
				showPicker = true
			}
		} else {
			showPicker = true
		}
	default:
		showPicker = true
	}

	if resolved == nil && !showPicker {
		return nil, corerr.New(corerr.DeviceNotFound, "device not found: "+explicitPath)
	}

	if showPicker {
		h, err := runPicker(ctx, deps, isWebUSB)
		if err != nil {
			return nil, err
		}
		resolved = h
	}

	if resolved == nil {
		return nil, corerr.New(corerr.DeviceNotFound, "no device resolved")
	}
	return resolved, nil
}

// runPicker implements §4.4 step 6: register a UI.RECEIVE_DEVICE
// UiPromise, await the popup, and either resolve immediately against a
// now-singular device list, or emit UI.SELECT_DEVICE and wait, with a
// watcher goroutine keeping the choice live against concurrent list
// changes for as long as the promise is outstanding.
func runPicker(ctx context.Context, deps SelectionDeps, isWebUSB bool) (*device.Handle, error) {
	uiPromise := deps.Promises.CreateForDevice(string(message.TagUIReceiveDevice), "")
	defer deps.Promises.Remove(uiPromise)

	popupSlot := deps.Popup.Open()
	if _, err := popupSlot.Await(ctx); err != nil {
		return nil, err
	}

	if !isWebUSB {
		if snapshot := deps.List.Snapshot(); len(snapshot) == 1 {
			return snapshot[0], nil
		}
	}

	deps.Publish(message.UI(message.TagUISelectDevice, toDeviceList(deps.List.Snapshot())))

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := deps.List.Subscribe()
	go watchListForSingularDevice(watchCtx, deps, sub, isWebUSB, uiPromise)

	payload, err := uiPromise.Await(ctx)
	if err != nil {
		return nil, err
	}
	choice, _ := payload.(SelectDeviceChoice)
	if choice.Path == "" {
		return nil, corerr.New(corerr.DeviceNotFound, "no device chosen")
	}
	if choice.Remember {
		deps.List.SetPreferred(choice.Path)
	}
	h, ok := deps.List.Get(choice.Path)
	if !ok {
		return nil, corerr.New(corerr.DeviceNotFound, "chosen device not found: "+choice.Path)
	}
	return h, nil
}

func watchListForSingularDevice(ctx context.Context, deps SelectionDeps, sub <-chan device.ListEvent, isWebUSB bool, uiPromise *promise.UiPromise) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Kind {
			case device.ListChanged, device.ListConnect, device.ListDisconnect:
				snap := deps.List.Snapshot()
				if !isWebUSB && len(snap) == 1 {
					uiPromise.Resolve(SelectDeviceChoice{Path: snap[0].DevicePath()})
					return
				}
				deps.Publish(message.UI(message.TagUISelectDevice, toDeviceList(snap)))
			}
		case <-ctx.Done():
			return
		}
	}
}

func toDeviceList(devices []*device.Handle) []any {
	out := make([]any, 0, len(devices))
	for _, h := range devices {
		out = append(out, h.ToMessageObject())
	}
	return out
}
