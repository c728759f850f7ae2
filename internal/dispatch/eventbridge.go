package dispatch

import (
	"context"

	"golang.org/x/text/unicode/norm"

	"github.com/silverpine/hwbridge/internal/device"
	"github.com/silverpine/hwbridge/internal/message"
	"github.com/silverpine/hwbridge/internal/method"
	"github.com/silverpine/hwbridge/internal/promise"
	"github.com/silverpine/hwbridge/internal/timeout"
)

// EventBridgeDeps bundles what the Device Event Bridge needs from the
// Core Controller.
type EventBridgeDeps struct {
	Promises *promise.Registry
	Popup    *promise.PopupPromise
	Publish  func(message.CoreMessage)
	Timeout  *timeout.Timer
}

// RunEventBridge implements §4.6: it consumes dev's Requests channel for
// the lifetime of ctx (the device session), translating each
// device-originated interaction request into a UI round-trip. It must be
// started before the method body runs and is torn down alongside
// device.cleanup() by the caller canceling ctx.
func RunEventBridge(ctx context.Context, deps EventBridgeDeps, dev *device.Handle, m method.Method) {
	for {
		select {
		case req, ok := <-dev.Requests():
			if !ok {
				return
			}
			handleRequest(ctx, deps, m, req)
		case <-ctx.Done():
			return
		}
	}
}

func handleRequest(ctx context.Context, deps EventBridgeDeps, m method.Method, req device.Request) {
	switch req.Kind {
	case device.EventButton:
		handleButton(ctx, deps, m, req)
	case device.EventPin:
		handlePin(ctx, deps, req)
	case device.EventWord:
		handleWord(ctx, deps, req)
	case device.EventPassphrase:
		handlePassphrase(ctx, deps, req)
	case device.EventPassphraseOnDevice:
		handlePassphraseOnDevice(deps, req)
	}
}

func handleButton(ctx context.Context, deps EventBridgeDeps, m method.Method, req device.Request) {
	defer deps.Timeout.Restart()

	if req.ButtonCode == device.ButtonRequestAddress && !req.UseUI {
		deps.Publish(message.Device(message.TagDeviceButton, req.ButtonCode))
		deps.Publish(message.UI(message.TagUIRequestButton, req.ButtonCode))
		deps.Publish(message.UI(message.TagUIAddressValidation, nil))
		req.Answer(nil, nil)
		return
	}

	if _, err := deps.Popup.Open().Await(ctx); err != nil {
		req.Answer(nil, err)
		return
	}
	deps.Publish(message.Device(message.TagDeviceButton, req.ButtonCode))
	payload := any(req.ButtonCode)
	if data, ok := m.GetButtonRequestData(req.ButtonCode); ok {
		payload = data
	}
	deps.Publish(message.UI(message.TagUIRequestButton, payload))
	req.Answer(nil, nil)
}

func handlePin(ctx context.Context, deps EventBridgeDeps, req device.Request) {
	defer deps.Timeout.Restart()
	if _, err := deps.Popup.Open().Await(ctx); err != nil {
		req.Answer(nil, err)
		return
	}
	uiPromise := deps.Promises.CreateForDevice(string(message.TagUIReceivePin), "")
	defer deps.Promises.Remove(uiPromise)

	deps.Publish(message.UI(message.TagUIRequestPin, nil))

	payload, err := uiPromise.Await(ctx)
	if err != nil {
		req.Answer(nil, err)
		return
	}
	req.Answer(payload, nil)
}

func handleWord(ctx context.Context, deps EventBridgeDeps, req device.Request) {
	defer deps.Timeout.Restart()
	if _, err := deps.Popup.Open().Await(ctx); err != nil {
		req.Answer(nil, err)
		return
	}
	uiPromise := deps.Promises.CreateForDevice(string(message.TagUIReceiveWord), "")
	defer deps.Promises.Remove(uiPromise)

	deps.Publish(message.UI(message.TagUIRequestWord, nil))

	payload, err := uiPromise.Await(ctx)
	if err != nil {
		req.Answer(nil, err)
		return
	}
	req.Answer(payload, nil)
}

func handlePassphrase(ctx context.Context, deps EventBridgeDeps, req device.Request) {
	defer deps.Timeout.Restart()
	if _, err := deps.Popup.Open().Await(ctx); err != nil {
		req.Answer(nil, err)
		return
	}
	uiPromise := deps.Promises.CreateForDevice(string(message.TagUIReceivePassphrase), "")
	defer deps.Promises.Remove(uiPromise)

	deps.Publish(message.UI(message.TagUIRequestPassphrase, nil))

	payload, err := uiPromise.Await(ctx)
	if err != nil {
		req.Answer(nil, err)
		return
	}
	ans, _ := payload.(device.PassphraseAnswer)
	ans.Passphrase = norm.NFKD.String(ans.Passphrase)
	req.Answer(ans, nil)
}

func handlePassphraseOnDevice(deps EventBridgeDeps, req device.Request) {
	deps.Publish(message.UI(message.TagUIRequestPassphraseOnDevice, nil))
	req.Answer(nil, nil)
}
