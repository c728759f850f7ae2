package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverpine/hwbridge/internal/corerr"
	"github.com/silverpine/hwbridge/internal/device"
	"github.com/silverpine/hwbridge/internal/message"
	"github.com/silverpine/hwbridge/internal/method"
	"github.com/silverpine/hwbridge/internal/promise"
	"github.com/silverpine/hwbridge/internal/timeout"
)

type recorder struct {
	mu       sync.Mutex
	messages []message.CoreMessage
}

func (r *recorder) publish(m message.CoreMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) all() []message.CoreMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.CoreMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *recorder) last() (message.CoreMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return message.CoreMessage{}, false
	}
	return r.messages[len(r.messages)-1], true
}

type fixedList struct {
	list *device.List
}

func (f fixedList) CurrentList() *device.List { return f.list }
func (f fixedList) TryInitTransport(ctx context.Context) error { return nil }

func newTestDispatcher(t *testing.T, list *device.List) (*Dispatcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	popup := promise.NewPopupPromise()
	popup.SetPublish(rec.publish)
	d := NewDispatcher(
		NewCallRegistry(),
		promise.NewRegistry(),
		popup,
		timeout.New(0, nil),
		rec.publish,
		method.NewDefaultRegistry(),
		Settings{Popup: true, AllowManagement: true},
		fixedList{list: list},
		nil,
	)
	return d, rec
}

func callPayload(t *testing.T, methodName string, extra map[string]any) json.RawMessage {
	t.Helper()
	m := map[string]any{"method": methodName}
	for k, v := range extra {
		m[k] = v
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

func TestHandleCallDevicelessGetFeatures(t *testing.T) {
	d, rec := newTestDispatcher(t, nil)
	ctx := context.Background()

	d.HandleCall(ctx, 1, callPayload(t, "getFeatures", nil), true)

	last, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, message.ClassResponse, last.Event)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
	assert.Equal(t, 0, d.Registry.Len())
}

func TestHandleCallUnknownMethodFails(t *testing.T) {
	d, rec := newTestDispatcher(t, nil)
	ctx := context.Background()

	d.HandleCall(ctx, 2, callPayload(t, "notAMethod", nil), true)

	last, ok := rec.last()
	require.True(t, ok)
	require.NotNil(t, last.Success)
	assert.False(t, *last.Success)
}

func TestHandleCallDeviceBoundGetAddress(t *testing.T) {
	transport := device.NewMemoryTransport(device.KindUSB)
	h := device.NewHandle("/dev/usb/1", "2.4.3")
	transport.Plug(h)
	list := device.NewList(transport)
	defer list.Close()

	d, rec := newTestDispatcher(t, list)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// getAddress with useUi=false takes the fast ButtonRequest_Address
	// path: no popup round-trip, so the call resolves synchronously.
	d.HandleCall(ctx, 3, callPayload(t, "getAddress", nil), true)

	last, ok := rec.last()
	require.True(t, ok)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
}

func TestHandleCallPinRetryThenSuccess(t *testing.T) {
	transport := device.NewMemoryTransport(device.KindUSB)
	h := device.NewHandle("/dev/usb/1", "2.4.3")
	attempts := 0
	h.ValidateStateFn = func(ctx context.Context, network any, session *device.Session) ([]byte, error) {
		pin, err := session.RequestPin(ctx)
		if err != nil {
			return nil, err
		}
		attempts++
		if pin != "good" {
			return nil, corerr.New(corerr.DeviceInvalidState, corerr.InvalidPINMessage)
		}
		return nil, nil
	}
	transport.Plug(h)
	list := device.NewList(transport)
	defer list.Close()

	d, rec := newTestDispatcher(t, list)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.HandleCall(ctx, 4, callPayload(t, "signTransaction", nil), true)
		close(done)
	}()

	// PIN requests always open the popup, regardless of useUi.
	require.Eventually(t, func() bool { return d.Popup.IsOpen() }, time.Second, time.Millisecond)
	d.Popup.Resolve()

	// First PIN round: answer with a bad PIN.
	p := findPinPromise(t, d)
	p.Resolve("bad")

	// Dispatcher should have emitted UI.INVALID_PIN and looped back for a
	// second PIN attempt.
	require.Eventually(t, func() bool {
		for _, m := range rec.all() {
			if m.Type == message.TagUIInvalidPin {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	// Popup.Open() hands back a fresh slot since the first was resolved;
	// the retry round re-opens it before asking for the PIN again.
	require.Eventually(t, func() bool { return d.Popup.IsOpen() }, time.Second, time.Millisecond)
	d.Popup.Resolve()

	p2 := findPinPromise(t, d)
	p2.Resolve("good")

	// State validation passed; signTransaction's own body asks for the
	// signing PIN as a separate round-trip.
	require.Eventually(t, func() bool { return d.Popup.IsOpen() }, time.Second, time.Millisecond)
	d.Popup.Resolve()
	p3 := findPinPromise(t, d)
	p3.Resolve("good")

	<-done
	last, ok := rec.last()
	require.True(t, ok)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
	assert.Equal(t, 2, attempts)
}

func findPinPromise(t *testing.T, d *Dispatcher) *promise.UiPromise {
	t.Helper()
	var found *promise.UiPromise
	require.Eventually(t, func() bool {
		found = d.Promises.FindFirst(string(message.TagUIReceivePin))
		return found != nil
	}, time.Second, time.Millisecond)
	return found
}

// TestHandleCallOverridePreviousCall replays S4: a second call against the
// same device path with overridePreviousCall=true must fail the first call
// with Method_Override, then succeed itself, leaving the registry empty.
func TestHandleCallOverridePreviousCall(t *testing.T) {
	transport := device.NewMemoryTransport(device.KindUSB)
	h := device.NewHandle("/dev/usb/1", "2.4.3")
	transport.Plug(h)
	list := device.NewList(transport)
	defer list.Close()

	d, rec := newTestDispatcher(t, list)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	firstDone := make(chan struct{})
	go func() {
		// signTransaction's own body asks for a signing PIN, giving call 11
		// a deterministic window to observe call 10 as in flight.
		d.HandleCall(ctx, 10, callPayload(t, "signTransaction", map[string]any{"devicePath": "/dev/usb/1"}), true)
		close(firstDone)
	}()

	require.Eventually(t, func() bool { return d.Popup.IsOpen() }, time.Second, time.Millisecond)

	secondDone := make(chan struct{})
	go func() {
		d.HandleCall(ctx, 11, callPayload(t, "signTransaction", map[string]any{
			"devicePath":           "/dev/usb/1",
			"overridePreviousCall": true,
		}), true)
		close(secondDone)
	}()

	<-firstDone

	var tenFailed bool
	for _, m := range rec.all() {
		if m.ID != nil && *m.ID == 10 {
			require.NotNil(t, m.Success)
			tenFailed = !*m.Success
		}
	}
	assert.True(t, tenFailed)

	// Call 10's popup/pin round was torn down by the override; let call
	// 11 run its own round to completion.
	require.Eventually(t, func() bool { return d.Popup.IsOpen() }, time.Second, time.Millisecond)
	d.Popup.Resolve()
	p := findPinPromise(t, d)
	p.Resolve("good")
	<-secondDone

	var elevenSucceeded bool
	for _, m := range rec.all() {
		if m.ID != nil && *m.ID == 11 {
			require.NotNil(t, m.Success)
			elevenSucceeded = *m.Success
		}
	}
	assert.True(t, elevenSucceeded)
	assert.Equal(t, 0, d.Registry.Len())
}

// TestHandleCallDeviceBoundUseUIEmitsRequestAndCloseWindow replays S2: a
// single device, a trusted call with useUi=true, opens the popup with
// UI.REQUEST_UI_WINDOW before the button handshake, then closes it with
// UI.CLOSE_UI_WINDOW once the method has run, immediately ahead of the
// success RESPONSE.
func TestHandleCallDeviceBoundUseUIEmitsRequestAndCloseWindow(t *testing.T) {
	transport := device.NewMemoryTransport(device.KindUSB)
	h := device.NewHandle("/dev/usb/1", "2.4.3")
	transport.Plug(h)
	list := device.NewList(transport)
	defer list.Close()

	d, rec := newTestDispatcher(t, list)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.HandleCall(ctx, 2, callPayload(t, "getAddress", map[string]any{
			"devicePath":          "/dev/usb/1",
			"useUi":               true,
			"requiredPermissions": []string{"read"},
		}), true)
		close(done)
	}()

	require.Eventually(t, func() bool { return d.Popup.IsOpen() }, time.Second, time.Millisecond)
	d.Popup.Resolve()
	<-done

	all := rec.all()
	indexOf := func(tag message.EventTag) int {
		for i, m := range all {
			if m.Type == tag {
				return i
			}
		}
		return -1
	}

	reqWindow := indexOf(message.TagUIRequestUIWindow)
	closeWindow := indexOf(message.TagUICloseUIWindow)
	var response int
	for i, m := range all {
		if m.Event == message.ClassResponse {
			response = i
			break
		}
	}

	require.GreaterOrEqual(t, reqWindow, 0)
	require.GreaterOrEqual(t, closeWindow, 0)
	assert.Less(t, reqWindow, closeWindow)
	assert.Less(t, closeWindow, response)

	last, ok := rec.last()
	require.True(t, ok)
	require.NotNil(t, last.ID)
	assert.EqualValues(t, 2, *last.ID)
	require.NotNil(t, last.Success)
	assert.True(t, *last.Success)
}

func TestHandleCallBusyDeviceRejectsSecondCall(t *testing.T) {
	transport := device.NewMemoryTransport(device.KindUSB)
	h := device.NewHandle("/dev/usb/1", "2.4.3")
	transport.Plug(h)
	list := device.NewList(transport)
	defer list.Close()

	d, rec := newTestDispatcher(t, list)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	firstDone := make(chan struct{})
	go func() {
		// signTransaction's PIN request blocks the device mid-session
		// (handlePin always opens the popup), giving the second call a
		// deterministic window to observe the device as busy.
		d.HandleCall(ctx, 5, callPayload(t, "signTransaction", nil), true)
		close(firstDone)
	}()

	require.Eventually(t, func() bool { return d.Popup.IsOpen() }, time.Second, time.Millisecond)

	// A second call against the same device path while the first holds the
	// device must be rejected with Device_CallInProgress.
	d.HandleCall(ctx, 6, callPayload(t, "signTransaction", map[string]any{"devicePath": "/dev/usb/1"}), true)

	var secondFailed bool
	for _, m := range rec.all() {
		if m.ID != nil && *m.ID == 6 {
			require.NotNil(t, m.Success)
			secondFailed = !*m.Success
		}
	}
	assert.True(t, secondFailed)

	d.Popup.Resolve()
	p := findPinPromise(t, d)
	p.Resolve("good")
	<-firstDone
}
