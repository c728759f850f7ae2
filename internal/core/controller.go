// Package core implements the Core Controller (spec C7): the component
// that owns every other piece of shared state (DeviceList, PopupPromise,
// UiPromise registry, CallRegistry, Interaction Timeout) for the lifetime
// of the process, and bridges DeviceList/transport events into the
// outbound message stream.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/silverpine/hwbridge/internal/config"
	"github.com/silverpine/hwbridge/internal/corerr"
	"github.com/silverpine/hwbridge/internal/device"
	"github.com/silverpine/hwbridge/internal/dispatch"
	"github.com/silverpine/hwbridge/internal/gateway"
	"github.com/silverpine/hwbridge/internal/message"
	"github.com/silverpine/hwbridge/internal/method"
	"github.com/silverpine/hwbridge/internal/promise"
	"github.com/silverpine/hwbridge/internal/timeout"
)

// reconnectBackoff is the fixed wait between transport init attempts,
// both on first connect and after a TRANSPORT.ERROR, per §4.7.
const reconnectBackoff = time.Second

// TransportFactory builds a fresh device.Transport. It is called once per
// (re)connect attempt; the Core Controller owns the device.List it wraps
// the result in.
type TransportFactory func() (device.Transport, error)

// TransportInfo answers getTransportInfo(); the zero value is the
// documented "no transport" default.
type TransportInfo struct {
	Type     string
	Version  string
	Outdated bool
}

// Controller is the Core Controller. Construct with New, call
// InitTransport, then feed inbound messages through HandleMessage.
// Dispose releases every owned resource and must run on every shutdown
// path.
type Controller struct {
	Settings     *config.Settings
	newTransport TransportFactory
	Logger       *slog.Logger

	Promises *promise.Registry
	Popup    *promise.PopupPromise
	Registry *dispatch.CallRegistry
	Timeout  *timeout.Timer
	Methods  *method.Registry
	Gateway  *gateway.Gateway

	listMu    sync.RWMutex
	list      *device.List
	transport TransportInfo

	watchCancel context.CancelFunc
	watchDone   chan struct{}

	disposeMu sync.Mutex
	disposed  bool
}

// New wires a Controller from settings. settings is shared (not copied)
// with newTransport so a runtime settings change (TRANSPORT.DISABLE_WEBUSB)
// is visible on the next connect attempt. newTransport is called to build
// the concrete Transport every time the DeviceList is (re)initialized; see
// NewTransportFactory for the settings-driven factory (spec A2).
func New(settings *config.Settings, newTransport TransportFactory, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		Settings:     settings,
		newTransport: newTransport,
		Logger:       logger,
		Promises:     promise.NewRegistry(),
		Popup:        promise.NewPopupPromise(),
		Registry:     dispatch.NewCallRegistry(),
		Methods:      method.NewDefaultRegistry(),
		transport:    TransportInfo{Outdated: true},
	}
	c.Popup.SetPublish(c.publish)
	c.Timeout = timeout.New(settings.EffectiveInteractionTimeout(), c.onInteractionTimeout)

	dispatcherSettings := dispatch.Settings{
		Popup:              settings.Popup,
		AllowManagement:    settings.AllowManagement,
		TransportReconnect: settings.TransportReconnect,
	}
	dispatcher := dispatch.NewDispatcher(c.Registry, c.Promises, c.Popup, c.Timeout, c.publish, c.Methods, dispatcherSettings, c, logger.With("component", "dispatch"))

	gw := gateway.New(dispatcher, c.Promises, c.Popup, c.Registry, logger.With("component", "gateway"))
	gw.OnPopupClosed = c.onPopupClosed
	gw.OnDisableWebUSB = c.onDisableWebUSB
	c.Gateway = gw

	return c
}

// publish is the Core emitter every downstream component sees as
// Publish: fan out through the Message Gateway, which also drains the
// CallRegistry entry on a RESPONSE.
func (c *Controller) publish(msg message.CoreMessage) {
	c.Gateway.Publish(msg)
}

// HandleMessage implements handleMessage(msg, trusted): it is the single
// entry point process-level transports (the wire gateway, a test
// harness) feed inbound frames through.
func (c *Controller) HandleMessage(ctx context.Context, msg message.CoreMessage, trusted bool) {
	c.Gateway.HandleInbound(ctx, msg, trusted)
}

// CurrentList implements dispatch.ListProvider.
func (c *Controller) CurrentList() *device.List {
	c.listMu.RLock()
	defer c.listMu.RUnlock()
	return c.list
}

// TryInitTransport implements dispatch.ListProvider: a synchronous,
// one-shot connect attempt used by the dispatcher's device-bound
// bootstrap path when transportReconnect is false and no list exists
// yet.
func (c *Controller) TryInitTransport(ctx context.Context) error {
	return c.connect(ctx)
}

// InitTransport implements initTransport(settings) (§4.7). When
// transportReconnect is set, the first connect attempt runs in the
// background so the caller is never blocked on hardware; on failure it
// retries after reconnectBackoff until a connect succeeds or ctx is
// canceled. A later TRANSPORT.ERROR disposes the list and starts a new
// retry loop that is not bound to ctx (see handleTransportError). When
// transportReconnect is false, the first attempt runs synchronously and
// its error is returned.
func (c *Controller) InitTransport(ctx context.Context) error {
	if !c.Settings.TransportReconnect {
		return c.connect(ctx)
	}
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Controller) reconnectLoop(ctx context.Context) {
	for {
		if err := c.connect(ctx); err != nil {
			c.Logger.Warn("transport connect failed, retrying", "error", err, "backoff", reconnectBackoff)
		} else {
			return
		}
		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// connect builds a fresh Transport and DeviceList and starts bridging its
// events. Any previously owned list is disposed first.
func (c *Controller) connect(ctx context.Context) error {
	c.disposeList()

	tr, err := c.newTransport()
	if err != nil {
		return err
	}
	list := device.NewList(tr)

	c.listMu.Lock()
	c.list = list
	c.transport = TransportInfo{Type: string(tr.Kind()), Outdated: false}
	c.listMu.Unlock()

	watchCtx, cancel := context.WithCancel(context.Background())
	c.watchCancel = cancel
	c.watchDone = make(chan struct{})
	go c.watchList(watchCtx, list)

	c.publish(message.Transport(message.TagTransportStart, nil))
	return nil
}

// watchList bridges DeviceList notifications into the outbound stream
// (§4.7's "DeviceList events are bridged"). A TRANSPORT.ERROR tears this
// list down and, when transportReconnect is set, schedules a fresh
// connect after reconnectBackoff.
func (c *Controller) watchList(ctx context.Context, list *device.List) {
	defer close(c.watchDone)
	sub := list.Subscribe()
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			switch ev.Kind {
			case device.ListConnect:
				c.publish(message.Device(message.TagDeviceConnect, ev.Device.ToMessageObject()))
			case device.ListConnectUnacquired:
				c.publish(message.Device(message.TagDeviceConnectUnacquired, ev.Device.ToMessageObject()))
			case device.ListDisconnect:
				c.publish(message.Device(message.TagDeviceDisconnect, ev.Device.ToMessageObject()))
				c.Promises.ResolveDisconnected(ev.Device.DevicePath(), nil)
			case device.ListChanged:
				c.publish(message.Device(message.TagDeviceChanged, ev.Device.ToMessageObject()))
			case device.ListTransportStart:
				c.publish(message.Transport(message.TagTransportStart, nil))
			case device.ListTransportError:
				c.handleTransportError(ev.Err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleTransportError(transportErr error) {
	c.disposeList()
	c.publish(message.Transport(message.TagTransportError, map[string]string{"error": transportErr.Error()}))
	if c.Settings.TransportReconnect {
		go c.reconnectLoop(context.Background())
	}
}

// disposeList tears down the currently owned list, if any, and resets
// transport info to the "no transport" default.
func (c *Controller) disposeList() {
	c.listMu.Lock()
	list := c.list
	c.list = nil
	c.transport = TransportInfo{Outdated: true}
	c.listMu.Unlock()

	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	if list != nil {
		_ = list.Close()
	}
}

// onDisableWebUSB implements TRANSPORT.DISABLE_WEBUSB: reinitialize with
// webusb=false when the current transport is WebUSB.
func (c *Controller) onDisableWebUSB() {
	c.listMu.RLock()
	isWebUSB := c.transport.Type == string(device.KindWebUSB)
	c.listMu.RUnlock()
	if !isWebUSB {
		return
	}
	c.Settings.WebUSB = false
	go func() {
		if err := c.connect(context.Background()); err != nil {
			c.Logger.Warn("reinit after DISABLE_WEBUSB failed", "error", err)
		}
	}()
}

// GetTransportInfo implements getTransportInfo().
func (c *Controller) GetTransportInfo() TransportInfo {
	c.listMu.RLock()
	defer c.listMu.RUnlock()
	return c.transport
}

// GetCurrentMethod implements getCurrentMethod(): a snapshot of every
// in-flight call.
func (c *Controller) GetCurrentMethod() []*dispatch.CallEntry {
	return c.Registry.Snapshot()
}

// onInteractionTimeout and onPopupClosed both implement §5's "popup
// closed (or Interaction Timeout fired)" suspension-point handling: if a
// device is in use here, interrupt it; otherwise reject every pending
// UiPromise and the PopupPromise itself. Cleanup (stopping the Interaction
// Timeout, clearing the UiPromise registry) happens in the Call
// Dispatcher's own Cleanup block once the interrupted Run returns.
func (c *Controller) onInteractionTimeout(reason string) {
	c.interruptCurrentInteraction(corerr.New(corerr.MethodInterrupted, reason))
}

func (c *Controller) onPopupClosed(err error) {
	c.interruptCurrentInteraction(err)
}

func (c *Controller) interruptCurrentInteraction(err error) {
	list := c.CurrentList()
	var interrupted bool
	for _, entry := range c.Registry.Snapshot() {
		if entry.DevicePath == "" || list == nil {
			continue
		}
		if dev, ok := list.Get(entry.DevicePath); ok && dev.IsRunning() {
			dev.InterruptionFromUser(err)
			interrupted = true
		}
	}
	if !interrupted {
		c.Promises.RejectAll(err)
		c.Popup.RejectAndReset(err)
	}
}

// Dispose implements dispose(): it tears down the DeviceList, cancels the
// transport watch goroutine, and waits for both to settle within ctx's
// deadline, fanning the wait in with an errgroup. cmd/hwbridge supplies
// that deadline as a context timeout.
func (c *Controller) Dispose(ctx context.Context) error {
	c.disposeMu.Lock()
	if c.disposed {
		c.disposeMu.Unlock()
		return nil
	}
	c.disposed = true
	c.disposeMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	done := c.watchDone

	g.Go(func() error {
		c.disposeList()
		return nil
	})
	if done != nil {
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	c.Timeout.Stop()
	return g.Wait()
}
