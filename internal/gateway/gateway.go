// Package gateway implements the Message Gateway (spec C3): origin-trust
// filtering, inbound dispatch by event type, and an outbound fan-out
// emitter that drains the matching CallRegistry entry before a RESPONSE
// leaves. A wire gateway (wire.go, spec A3) sits on top of this
// for the websocket edges; tests and the A5 harness can talk to it
// entirely in-process via Subscribe/Publish.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/silverpine/hwbridge/internal/corerr"
	"github.com/silverpine/hwbridge/internal/dispatch"
	"github.com/silverpine/hwbridge/internal/message"
	"github.com/silverpine/hwbridge/internal/promise"
)

// Dispatcher is the subset of dispatch.Dispatcher the gateway calls into,
// named so tests can substitute a stub.
type Dispatcher interface {
	HandleCall(ctx context.Context, id uint32, payload json.RawMessage, trusted bool)
}

// Gateway routes CoreMessages between the wire/in-process edges and the
// Call Dispatcher, and fans outbound messages out to every subscriber.
type Gateway struct {
	Dispatcher Dispatcher
	Promises   *promise.Registry
	Popup      *promise.PopupPromise
	Registry   *dispatch.CallRegistry
	Logger     *slog.Logger

	// OnPopupClosed implements the popup-closed / interaction-timeout
	// cancellation handler (§5 "Suspension points"): interrupt any device
	// in use, or reject pending promises with Method_Interrupted.
	OnPopupClosed func(err error)
	// OnDisableWebUSB implements TRANSPORT.DISABLE_WEBUSB: dispose and
	// reinitialize the DeviceList with webusb=false, when the current
	// transport is WebUSB.
	OnDisableWebUSB func()

	subsMu sync.Mutex
	subs   []chan message.CoreMessage
}

// New creates a Gateway. OnPopupClosed and OnDisableWebUSB may be set
// after construction once the owning Core Controller exists (they close
// over it to avoid an import cycle).
func New(dispatcher Dispatcher, promises *promise.Registry, popup *promise.PopupPromise, registry *dispatch.CallRegistry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{Dispatcher: dispatcher, Promises: promises, Popup: popup, Registry: registry, Logger: logger}
}

// HandleInbound implements §4.3's inbound dispatch. ctx bounds the
// lifetime of any call spawned as a result (IFRAME.CALL runs on its own
// goroutine so HandleInbound never blocks the caller).
func (g *Gateway) HandleInbound(ctx context.Context, msg message.CoreMessage, trusted bool) {
	if !trusted && !message.IsSafe(msg.Type) {
		g.Logger.Debug("dropped untrusted message outside safe-set", "type", msg.Type)
		return
	}

	switch msg.Type {
	case message.TagPopupHandshake:
		g.Popup.Resolve()

	case message.TagPopupClosed:
		if g.OnPopupClosed != nil {
			g.OnPopupClosed(decodePopupClosedError(msg.Payload))
		}

	case message.TagTransportDisableWebUSB:
		if g.OnDisableWebUSB != nil {
			g.OnDisableWebUSB()
		}

	case message.TagUIReceiveDevice, message.TagUIReceivePin, message.TagUIReceiveWord,
		message.TagUIReceivePassphrase, message.TagUIChangeAccount, message.TagUIInvalidPassphraseAction,
		message.TagUICustomMessageResponse, message.TagUILoginChallengeResponse:
		g.resolveFirstPromise(msg)

	case message.TagIframeCall:
		if msg.ID == nil {
			g.Logger.Warn("IFRAME.CALL without an id, dropping")
			return
		}
		id := *msg.ID
		payload := msg.Payload
		go func() {
			defer func() {
				if r := recover(); r != nil {
					g.Logger.Error("call dispatcher panicked", "call_id", id, "recovered", r)
					g.Publish(message.ResponseError(id, string(corerr.MethodCancel)))
				}
			}()
			g.Dispatcher.HandleCall(ctx, id, payload, trusted)
		}()

	default:
		g.Logger.Debug("unhandled inbound message type", "type", msg.Type)
	}
}

// resolveFirstPromise implements the documented findUiPromise quirk: it
// matches by event tag alone, ignoring any call id, per the open-question
// resolution recorded for this implementation.
func (g *Gateway) resolveFirstPromise(msg message.CoreMessage) {
	p := g.Promises.FindFirst(string(msg.Type))
	if p == nil {
		g.Logger.Debug("no pending UiPromise for tag", "type", msg.Type)
		return
	}
	p.Resolve(decodePayload(msg.Type, msg.Payload))
}

// Publish is the outbound emitter: it drains the CallRegistry entry for a
// RESPONSE before fanning it out, then broadcasts to every subscriber in
// submission order.
func (g *Gateway) Publish(msg message.CoreMessage) {
	if msg.Event == message.ClassResponse && msg.ID != nil {
		g.Registry.Remove(*msg.ID)
	}

	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	for _, ch := range g.subs {
		select {
		case ch <- msg:
		default:
			g.Logger.Warn("subscriber channel full, dropping message", "type", msg.Type)
		}
	}
}

// Subscribe registers a new outbound subscriber. The returned channel is
// closed only by Unsubscribe or process shutdown; callers that no longer
// want updates should call Unsubscribe with the same channel.
func (g *Gateway) Subscribe() chan message.CoreMessage {
	ch := make(chan message.CoreMessage, 64)
	g.subsMu.Lock()
	g.subs = append(g.subs, ch)
	g.subsMu.Unlock()
	return ch
}

// Unsubscribe removes ch from the fan-out list and closes it.
func (g *Gateway) Unsubscribe(ch chan message.CoreMessage) {
	g.subsMu.Lock()
	defer g.subsMu.Unlock()
	for i, c := range g.subs {
		if c == ch {
			g.subs = append(g.subs[:i], g.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func decodePopupClosedError(payload []byte) error {
	msg := decodeErrorMessage(payload)
	if msg == "" {
		return corerr.New(corerr.MethodInterrupted, "popup closed")
	}
	return corerr.New(corerr.MethodCancel, msg)
}
