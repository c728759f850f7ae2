// Package message defines the wire envelope exchanged between the caller
// frame, the popup, and the core: CoreMessage and its event-tag
// vocabulary.
package message

import "encoding/json"

// EventClass groups event tags into three classes: terminal responses,
// interactive UI round-trips, and informational device/transport notices.
type EventClass string

const (
	ClassCore     EventClass = "CORE_EVENT"
	ClassResponse EventClass = "RESPONSE_EVENT"
	ClassDevice   EventClass = "DEVICE_EVENT"
	ClassTransport EventClass = "TRANSPORT_EVENT"
	ClassUI       EventClass = "UI_EVENT"
)

// EventTag is one of the fixed inbound/outbound type strings.
type EventTag string

// Inbound tags.
const (
	TagIframeCall                   EventTag = "IFRAME.CALL"
	TagPopupHandshake               EventTag = "POPUP.HANDSHAKE"
	TagPopupClosed                  EventTag = "POPUP.CLOSED"
	TagTransportDisableWebUSB       EventTag = "TRANSPORT.DISABLE_WEBUSB"
	TagUIReceiveDevice              EventTag = "UI.RECEIVE_DEVICE"
	TagUIReceivePin                 EventTag = "UI.RECEIVE_PIN"
	TagUIReceiveWord                EventTag = "UI.RECEIVE_WORD"
	TagUIReceivePassphrase          EventTag = "UI.RECEIVE_PASSPHRASE"
	TagUIChangeAccount              EventTag = "UI.CHANGE_ACCOUNT"
	TagUIInvalidPassphraseAction    EventTag = "UI.INVALID_PASSPHRASE_ACTION"
	TagUICustomMessageResponse      EventTag = "UI.CUSTOM_MESSAGE_RESPONSE"
	TagUILoginChallengeResponse     EventTag = "UI.LOGIN_CHALLENGE_RESPONSE"
)

// Outbound tags.
const (
	TagPopupCancelPopupRequest    EventTag = "POPUP.CANCEL_POPUP_REQUEST"
	TagUIRequestUIWindow          EventTag = "UI.REQUEST_UI_WINDOW"
	TagUICloseUIWindow            EventTag = "UI.CLOSE_UI_WINDOW"
	TagUISelectDevice             EventTag = "UI.SELECT_DEVICE"
	TagUITransport                EventTag = "UI.TRANSPORT"
	TagUIRequestButton            EventTag = "UI.REQUEST_BUTTON"
	TagUIRequestPin               EventTag = "UI.REQUEST_PIN"
	TagUIInvalidPin               EventTag = "UI.INVALID_PIN"
	TagUIRequestWord              EventTag = "UI.REQUEST_WORD"
	TagUIRequestPassphrase        EventTag = "UI.REQUEST_PASSPHRASE"
	TagUIRequestPassphraseOnDevice EventTag = "UI.REQUEST_PASSPHRASE_ON_DEVICE"
	TagUIInvalidPassphrase        EventTag = "UI.INVALID_PASSPHRASE"
	TagUIDeviceNeedsBackup        EventTag = "UI.DEVICE_NEEDS_BACKUP"
	TagUIFirmwareOutdated         EventTag = "UI.FIRMWARE_OUTDATED"
	TagUIAddressValidation        EventTag = "UI.ADDRESS_VALIDATION"
	TagDeviceButton               EventTag = "DEVICE.BUTTON"
	TagDevicePin                  EventTag = "DEVICE.PIN"
	TagDeviceWord                 EventTag = "DEVICE.WORD"
	TagDevicePassphrase           EventTag = "DEVICE.PASSPHRASE"
	TagDevicePassphraseOnDevice   EventTag = "DEVICE.PASSPHRASE_ON_DEVICE"
	TagDeviceDisconnect           EventTag = "DEVICE.DISCONNECT"
	TagDeviceConnect              EventTag = "DEVICE.CONNECT"
	TagDeviceConnectUnacquired    EventTag = "DEVICE.CONNECT_UNACQUIRED"
	TagDeviceChanged              EventTag = "DEVICE.CHANGED"
	TagTransportError             EventTag = "TRANSPORT.ERROR"
	TagTransportStart              EventTag = "TRANSPORT.START"
)

// SafeSet is the set of inbound types accepted from an untrusted origin.
// All other inbound types require a trusted origin.
var SafeSet = map[EventTag]bool{
	TagIframeCall:               true,
	TagPopupClosed:              true,
	TagUICustomMessageResponse:  true,
	TagUILoginChallengeResponse: true,
	TagTransportDisableWebUSB:   true,
}

// IsSafe reports whether tag may originate from an untrusted caller.
func IsSafe(tag EventTag) bool {
	return SafeSet[tag]
}

// CoreMessage is the tagged envelope exchanged on the wire and in-process.
type CoreMessage struct {
	Event   EventClass      `json:"event"`
	Type    EventTag        `json:"type"`
	ID      *uint32         `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success *bool           `json:"success,omitempty"`
}

// UI builds an interactive UI_EVENT message with an arbitrary payload.
func UI(tag EventTag, payload any) CoreMessage {
	return CoreMessage{Event: ClassUI, Type: tag, Payload: marshal(payload)}
}

// Device builds an informational DEVICE_EVENT message.
func Device(tag EventTag, payload any) CoreMessage {
	return CoreMessage{Event: ClassDevice, Type: tag, Payload: marshal(payload)}
}

// Transport builds an informational TRANSPORT_EVENT message.
func Transport(tag EventTag, payload any) CoreMessage {
	return CoreMessage{Event: ClassTransport, Type: tag, Payload: marshal(payload)}
}

// Popup builds a CORE_EVENT popup-control message (e.g. cancel request).
func Popup(tag EventTag) CoreMessage {
	return CoreMessage{Event: ClassCore, Type: tag}
}

// Response builds the single terminal RESPONSE_EVENT for a call id.
func Response(id uint32, success bool, payload any) CoreMessage {
	return CoreMessage{
		Event:   ClassResponse,
		Type:    "RESPONSE",
		ID:      &id,
		Success: &success,
		Payload: marshal(payload),
	}
}

// ErrorPayload is the conventional shape of a failure response payload.
type ErrorPayload struct {
	Error string `json:"error"`
}

// ResponseError builds a failure RESPONSE_EVENT carrying a stable code
// string as payload.error.
func ResponseError(id uint32, code string) CoreMessage {
	return Response(id, false, ErrorPayload{Error: code})
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
