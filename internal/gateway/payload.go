package gateway

import (
	"encoding/json"

	"github.com/silverpine/hwbridge/internal/device"
	"github.com/silverpine/hwbridge/internal/dispatch"
	"github.com/silverpine/hwbridge/internal/message"
)

// decodePayload turns the raw JSON payload of a resolved UiPromise into
// the concrete Go value the dispatch package expects for that event tag.
// Unknown tags or malformed payloads resolve with the raw JSON instead of
// failing the promise outright, since a malformed answer should surface
// as a method error rather than a silently stuck call.
func decodePayload(tag message.EventTag, raw json.RawMessage) any {
	switch tag {
	case message.TagUIReceiveDevice:
		var v dispatch.SelectDeviceChoice
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	case message.TagUIReceivePin, message.TagUIReceiveWord:
		var v string
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	case message.TagUIReceivePassphrase:
		var v device.PassphraseAnswer
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	case message.TagUIInvalidPassphraseAction:
		var v dispatch.InvalidPassphraseAction
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return raw
}

func decodeErrorMessage(raw json.RawMessage) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.Error
}
