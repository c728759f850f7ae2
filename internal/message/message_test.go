package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSafe(t *testing.T) {
	assert.True(t, IsSafe(TagIframeCall))
	assert.True(t, IsSafe(TagPopupClosed))
	assert.False(t, IsSafe(TagPopupHandshake))
	assert.False(t, IsSafe(TagUISelectDevice))
}

func TestResponseRoundTrip(t *testing.T) {
	msg := Response(42, true, map[string]string{"foo": "bar"})
	require.NotNil(t, msg.ID)
	assert.Equal(t, uint32(42), *msg.ID)
	require.NotNil(t, msg.Success)
	assert.True(t, *msg.Success)

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded CoreMessage
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, EventTag("RESPONSE"), decoded.Type)
}

func TestResponseError(t *testing.T) {
	msg := ResponseError(1, "Device_NotFound")
	require.NotNil(t, msg.Success)
	assert.False(t, *msg.Success)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "Device_NotFound", payload.Error)
}

func TestUIDeviceTransportBuilders(t *testing.T) {
	assert.Equal(t, ClassUI, UI(TagUIRequestPin, nil).Event)
	assert.Equal(t, ClassDevice, Device(TagDeviceButton, nil).Event)
	assert.Equal(t, ClassTransport, Transport(TagTransportError, nil).Event)
	assert.Equal(t, ClassCore, Popup(TagPopupCancelPopupRequest).Event)
}
