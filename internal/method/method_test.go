package method

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope", nil)
	assert.Error(t, err)
}

func TestDefaultRegistryBuildsGetFeatures(t *testing.T) {
	r := NewDefaultRegistry()
	m, err := r.Lookup("getFeatures", []byte(`{"responseID":1}`))
	require.NoError(t, err)
	assert.Equal(t, "getFeatures", m.Name())
	assert.Equal(t, uint32(1), m.ResponseID())
	assert.False(t, m.UseDevice())
}

func TestGetFeaturesRunDeviceless(t *testing.T) {
	m, err := NewGetFeatures([]byte(`{}`))
	require.NoError(t, err)
	result, err := m.Run(context.Background(), &Context{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "core", result.(map[string]any)["vendor"])
}

func TestBaseOverriddenToggle(t *testing.T) {
	b := &Base{}
	assert.False(t, b.Overridden())
	b.SetOverridden(true)
	assert.True(t, b.Overridden())
}

func TestBaseOptionalHooksDefaultToAbsent(t *testing.T) {
	b := &Base{}
	hasHook, _, err := b.Confirmation(context.Background())
	require.NoError(t, err)
	assert.False(t, hasHook)

	hasHook, _, err = b.NoBackupConfirmation(context.Background())
	require.NoError(t, err)
	assert.False(t, hasHook)

	_, ok := b.GetButtonRequestData("anything")
	assert.False(t, ok)

	_, ok = b.GetCustomMessages()
	assert.False(t, ok)

	assert.Nil(t, b.CheckFirmwareRange(true))
}
