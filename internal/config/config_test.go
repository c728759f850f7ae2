package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	assert.True(t, s.Popup)
	assert.Equal(t, 5*time.Minute, s.InteractionTimeout)
	assert.Equal(t, ":21325", s.ListenAddr)
	assert.False(t, s.WebUSB)
}

func TestEffectiveInteractionTimeoutDisabledWithoutPopup(t *testing.T) {
	s := Settings{Popup: false, InteractionTimeout: time.Minute}
	assert.Equal(t, time.Duration(0), s.EffectiveInteractionTimeout())

	s.Popup = true
	assert.Equal(t, time.Minute, s.EffectiveInteractionTimeout())
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hwbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webusb: true\nlisten_addr: \":9000\"\n"), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.True(t, s.WebUSB)
	assert.Equal(t, ":9000", s.ListenAddr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hwbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webusb: false\n"), 0o600))

	t.Setenv("HWBRIDGE_WEBUSB", "true")

	s, err := Load(path)
	require.NoError(t, err)
	assert.True(t, s.WebUSB)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.NoError(t, err)
}
