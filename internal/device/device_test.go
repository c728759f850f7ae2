package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRunTracksRunningAndUsedHere(t *testing.T) {
	h := NewHandle("p1", "1.2.3")
	assert.False(t, h.IsRunning())
	assert.False(t, h.IsUsedHere())

	var sawRunning bool
	_, err := h.Run(context.Background(), func(ctx context.Context, s *Session) (any, error) {
		sawRunning = h.IsRunning()
		return "ok", nil
	}, RunOptions{})
	require.NoError(t, err)
	assert.True(t, sawRunning)
	assert.False(t, h.IsRunning())
	assert.True(t, h.IsUsedHere())
}

func TestHandleOverriddenRoundTrip(t *testing.T) {
	h := NewHandle("p1", "1.0.0")
	assert.Nil(t, h.Overridden())
	wantErr := errors.New("Method_Override")
	h.Override(wantErr)
	assert.Equal(t, wantErr, h.Overridden())
	h.Cleanup()
	assert.Nil(t, h.Overridden())
}

func TestSessionRequestPinRoundTrip(t *testing.T) {
	h := NewHandle("p1", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		req := <-h.Requests()
		require.Equal(t, EventPin, req.Kind)
		req.Answer("1234", nil)
	}()

	result, err := h.Run(ctx, func(ctx context.Context, s *Session) (any, error) {
		return s.RequestPin(ctx)
	}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1234", result)
}

func TestSessionRequestPassphraseEmptyVariantSkipsRoundTrip(t *testing.T) {
	h := NewHandle("p1", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := h.Run(ctx, func(ctx context.Context, s *Session) (any, error) {
		return s.RequestPassphrase(ctx, true)
	}, RunOptions{})
	require.NoError(t, err)
	ans := result.(PassphraseAnswer)
	assert.Equal(t, "", ans.Passphrase)
}

func TestWaitForFirstRunUnblocks(t *testing.T) {
	h := NewHandle("p1", "1.0.0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.WaitForFirstRun(ctx) }()

	time.Sleep(10 * time.Millisecond)
	h.MarkFirstRunComplete()

	require.NoError(t, <-done)
	assert.True(t, h.IsLoaded())
}

func TestMemoryTransportPlugUnplug(t *testing.T) {
	mt := NewMemoryTransport(KindUSB)
	h := NewHandle("p1", "1.0.0")
	mt.Plug(h)

	devices, err := mt.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)

	ev := <-mt.Events()
	assert.Equal(t, ListConnect, ev.Kind)

	mt.Unplug("p1")
	devices, err = mt.Enumerate(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 0)

	ev = <-mt.Events()
	assert.Equal(t, ListDisconnect, ev.Kind)
}

func TestListAppliesEventsAndClearsPreferredOnDisconnect(t *testing.T) {
	mt := NewMemoryTransport(KindUSB)
	h := NewHandle("p1", "1.0.0")

	l := NewList(mt)
	defer l.Close()

	sub := l.Subscribe()

	// Plug queues a CONNECT on the transport; wait for the List to apply
	// and forward it so the next event on sub is the DISCONNECT below.
	mt.Plug(h)
	select {
	case ev := <-sub:
		require.Equal(t, ListConnect, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect event")
	}
	l.SetPreferred("p1")

	mt.Unplug("p1")

	select {
	case ev := <-sub:
		assert.Equal(t, ListDisconnect, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}

	assert.Eventually(t, func() bool {
		_, ok := l.Preferred()
		return !ok
	}, time.Second, 5*time.Millisecond)

	_, ok := l.Get("p1")
	assert.False(t, ok)
}

func TestDialBridgeRejectsEmptyEndpoint(t *testing.T) {
	_, err := DialBridge("")
	assert.Error(t, err)
}

func TestDialBridgeOK(t *testing.T) {
	bt, err := DialBridge("/tmp/bridge.sock")
	require.NoError(t, err)
	assert.Equal(t, KindBridge, bt.Kind())
	assert.Equal(t, "/tmp/bridge.sock", bt.Endpoint())
}
