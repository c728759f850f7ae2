package promise

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredResolveIsIdempotent(t *testing.T) {
	d := NewDeferred()
	d.Resolve("first")
	d.Resolve("second")
	d.Reject(errors.New("ignored"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	payload, err := d.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", payload)
}

func TestDeferredReject(t *testing.T) {
	d := NewDeferred()
	wantErr := errors.New("boom")
	d.Reject(wantErr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := d.Await(ctx)
	assert.Equal(t, wantErr, err)
}

func TestDeferredAwaitContextCancel(t *testing.T) {
	d := NewDeferred()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Await(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistryFindFirstIsFIFO(t *testing.T) {
	r := NewRegistry()
	first := r.Create("UI.RECEIVE_PIN")
	second := r.Create("UI.RECEIVE_PIN")

	found := r.FindFirst("UI.RECEIVE_PIN")
	assert.Same(t, first, found)

	first.Resolve("1234")
	found = r.FindFirst("UI.RECEIVE_PIN")
	assert.Same(t, second, found)
}

func TestRegistryFindFirstNoMatch(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.FindFirst("UI.RECEIVE_WORD"))
}

func TestRegistryResolveDisconnected(t *testing.T) {
	r := NewRegistry()
	bound := r.CreateForDevice("UI.RECEIVE_PIN", "p1")
	unbound := r.Create("UI.RECEIVE_WORD")

	tags := r.ResolveDisconnected("p1", "disconnect-payload")
	assert.Equal(t, []string{"UI.RECEIVE_PIN"}, tags)
	assert.True(t, bound.IsDone())
	assert.False(t, unbound.IsDone())
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectAllClears(t *testing.T) {
	r := NewRegistry()
	p1 := r.Create("UI.RECEIVE_PIN")
	p2 := r.Create("UI.RECEIVE_WORD")

	r.RejectAll(errors.New("cancel"))
	assert.True(t, p1.IsDone())
	assert.True(t, p2.IsDone())
	assert.Equal(t, 0, r.Len())
}

func TestPopupPromiseOpenReturnsSameSlotUntilResolved(t *testing.T) {
	pp := NewPopupPromise()
	first := pp.Open()
	second := pp.Open()
	assert.Same(t, first, second)

	pp.Resolve()
	assert.False(t, pp.IsOpen())

	third := pp.Open()
	assert.NotSame(t, first, third)
}

func TestPopupPromiseRejectAndReset(t *testing.T) {
	pp := NewPopupPromise()
	slot := pp.Open()
	pp.RejectAndReset(errors.New("closed"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := slot.Await(ctx)
	assert.Error(t, err)
	assert.False(t, pp.IsOpen())
}
