package timeout

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerFiresAfterDuration(t *testing.T) {
	var fired atomic.Bool
	var reason atomic.Value
	tm := New(20*time.Millisecond, func(r string) {
		fired.Store(true)
		reason.Store(r)
	})
	tm.Start()

	assert.Eventually(t, func() bool { return fired.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, Reason, reason.Load())
}

func TestTimerRestartExtendsDeadline(t *testing.T) {
	var fired atomic.Bool
	tm := New(40*time.Millisecond, func(string) { fired.Store(true) })
	tm.Start()

	time.Sleep(25 * time.Millisecond)
	tm.Restart() // pushes the deadline out again
	time.Sleep(25 * time.Millisecond)
	assert.False(t, fired.Load(), "restart should have pushed the deadline past this point")

	assert.Eventually(t, func() bool { return fired.Load() }, time.Second, time.Millisecond)
}

func TestTimerStopPreventsFire(t *testing.T) {
	var fired atomic.Bool
	tm := New(10*time.Millisecond, func(string) { fired.Store(true) })
	tm.Start()
	tm.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.True(t, tm.IsStopped())
}

func TestZeroDurationDisablesTimer(t *testing.T) {
	var fired atomic.Bool
	tm := New(0, func(string) { fired.Store(true) })
	tm.Start()
	time.Sleep(20 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestStopAfterFireIsSafe(t *testing.T) {
	var fired atomic.Bool
	tm := New(10*time.Millisecond, func(string) { fired.Store(true) })
	tm.Start()
	assert.Eventually(t, func() bool { return fired.Load() }, time.Second, time.Millisecond)
	tm.Stop()
	assert.True(t, tm.IsStopped())
}
