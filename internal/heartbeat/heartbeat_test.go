package heartbeat

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		IdleInterval:   time.Hour, // effectively never fires on its own
		ActiveInterval: 30 * time.Millisecond,
		ActiveTimeout:  120 * time.Millisecond,
	}
}

func TestHeartbeat_StartsIdle(t *testing.T) {
	h := New(testConfig(), func() (bool, error) { return false, nil }, zerolog.Nop())
	assert.Equal(t, "idle", h.Status().Mode)
}

func TestWake_TriggersImmediateTickAndActiveMode(t *testing.T) {
	var ticks int32
	h := New(testConfig(), func() (bool, error) {
		atomic.AddInt32(&ticks, 1)
		return true, nil
	}, zerolog.Nop())

	h.Start()
	defer h.Stop()

	// idle interval is an hour; only a wake can cause a tick this fast
	h.Wake("goals:updated")
	time.Sleep(50 * time.Millisecond)

	require.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(1))

	status := h.Status()
	assert.Equal(t, "active", status.Mode)
	assert.Equal(t, "goals:updated", status.LastWakeReason)
	assert.Equal(t, OutcomeJobs, status.LastOutcome)
}

func TestActiveMode_TicksAtActiveCadence(t *testing.T) {
	var ticks int32
	h := New(testConfig(), func() (bool, error) {
		atomic.AddInt32(&ticks, 1)
		return false, nil
	}, zerolog.Nop())

	h.Start()
	defer h.Stop()

	h.Wake("test")
	time.Sleep(110 * time.Millisecond)

	// wake tick plus ~3 active-interval ticks
	assert.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(3))
}

func TestActiveTimeout_RevertsToIdle(t *testing.T) {
	h := New(testConfig(), func() (bool, error) { return false, nil }, zerolog.Nop())

	h.Start()
	defer h.Stop()

	h.Wake("test")
	require.Eventually(t, func() bool {
		return h.Status().Mode == "active"
	}, time.Second, 10*time.Millisecond)

	// no further signals: the active window elapses and cadence reverts
	require.Eventually(t, func() bool {
		return h.Status().Mode == "idle"
	}, time.Second, 10*time.Millisecond)
}

func TestTickError_LoopContinues(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)

	var ticks int32
	h := New(testConfig(), func() (bool, error) {
		atomic.AddInt32(&ticks, 1)
		if failing.Load() {
			return false, errors.New("decide blew up")
		}
		return false, nil
	}, zerolog.Nop())

	h.Start()
	defer h.Stop()

	h.Wake("first")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, OutcomeError, h.Status().LastOutcome)

	failing.Store(false)
	h.Wake("second")
	time.Sleep(150 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(2))
	assert.Equal(t, OutcomeSkip, h.Status().LastOutcome)
}

func TestTickPanic_IsContained(t *testing.T) {
	var panicking atomic.Bool
	panicking.Store(true)

	var ticks int32
	h := New(testConfig(), func() (bool, error) {
		atomic.AddInt32(&ticks, 1)
		if panicking.Load() {
			panic("tick exploded")
		}
		return false, nil
	}, zerolog.Nop())

	h.Start()
	defer h.Stop()

	h.Wake("boom")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, OutcomeError, h.Status().LastOutcome)

	panicking.Store(false)
	h.Wake("again")
	time.Sleep(50 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(2))
}

func TestTicksNeverOverlap(t *testing.T) {
	var running, maxRunning, ticks int32
	h := New(Config{
		IdleInterval:   time.Hour,
		ActiveInterval: 10 * time.Millisecond,
		ActiveTimeout:  time.Second,
	}, func() (bool, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		atomic.AddInt32(&ticks, 1)
		time.Sleep(25 * time.Millisecond) // longer than the active interval
		atomic.AddInt32(&running, -1)
		return false, nil
	}, zerolog.Nop())

	h.Start()
	defer h.Stop()

	h.Wake("load")
	for i := 0; i < 20; i++ {
		h.Wake("more")
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
	assert.Greater(t, atomic.LoadInt32(&ticks), int32(1))
}

func TestWake_CoalescesWhilePending(t *testing.T) {
	block := make(chan struct{})
	var ticks int32
	h := New(testConfig(), func() (bool, error) {
		atomic.AddInt32(&ticks, 1)
		<-block
		return false, nil
	}, zerolog.Nop())

	h.Start()
	defer func() {
		close(block)
		h.Stop()
	}()

	h.Wake("a")
	time.Sleep(20 * time.Millisecond)
	// tick in flight; these must neither queue nor block
	h.Wake("b")
	h.Wake("c")
	h.Wake("d")

	assert.Equal(t, "d", h.Status().LastWakeReason)
}
