// Package heartbeat runs the adaptive-interval timer loop that drives the
// dispatcher. It polls slowly when the assistant is quiet and tightens to a
// seconds-scale cadence after a wake signal, reverting once the activity
// window elapses.
package heartbeat

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Mode is the polling cadence the loop is currently in.
type Mode int

const (
	// ModeIdle is the steady-state minutes-scale cadence.
	ModeIdle Mode = iota
	// ModeActive is the seconds-scale cadence entered after a wake signal.
	ModeActive
)

// String returns a human-readable name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeActive:
		return "active"
	default:
		return "unknown"
	}
}

// Outcome classifies a single tick.
type Outcome string

const (
	OutcomeSkip  Outcome = "tick:skip"
	OutcomeJobs  Outcome = "tick:jobs"
	OutcomeError Outcome = "tick:error"
)

// TickFunc checks for due work. It reports whether work was found or
// started. An error is logged as tick:error and the loop continues.
type TickFunc func() (worked bool, err error)

// Config holds heartbeat configuration.
type Config struct {
	IdleInterval   time.Duration
	ActiveInterval time.Duration
	ActiveTimeout  time.Duration
}

// Status is an observability snapshot of the loop.
type Status struct {
	Running        bool      `json:"running"`
	Mode           string    `json:"mode"`
	LastWakeReason string    `json:"last_wake_reason,omitempty"`
	LastTickAt     time.Time `json:"last_tick_at"`
	LastOutcome    Outcome   `json:"last_outcome,omitempty"`
	TickCount      int64     `json:"tick_count"`
}

// Heartbeat is the adaptive dual-interval timer loop. Ticks never overlap:
// a firing while a tick is in flight is coalesced, not queued.
type Heartbeat struct {
	cfg  Config
	tick TickFunc

	wake    chan string
	stop    chan struct{}
	stopped chan struct{}

	// non-reentrant guard: skip-if-busy, never wait-then-run
	ticking atomic.Bool

	mu             sync.Mutex
	mode           Mode
	lastWakeReason string
	lastSignal     time.Time
	lastTickAt     time.Time
	lastOutcome    Outcome
	tickCount      int64
	started        bool

	log zerolog.Logger
}

// New creates a heartbeat. The loop starts in idle mode.
func New(cfg Config, tick TickFunc, log zerolog.Logger) *Heartbeat {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Minute
	}
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = 10 * time.Second
	}
	if cfg.ActiveTimeout <= 0 {
		cfg.ActiveTimeout = 2 * time.Minute
	}
	return &Heartbeat{
		cfg:     cfg,
		tick:    tick,
		wake:    make(chan string, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		mode:    ModeIdle,
		log:     log.With().Str("component", "heartbeat").Logger(),
	}
}

// Start launches the loop. Calling Start twice is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		h.log.Warn().Msg("Heartbeat already started, ignoring")
		return
	}
	h.started = true
	h.mu.Unlock()

	go h.run()
	h.log.Info().
		Dur("idle_interval", h.cfg.IdleInterval).
		Dur("active_interval", h.cfg.ActiveInterval).
		Dur("active_timeout", h.cfg.ActiveTimeout).
		Msg("Heartbeat started")
}

// Stop stops the loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return
	}
	h.started = false
	h.mu.Unlock()

	close(h.stop)
	<-h.stopped
	h.log.Info().Msg("Heartbeat stopped")
}

// Wake forces an immediate out-of-band tick, switches to active mode and
// resets the inactivity timer. Non-blocking; concurrent wakes coalesce.
func (h *Heartbeat) Wake(reason string) {
	h.mu.Lock()
	h.lastSignal = time.Now()
	h.lastWakeReason = reason
	h.mu.Unlock()

	select {
	case h.wake <- reason:
	default:
		// a wake is already pending; the signal timestamp above still counts
	}
}

// Status reports the loop mode and tick bookkeeping.
func (h *Heartbeat) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Running:        h.started,
		Mode:           h.mode.String(),
		LastWakeReason: h.lastWakeReason,
		LastTickAt:     h.lastTickAt,
		LastOutcome:    h.lastOutcome,
		TickCount:      h.tickCount,
	}
}

// run is the timer loop.
func (h *Heartbeat) run() {
	defer close(h.stopped)

	timer := time.NewTimer(h.interval())
	defer timer.Stop()

	for {
		select {
		case <-h.stop:
			return

		case reason := <-h.wake:
			h.setMode(ModeActive)
			h.log.Debug().Str("reason", reason).Msg("Woken out of band")
			h.doTick()
			resetTimer(timer, h.interval())

		case <-timer.C:
			h.maybeRevertToIdle()
			h.doTick()
			resetTimer(timer, h.interval())
		}
	}
}

// doTick executes one due-work check under the skip-if-busy guard.
func (h *Heartbeat) doTick() {
	if !h.ticking.CompareAndSwap(false, true) {
		h.log.Debug().Msg("Tick already in flight, coalesced")
		return
	}
	defer h.ticking.Store(false)

	outcome := h.safeTick()

	h.mu.Lock()
	h.lastTickAt = time.Now()
	h.lastOutcome = outcome
	h.tickCount++
	h.mu.Unlock()

	h.log.Debug().Str("outcome", string(outcome)).Msg("Tick")
}

// safeTick invokes the tick function, containing errors and panics.
func (h *Heartbeat) safeTick() Outcome {
	worked, err := h.callTick()
	if err != nil {
		h.log.Error().Err(err).Msg("Tick failed, loop continues")
		return OutcomeError
	}
	if worked {
		return OutcomeJobs
	}
	return OutcomeSkip
}

func (h *Heartbeat) callTick() (worked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()
	return h.tick()
}

// maybeRevertToIdle drops back to idle when the active window has elapsed
// without a further signal.
func (h *Heartbeat) maybeRevertToIdle() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode != ModeActive {
		return
	}
	if time.Since(h.lastSignal) >= h.cfg.ActiveTimeout {
		h.mode = ModeIdle
		h.log.Debug().Msg("Active window elapsed, reverting to idle cadence")
	}
}

func (h *Heartbeat) setMode(mode Mode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mode != mode {
		h.log.Debug().
			Str("old_mode", h.mode.String()).
			Str("new_mode", mode.String()).
			Msg("Mode changed")
	}
	h.mode = mode
}

func (h *Heartbeat) interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mode == ModeActive {
		return h.cfg.ActiveInterval
	}
	return h.cfg.IdleInterval
}

// resetTimer drains a fired timer before resetting it.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
