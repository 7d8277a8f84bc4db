// Package updates batches values from many independent data-source callbacks
// into one coalesced event per tick, with backpressure and per-source fault
// isolation so a single slow or broken producer cannot degrade the rest.
package updates

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// ErrNoChange is the sentinel a source callback returns when it has nothing
// new to report. It counts as a success for error accounting.
var ErrNoChange = errors.New("no change")

// SourceFunc produces the current value for a key, or ErrNoChange.
type SourceFunc func() (interface{}, error)

// durationHistory bounds the tick-duration window used for the rolling
// average.
const durationHistory = 100

// Config holds coordinator configuration.
type Config struct {
	TickInterval       time.Duration
	MaxPendingKeys     int
	SlowTickThreshold  time.Duration
	ErrorThreshold     int
	DisableOnThreshold bool
}

// Health classifies a single source for observability.
type Health struct {
	Status     string `json:"status"` // healthy, warning, degraded
	ErrorCount int    `json:"error_count"`
	Disabled   bool   `json:"disabled"`
}

// Stats is an observability snapshot of the coordinator.
type Stats struct {
	Running      bool      `json:"running"`
	TickCount    int64     `json:"tick_count"`
	SourceCount  int       `json:"source_count"`
	PendingCount int       `json:"pending_count"`
	AvgTickMs    float64   `json:"avg_tick_ms"`
	MaxTickMs    float64   `json:"max_tick_ms"`
	LastTickAt   time.Time `json:"last_tick_at"`
}

type source struct {
	key        string
	fn         SourceFunc
	errorCount int
	lastValue  interface{}
	warned     bool
	disabled   bool
}

// Coordinator collects values per tick and emits them as one batched event.
type Coordinator struct {
	cfg Config

	mu           sync.Mutex
	sources      map[string]*source
	order        []string // registration order, polled deterministically
	pending      map[string]interface{}
	pendingOrder []string // insertion order, oldest dropped first
	overloaded   bool
	listeners    map[int]Listener
	nextListener int
	tickCount    int64
	lastTickAt   time.Time
	durations    []float64 // seconds, bounded window
	maxDuration  float64
	started      bool

	ticking atomic.Bool

	stop    chan struct{}
	stopped chan struct{}

	log zerolog.Logger
}

// New creates a coordinator.
func New(cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.MaxPendingKeys <= 0 {
		cfg.MaxPendingKeys = 100
	}
	if cfg.SlowTickThreshold <= 0 {
		cfg.SlowTickThreshold = time.Second
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 10
	}
	return &Coordinator{
		cfg:       cfg,
		sources:   make(map[string]*source),
		pending:   make(map[string]interface{}),
		listeners: make(map[int]Listener),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		log:       log.With().Str("component", "update_coordinator").Logger(),
	}
}

// AddListener registers an event listener and returns its removal function.
func (c *Coordinator) AddListener(fn Listener) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Register adds a source callback under a key. Registering an existing key
// replaces its callback and resets its health.
func (c *Coordinator) Register(key string, fn SourceFunc) error {
	if key == "" || fn == nil {
		return fmt.Errorf("source requires a key and a callback")
	}

	c.mu.Lock()
	if _, exists := c.sources[key]; !exists {
		c.order = append(c.order, key)
	}
	c.sources[key] = &source{key: key, fn: fn}
	c.mu.Unlock()

	c.log.Debug().Str("key", key).Msg("Update source registered")
	return nil
}

// Unregister removes a source.
func (c *Coordinator) Unregister(key string) {
	c.mu.Lock()
	if _, exists := c.sources[key]; exists {
		delete(c.sources, key)
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.mu.Unlock()

	c.log.Debug().Str("key", key).Msg("Update source unregistered")
}

// QueueUpdate merges an out-of-band value into the pending buffer, subject
// to the same backpressure policy as polled values.
func (c *Coordinator) QueueUpdate(key string, value interface{}) {
	c.mu.Lock()
	dropped := c.addPendingLocked(key, value)
	warn := c.overloadTransitionLocked(dropped)
	c.mu.Unlock()

	if warn != nil {
		c.emit(*warn)
	}
}

// Start launches the tick loop. Calling Start twice is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		c.log.Warn().Msg("Update coordinator already started, ignoring")
		return
	}
	c.started = true
	c.mu.Unlock()

	go c.run()
	c.log.Info().Dur("tick_interval", c.cfg.TickInterval).Msg("Update coordinator started")
}

// Stop stops the tick loop.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stop)
	<-c.stopped
	c.log.Info().Msg("Update coordinator stopped")
}

func (c *Coordinator) run() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

// Tick polls every registered callback, merges results into the pending
// buffer and flushes it as one batched Update event. A firing while a tick
// is in flight is coalesced, never queued.
func (c *Coordinator) Tick() {
	if !c.ticking.CompareAndSwap(false, true) {
		c.log.Debug().Msg("Tick already in flight, coalesced")
		return
	}
	defer c.ticking.Store(false)

	start := time.Now()

	c.mu.Lock()
	keys := make([]string, len(c.order))
	copy(keys, c.order)
	producers := len(keys)
	c.mu.Unlock()

	var droppedKeys []string
	var warnEvents []Event

	for _, key := range keys {
		c.mu.Lock()
		src, ok := c.sources[key]
		c.mu.Unlock()
		if !ok || src.disabled {
			continue
		}

		value, err := c.invoke(src)

		c.mu.Lock()
		// the source may have been unregistered during the call
		if current, stillThere := c.sources[key]; !stillThere || current != src {
			c.mu.Unlock()
			continue
		}
		if err != nil {
			src.errorCount++
			consecutive := src.errorCount
			event := CallbackError{Key: key, Err: err, Consecutive: consecutive}
			var disabledWarn *CallbackDisabledWarning
			if consecutive >= c.cfg.ErrorThreshold && !src.warned {
				src.warned = true
				if c.cfg.DisableOnThreshold {
					src.disabled = true
				}
				disabledWarn = &CallbackDisabledWarning{Key: key, Failures: consecutive}
			}
			c.mu.Unlock()

			warnEvents = append(warnEvents, event)
			if disabledWarn != nil {
				warnEvents = append(warnEvents, *disabledWarn)
			}
			continue
		}

		src.errorCount = 0
		src.warned = false
		if value != nil {
			src.lastValue = value
			droppedKeys = append(droppedKeys, c.addPendingLocked(key, value)...)
		}
		c.mu.Unlock()
	}

	// flush
	c.mu.Lock()
	warn := c.overloadTransitionLocked(droppedKeys)
	var update *Update
	if len(c.pendingOrder) > 0 {
		update = &Update{
			Values: c.pending,
			Keys:   c.pendingOrder,
		}
		c.pending = make(map[string]interface{})
		c.pendingOrder = nil
		c.overloaded = false
	}
	duration := time.Since(start)
	c.tickCount++
	c.lastTickAt = time.Now()
	c.recordDurationLocked(duration)
	c.mu.Unlock()

	if warn != nil {
		warnEvents = append(warnEvents, *warn)
	}
	for _, e := range warnEvents {
		c.emit(e)
	}
	if update != nil {
		c.emit(*update)
	}
	if duration > c.cfg.SlowTickThreshold {
		c.log.Warn().
			Dur("duration", duration).
			Int("producers", producers).
			Msg("Slow tick")
		c.emit(SlowTickWarning{Duration: duration, Producers: producers})
	}
	flushed := 0
	if update != nil {
		flushed = len(update.Keys)
	}
	c.emit(Tick{Duration: duration, Flushed: flushed})
}

// invoke calls a source callback, converting a panic into an error and
// mapping ErrNoChange to a nil value.
func (c *Coordinator) invoke(src *source) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("source callback panicked: %v", r)
		}
	}()
	v, err := src.fn()
	if errors.Is(err, ErrNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// addPendingLocked merges a value into the pending buffer, dropping the
// oldest keys past the ceiling. Returns the dropped keys, oldest first.
// Must be called with the lock held.
func (c *Coordinator) addPendingLocked(key string, value interface{}) []string {
	if _, exists := c.pending[key]; !exists {
		c.pendingOrder = append(c.pendingOrder, key)
	}
	c.pending[key] = value

	var dropped []string
	for len(c.pendingOrder) > c.cfg.MaxPendingKeys {
		oldest := c.pendingOrder[0]
		c.pendingOrder = c.pendingOrder[1:]
		delete(c.pending, oldest)
		dropped = append(dropped, oldest)
		c.log.Debug().Str("key", oldest).Msg("Pending update dropped under backpressure")
	}
	return dropped
}

// overloadTransitionLocked returns a warning event only on the transition
// into overload. Must be called with the lock held.
func (c *Coordinator) overloadTransitionLocked(dropped []string) *BackpressureWarning {
	if len(dropped) == 0 {
		return nil
	}
	if c.overloaded {
		return nil
	}
	c.overloaded = true
	return &BackpressureWarning{Dropped: dropped, PendingLimit: c.cfg.MaxPendingKeys}
}

// recordDurationLocked updates the bounded duration history.
// Must be called with the lock held.
func (c *Coordinator) recordDurationLocked(d time.Duration) {
	seconds := d.Seconds()
	c.durations = append(c.durations, seconds)
	if len(c.durations) > durationHistory {
		c.durations = c.durations[1:]
	}
	if seconds > c.maxDuration {
		c.maxDuration = seconds
	}
}

// Stats reports running state and tick performance.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	avg := 0.0
	if len(c.durations) > 0 {
		avg = stat.Mean(c.durations, nil)
	}
	return Stats{
		Running:      c.started,
		TickCount:    c.tickCount,
		SourceCount:  len(c.sources),
		PendingCount: len(c.pendingOrder),
		AvgTickMs:    avg * 1000,
		MaxTickMs:    c.maxDuration * 1000,
		LastTickAt:   c.lastTickAt,
	}
}

// CallbackHealth classifies every source as healthy, warning or degraded.
func (c *Coordinator) CallbackHealth() map[string]Health {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Health, len(c.sources))
	for key, src := range c.sources {
		status := "healthy"
		switch {
		case src.errorCount >= c.cfg.ErrorThreshold:
			status = "degraded"
		case src.errorCount > 0:
			status = "warning"
		}
		out[key] = Health{Status: status, ErrorCount: src.errorCount, Disabled: src.disabled}
	}
	return out
}

// emit delivers an event to all listeners, isolating each one.
func (c *Coordinator) emit(event Event) {
	c.mu.Lock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		c.notify(fn, event)
	}
}

func (c *Coordinator) notify(fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Coordinator listener panicked")
		}
	}()
	fn(event)
}
