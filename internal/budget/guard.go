// Package budget enforces a rolling-window ceiling on background resource
// consumption. User-priority work never consults the guard; background work
// that would exceed its category ceiling is deferred, not dropped.
package budget

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds guard configuration.
type Config struct {
	Window         time.Duration
	DefaultCeiling float64
	Ceilings       map[string]float64
}

// CategoryStatus reports consumption for a single category.
type CategoryStatus struct {
	Ceiling   float64 `json:"ceiling"`
	Spent     float64 `json:"spent"`
	Remaining float64 `json:"remaining"`
}

// Status reports the guard's current window and per-category consumption.
type Status struct {
	Window     time.Duration             `json:"window"`
	ResetAt    time.Time                 `json:"reset_at"`
	Categories map[string]CategoryStatus `json:"categories"`
}

// Guard tracks per-category consumption within a rolling window.
type Guard struct {
	mu          sync.Mutex
	window      time.Duration
	defaultCap  float64
	ceilings    map[string]float64
	spent       map[string]float64
	windowStart time.Time
	now         func() time.Time
	log         zerolog.Logger
}

// New creates a budget guard.
func New(cfg Config, log zerolog.Logger) *Guard {
	return newWithClock(cfg, log, time.Now)
}

// NewWithClock creates a guard with an injected clock. This is primarily
// used for testing window roll-over.
func NewWithClock(cfg Config, log zerolog.Logger, now func() time.Time) *Guard {
	return newWithClock(cfg, log, now)
}

func newWithClock(cfg Config, log zerolog.Logger, now func() time.Time) *Guard {
	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}
	ceilings := make(map[string]float64, len(cfg.Ceilings))
	for k, v := range cfg.Ceilings {
		ceilings[k] = v
	}
	return &Guard{
		window:      window,
		defaultCap:  cfg.DefaultCeiling,
		ceilings:    ceilings,
		spent:       make(map[string]float64),
		windowStart: now(),
		now:         now,
		log:         log.With().Str("component", "budget_guard").Logger(),
	}
}

// CanSpend reports whether the category can absorb the given amount without
// exceeding its ceiling in the current window.
func (g *Guard) CanSpend(category string, amount float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollWindow()
	allowed := g.spent[category]+amount <= g.ceiling(category)
	if !allowed {
		g.log.Debug().
			Str("category", category).
			Float64("amount", amount).
			Float64("spent", g.spent[category]).
			Float64("ceiling", g.ceiling(category)).
			Msg("Budget refused, work deferred")
	}
	return allowed
}

// Record commits actual consumption after execution. The amount may differ
// from the estimate consulted via CanSpend.
func (g *Guard) Record(category string, amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollWindow()
	g.spent[category] += amount
}

// Status reports remaining budget per category and the window reset time.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollWindow()
	categories := make(map[string]CategoryStatus, len(g.ceilings)+len(g.spent))
	for category := range g.ceilings {
		categories[category] = g.categoryStatus(category)
	}
	for category := range g.spent {
		if _, ok := categories[category]; !ok {
			categories[category] = g.categoryStatus(category)
		}
	}

	return Status{
		Window:     g.window,
		ResetAt:    g.windowStart.Add(g.window),
		Categories: categories,
	}
}

// ceiling must be called with the lock held.
func (g *Guard) ceiling(category string) float64 {
	if c, ok := g.ceilings[category]; ok {
		return c
	}
	return g.defaultCap
}

// categoryStatus must be called with the lock held.
func (g *Guard) categoryStatus(category string) CategoryStatus {
	ceiling := g.ceiling(category)
	spent := g.spent[category]
	remaining := ceiling - spent
	if remaining < 0 {
		remaining = 0
	}
	return CategoryStatus{Ceiling: ceiling, Spent: spent, Remaining: remaining}
}

// rollWindow resets counters when the window has elapsed.
// Must be called with the lock held.
func (g *Guard) rollWindow() {
	now := g.now()
	if now.Sub(g.windowStart) < g.window {
		return
	}
	g.spent = make(map[string]float64)
	g.windowStart = now
	g.log.Debug().Time("window_start", now).Msg("Budget window rolled over")
}
