package updates

import "time"

// Event is the closed set of coordinator notifications.
type Event interface {
	coordinatorEvent()
}

// Update is the batched event carrying every value collected since the last
// flush. Keys preserves buffer insertion order.
type Update struct {
	Values map[string]interface{}
	Keys   []string
}

// Tick fires after every tick, whether or not values were flushed.
type Tick struct {
	Duration time.Duration
	Flushed  int
}

// BackpressureWarning fires once on the transition into overload, with the
// keys that were dropped (oldest first).
type BackpressureWarning struct {
	Dropped      []string
	PendingLimit int
}

// CallbackError fires every time a source callback fails or panics.
type CallbackError struct {
	Key         string
	Err         error
	Consecutive int
}

// CallbackDisabledWarning fires once per source when its consecutive-error
// count reaches the threshold. The source stays registered unless
// DisableOnThreshold is set.
type CallbackDisabledWarning struct {
	Key      string
	Failures int
}

// SlowTickWarning fires when a tick exceeds the slow-tick threshold.
type SlowTickWarning struct {
	Duration  time.Duration
	Producers int
}

func (Update) coordinatorEvent()                  {}
func (Tick) coordinatorEvent()                    {}
func (BackpressureWarning) coordinatorEvent()     {}
func (CallbackError) coordinatorEvent()           {}
func (CallbackDisabledWarning) coordinatorEvent() {}
func (SlowTickWarning) coordinatorEvent()         {}

// Listener receives coordinator events. Panicking listeners are isolated.
type Listener func(Event)
