// Package journal provides the append-only change ledger that decouples
// signal producers from their consumers.
package journal

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChangeEvent represents a single "something changed" signal.
type ChangeEvent struct {
	ID        string                 `json:"id"`
	Domain    Domain                 `json:"domain"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Label returns the "domain:eventType" form used when signaling consumers.
func (e ChangeEvent) Label() string {
	return e.Domain.String() + ":" + e.EventType
}

// EmitOptions carries optional emit metadata.
type EmitOptions struct {
	Source string
}

// Subscriber receives every emitted change event.
type Subscriber func(ChangeEvent)

// Journal is the append-only ledger of change signals. Emit is cheap, never
// returns an error to the caller, and isolates each subscriber: a panicking
// subscriber is logged and the rest still run.
type Journal struct {
	mu      sync.Mutex
	subs    map[int]Subscriber
	nextSub int

	// bounded ring of recent events for diagnostics
	recent []ChangeEvent
	head   int
	count  int

	log zerolog.Logger
}

// New creates a journal retaining the given number of recent events.
func New(recentWindow int, log zerolog.Logger) *Journal {
	if recentWindow <= 0 {
		recentWindow = 1
	}
	return &Journal{
		subs:   make(map[int]Subscriber),
		recent: make([]ChangeEvent, recentWindow),
		log:    log.With().Str("component", "journal").Logger(),
	}
}

// Subscribe registers a subscriber and returns its unsubscribe function.
func (j *Journal) Subscribe(fn Subscriber) func() {
	j.mu.Lock()
	id := j.nextSub
	j.nextSub++
	j.subs[id] = fn
	j.mu.Unlock()

	return func() {
		j.mu.Lock()
		delete(j.subs, id)
		j.mu.Unlock()
	}
}

// Emit records a change event and notifies all subscribers.
func (j *Journal) Emit(domain Domain, eventType string, payload map[string]interface{}, opts *EmitOptions) ChangeEvent {
	event := ChangeEvent{
		ID:        uuid.New().String(),
		Domain:    domain,
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if opts != nil {
		event.Source = opts.Source
	}

	j.mu.Lock()
	j.recent[j.head] = event
	j.head = (j.head + 1) % len(j.recent)
	if j.count < len(j.recent) {
		j.count++
	}
	subs := make([]Subscriber, 0, len(j.subs))
	for _, fn := range j.subs {
		subs = append(subs, fn)
	}
	j.mu.Unlock()

	j.log.Debug().
		Str("domain", domain.String()).
		Str("event_type", eventType).
		Str("source", event.Source).
		Msg("Change recorded")

	for _, fn := range subs {
		j.notify(fn, event)
	}

	return event
}

// notify invokes a single subscriber, containing any panic.
func (j *Journal) notify(fn Subscriber, event ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			j.log.Error().
				Interface("panic", r).
				Str("domain", event.Domain.String()).
				Str("event_type", event.EventType).
				Msg("Journal subscriber panicked")
		}
	}()
	fn(event)
}

// Snapshot returns a read-only copy of the retained recent events,
// oldest first.
func (j *Journal) Snapshot() []ChangeEvent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]ChangeEvent, 0, j.count)
	start := j.head - j.count
	if start < 0 {
		start += len(j.recent)
	}
	for i := 0; i < j.count; i++ {
		out = append(out, j.recent[(start+i)%len(j.recent)])
	}
	return out
}

// SubscriberCount returns the number of active subscribers.
func (j *Journal) SubscriberCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.subs)
}
