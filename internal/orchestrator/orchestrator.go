// Package orchestrator is the composition root: the one surface the rest of
// the application talks to. It wires the journal, budget guard, dispatcher,
// heartbeat, update coordinator and channel router together and fans change
// signals out to the AI engine.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/adjutant-app/adjutant/internal/bridge"
	"github.com/adjutant-app/adjutant/internal/budget"
	"github.com/adjutant-app/adjutant/internal/dispatch"
	"github.com/adjutant-app/adjutant/internal/heartbeat"
	"github.com/adjutant-app/adjutant/internal/history"
	"github.com/adjutant-app/adjutant/internal/journal"
	"github.com/adjutant-app/adjutant/internal/updates"
)

// Engine is the AI-engine consumer. Both calls must tolerate being invoked
// frequently; failures are caught and logged by the orchestrator, never
// propagated.
type Engine interface {
	SignalChange(label string) error
	WakeFromRest() error
}

// archiveRetention bounds how far back the history archive keeps rows.
const archiveRetention = 30 * 24 * time.Hour

// Deps are the components the orchestrator composes. Journal, Budget,
// Dispatcher, Heartbeat and Updates are required; Archive and Bridge are
// optional (nil disables them).
type Deps struct {
	Journal    *journal.Journal
	Budget     *budget.Guard
	Dispatcher *dispatch.Dispatcher
	Heartbeat  *heartbeat.Heartbeat
	Updates    *updates.Coordinator
	Archive    *history.Archive
	Bridge     *bridge.Publisher
}

// Status aggregates sub-component status for observability.
type Status struct {
	Started       bool             `json:"started"`
	Heartbeat     heartbeat.Status `json:"heartbeat"`
	Dispatcher    dispatch.Status  `json:"dispatcher"`
	Budget        budget.Status    `json:"budget"`
	Updates       updates.Stats    `json:"updates"`
	JournalEvents int              `json:"journal_events"`
	EngineSet     bool             `json:"engine_set"`
	BridgeOK      *BridgeStats     `json:"bridge,omitempty"`
}

// BridgeStats reports Redis bridge publish counters.
type BridgeStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// Orchestrator owns component lifecycle and the signaling surface.
type Orchestrator struct {
	deps Deps
	cron *cron.Cron

	mu      sync.Mutex
	engine  Engine
	started bool

	unsubJournal  func()
	unsubDispatch func()

	log zerolog.Logger
}

// New creates an orchestrator over already-constructed components.
func New(deps Deps, log zerolog.Logger) (*Orchestrator, error) {
	if deps.Journal == nil || deps.Budget == nil || deps.Dispatcher == nil ||
		deps.Heartbeat == nil || deps.Updates == nil {
		return nil, fmt.Errorf("journal, budget, dispatcher, heartbeat and updates are required")
	}

	o := &Orchestrator{
		deps: deps,
		cron: cron.New(),
		log:  log.With().Str("component", "orchestrator").Logger(),
	}
	if err := o.scheduleMaintenance(); err != nil {
		return nil, err
	}
	return o, nil
}

// RegisterEngine attaches the AI-engine consumer. Passing nil detaches.
func (o *Orchestrator) RegisterEngine(engine Engine) {
	o.mu.Lock()
	o.engine = engine
	o.mu.Unlock()

	if engine == nil {
		o.log.Info().Msg("Engine detached")
		return
	}
	o.log.Info().Msg("Engine attached")
}

// Start launches every component loop. Idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		o.log.Warn().Msg("Orchestrator already started, ignoring")
		return
	}
	o.started = true
	o.mu.Unlock()

	// mirror every journal event to the optional archive and Redis bridge
	o.unsubJournal = o.deps.Journal.Subscribe(o.onJournalEvent)
	o.unsubDispatch = o.deps.Dispatcher.AddListener(o.onDispatchEvent)

	o.deps.Dispatcher.Start()
	o.deps.Heartbeat.Start()
	o.deps.Updates.Start()
	o.cron.Start()

	o.log.Info().Msg("Orchestrator started")
}

// Stop shuts every component loop down. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	<-o.cron.Stop().Done()
	o.deps.Updates.Stop()
	o.deps.Heartbeat.Stop()
	o.deps.Dispatcher.Stop()

	if o.unsubJournal != nil {
		o.unsubJournal()
		o.unsubJournal = nil
	}
	if o.unsubDispatch != nil {
		o.unsubDispatch()
		o.unsubDispatch = nil
	}

	o.log.Info().Msg("Orchestrator stopped")
}

// EmitSignal records a change event, forwards its label to the engine for
// known domains, and always wakes the heartbeat.
func (o *Orchestrator) EmitSignal(domain journal.Domain, eventType string, payload map[string]interface{}, opts *journal.EmitOptions) journal.ChangeEvent {
	event := o.deps.Journal.Emit(domain, eventType, payload, opts)

	if o.engineRelevant(domain) {
		o.signalEngine(event.Label())
	}
	o.deps.Heartbeat.Wake(event.Label())

	return event
}

// NotifyUserActivity records the interaction in the journal, biases the
// dispatcher away from background work, and unconditionally wakes the engine.
func (o *Orchestrator) NotifyUserActivity(reason string, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["reason"] = reason

	o.deps.Journal.Emit(journal.DomainSystem, "user_activity", payload, nil)
	o.deps.Dispatcher.NoteUserActivity(reason)
	o.wakeEngine()
}

// RunWithUserPriority executes fn ahead of queued background work.
func (o *Orchestrator) RunWithUserPriority(label string, fn func() error) error {
	return o.deps.Dispatcher.WithUserPriority(label, fn)
}

// QueueBackgroundJob enqueues a background-class job.
func (o *Orchestrator) QueueBackgroundJob(job *dispatch.Job) error {
	if job != nil {
		job.Class = dispatch.ClassBackground
	}
	return o.deps.Dispatcher.Enqueue(job)
}

// QueueUserJob enqueues a user-class job.
func (o *Orchestrator) QueueUserJob(job *dispatch.Job) error {
	if job != nil {
		job.Class = dispatch.ClassUser
	}
	return o.deps.Dispatcher.Enqueue(job)
}

// Status aggregates every sub-component's snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	started := o.started
	engineSet := o.engine != nil
	o.mu.Unlock()

	status := Status{
		Started:       started,
		Heartbeat:     o.deps.Heartbeat.Status(),
		Dispatcher:    o.deps.Dispatcher.Status(),
		Budget:        o.deps.Budget.Status(),
		Updates:       o.deps.Updates.Stats(),
		JournalEvents: len(o.deps.Journal.Snapshot()),
		EngineSet:     engineSet,
	}
	if o.deps.Bridge != nil {
		published, dropped := o.deps.Bridge.Stats()
		status.BridgeOK = &BridgeStats{Published: published, Dropped: dropped}
	}
	return status
}

// engineRelevant limits engine signaling to the known assistant domains;
// system noise (audits, activity notes) never reaches the engine.
func (o *Orchestrator) engineRelevant(domain journal.Domain) bool {
	return domain.IsKnown() && domain != journal.DomainSystem
}

func (o *Orchestrator) signalEngine(label string) {
	engine := o.currentEngine()
	if engine == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Str("label", label).Msg("Engine SignalChange panicked")
		}
	}()
	if err := engine.SignalChange(label); err != nil {
		o.log.Warn().Err(err).Str("label", label).Msg("Engine SignalChange failed")
	}
}

func (o *Orchestrator) wakeEngine() {
	engine := o.currentEngine()
	if engine == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Msg("Engine WakeFromRest panicked")
		}
	}()
	if err := engine.WakeFromRest(); err != nil {
		o.log.Warn().Err(err).Msg("Engine WakeFromRest failed")
	}
}

func (o *Orchestrator) currentEngine() Engine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.engine
}

// onJournalEvent mirrors one event to the archive and the Redis bridge.
// Failures are contained here; emitters never see them.
func (o *Orchestrator) onJournalEvent(event journal.ChangeEvent) {
	if o.deps.Archive != nil {
		if err := o.deps.Archive.RecordEvent(event); err != nil {
			o.log.Warn().Err(err).Str("label", event.Label()).Msg("Failed to archive journal event")
		}
	}
	o.deps.Bridge.Publish(event)
}

// onDispatchEvent archives terminal job outcomes.
func (o *Orchestrator) onDispatchEvent(event dispatch.Event) {
	if o.deps.Archive == nil {
		return
	}

	var outcome history.JobOutcome
	switch e := event.(type) {
	case dispatch.JobCompleted:
		outcome = history.JobOutcome{
			JobID:      e.Job.ID,
			Kind:       e.Job.Kind,
			Class:      e.Job.Class.String(),
			Category:   e.Job.Category,
			State:      dispatch.StateCompleted.String(),
			Attempts:   e.Job.Attempts + 1,
			Payload:    e.Job.Payload,
			DurationMs: e.Duration.Milliseconds(),
			FinishedAt: time.Now(),
		}
	case dispatch.JobFailed:
		outcome = history.JobOutcome{
			JobID:      e.Job.ID,
			Kind:       e.Job.Kind,
			Class:      e.Job.Class.String(),
			Category:   e.Job.Category,
			State:      dispatch.StateFailed.String(),
			Attempts:   e.Job.Attempts,
			Error:      e.Err.Error(),
			Payload:    e.Job.Payload,
			FinishedAt: time.Now(),
		}
	default:
		return
	}

	if err := o.deps.Archive.RecordJobOutcome(outcome); err != nil {
		o.log.Warn().Err(err).Str("job_id", outcome.JobID).Msg("Failed to archive job outcome")
	}
}

// scheduleMaintenance registers the recurring upkeep jobs: a nightly archive
// prune and an hourly budget audit journal entry.
func (o *Orchestrator) scheduleMaintenance() error {
	if _, err := o.cron.AddFunc("0 3 * * *", o.pruneArchive); err != nil {
		return fmt.Errorf("failed to schedule archive prune: %w", err)
	}
	if _, err := o.cron.AddFunc("@hourly", o.auditBudget); err != nil {
		return fmt.Errorf("failed to schedule budget audit: %w", err)
	}
	return nil
}

func (o *Orchestrator) pruneArchive() {
	if o.deps.Archive == nil {
		return
	}
	removed, err := o.deps.Archive.Prune(archiveRetention)
	if err != nil {
		o.log.Error().Err(err).Msg("Archive prune failed")
		return
	}
	o.log.Info().Int64("rows", removed).Msg("Nightly archive prune completed")
}

func (o *Orchestrator) auditBudget() {
	status := o.deps.Budget.Status()
	categories := make(map[string]interface{}, len(status.Categories))
	for name, c := range status.Categories {
		categories[name] = map[string]interface{}{
			"ceiling":   c.Ceiling,
			"spent":     c.Spent,
			"remaining": c.Remaining,
		}
	}
	o.deps.Journal.Emit(journal.DomainSystem, "budget_audit", map[string]interface{}{
		"reset_at":   status.ResetAt,
		"categories": categories,
	}, nil)
}
