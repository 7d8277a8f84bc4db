// Package dispatch is the single execution authority for assistant work.
// It runs at most one job at a time, gives user-class jobs absolute
// precedence, defers background work behind the budget guard, and supports
// a reentrant user-priority scope that withholds new background dispatch.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BudgetChecker gates background job starts and records actual consumption.
type BudgetChecker interface {
	CanSpend(category string, amount float64) bool
	Record(category string, amount float64)
}

// Config holds dispatcher configuration.
type Config struct {
	MaxAttempts      int
	ActivityCooldown time.Duration
	JobTimeout       time.Duration
}

// Status is an observability snapshot of the dispatcher.
type Status struct {
	Started            bool       `json:"started"`
	UserQueueDepth     int        `json:"user_queue_depth"`
	BackgroundDepth    int        `json:"background_queue_depth"`
	RunningJobID       string     `json:"running_job_id,omitempty"`
	RunningJobKind     string     `json:"running_job_kind,omitempty"`
	Completed          int        `json:"completed"`
	Failed             int        `json:"failed"`
	UserPriorityActive bool       `json:"user_priority_active"`
	LastUserActivity   *time.Time `json:"last_user_activity,omitempty"`
	LastActivityReason string     `json:"last_activity_reason,omitempty"`
}

// Dispatcher owns the job queues and the execution loop.
type Dispatcher struct {
	budget           BudgetChecker
	maxAttempts      int
	activityCooldown time.Duration
	jobTimeout       time.Duration

	mu                sync.Mutex
	userQueue         []*Job
	backgroundQueue   []*Job
	running           *Job
	userPriorityDepth int
	scopeLabel        string
	lastUserActivity  time.Time
	activityReason    string
	completed         int
	failed            int
	listeners         map[int]Listener
	nextListener      int
	started           bool

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	now func() time.Time
	log zerolog.Logger
}

// New creates a dispatcher. The budget checker may not be nil.
func New(budget BudgetChecker, cfg Config, log zerolog.Logger) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Dispatcher{
		budget:           budget,
		maxAttempts:      maxAttempts,
		activityCooldown: cfg.ActivityCooldown,
		jobTimeout:       timeout,
		listeners:        make(map[int]Listener),
		trigger:          make(chan struct{}, 1),
		done:             make(chan struct{}, 1),
		stop:             make(chan struct{}),
		stopped:          make(chan struct{}),
		now:              time.Now,
		log:              log.With().Str("component", "dispatcher").Logger(),
	}
}

// AddListener registers an event listener and returns its removal function.
func (d *Dispatcher) AddListener(fn Listener) func() {
	d.mu.Lock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Start launches the execution loop. Calling Start twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.log.Warn().Msg("Dispatcher already started, ignoring")
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.run()
	d.log.Info().Msg("Dispatcher started")
}

// Stop stops the execution loop. In-flight jobs are allowed to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()

	close(d.stop)
	<-d.stopped
	d.log.Info().Msg("Dispatcher stopped")
}

// Trigger wakes the loop to check for dispatchable work.
// Non-blocking; safe from any goroutine.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
		// trigger already pending
	}
}

// Enqueue appends a job to its class queue.
func (d *Dispatcher) Enqueue(job *Job) error {
	if job == nil || job.Run == nil {
		return fmt.Errorf("job must have a run function")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = d.maxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = d.now()
	}
	job.State = StateQueued

	d.mu.Lock()
	switch job.Class {
	case ClassUser:
		d.userQueue = append(d.userQueue, job)
	default:
		d.backgroundQueue = append(d.backgroundQueue, job)
	}
	d.mu.Unlock()

	d.log.Debug().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Str("class", job.Class.String()).
		Msg("Job enqueued")

	d.emit(JobQueued{Job: job})
	d.Trigger()
	return nil
}

// WithUserPriority executes fn immediately, ahead of queued background work.
// While any scope is active no new background job starts; nested scopes
// compose and the suspension lasts until the outermost scope exits.
// An already-running background job is allowed to finish.
func (d *Dispatcher) WithUserPriority(label string, fn func() error) error {
	d.beginUserPriority(label)
	defer d.endUserPriority()
	return fn()
}

func (d *Dispatcher) beginUserPriority(label string) {
	d.mu.Lock()
	d.userPriorityDepth++
	outermost := d.userPriorityDepth == 1
	if outermost {
		d.scopeLabel = label
	}
	d.mu.Unlock()

	if outermost {
		d.log.Debug().Str("label", label).Msg("User-priority scope entered")
		d.emit(UserPriorityStarted{Label: label})
	}
}

func (d *Dispatcher) endUserPriority() {
	d.mu.Lock()
	d.userPriorityDepth--
	ended := d.userPriorityDepth == 0
	outerLabel := d.scopeLabel
	d.mu.Unlock()

	if ended {
		d.log.Debug().Str("label", outerLabel).Msg("User-priority scope exited")
		d.emit(UserPriorityEnded{Label: outerLabel})
		// background work queued during the scope is eligible again
		d.Trigger()
	}
}

// NoteUserActivity records a recency signal that biases scheduling away from
// starting new background work right after user interaction.
func (d *Dispatcher) NoteUserActivity(reason string) {
	d.mu.Lock()
	d.lastUserActivity = d.now()
	d.activityReason = reason
	d.mu.Unlock()

	d.log.Debug().Str("reason", reason).Msg("User activity noted")
}

// HasEligibleWork reports whether a dispatch opportunity exists right now.
// The heartbeat uses this to classify a tick as skip or jobs.
func (d *Dispatcher) HasEligibleWork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.userQueue) > 0 {
		return true
	}
	if !d.backgroundAllowed() {
		return false
	}
	for _, job := range d.backgroundQueue {
		if d.budget.CanSpend(job.Category, job.Cost) {
			return true
		}
	}
	return false
}

// Status returns queue depths, the running job, and counters.
func (d *Dispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	status := Status{
		Started:            d.started,
		UserQueueDepth:     len(d.userQueue),
		BackgroundDepth:    len(d.backgroundQueue),
		Completed:          d.completed,
		Failed:             d.failed,
		UserPriorityActive: d.userPriorityDepth > 0,
		LastActivityReason: d.activityReason,
	}
	if d.running != nil {
		status.RunningJobID = d.running.ID
		status.RunningJobKind = d.running.Kind
	}
	if !d.lastUserActivity.IsZero() {
		t := d.lastUserActivity
		status.LastUserActivity = &t
	}
	return status
}

// run is the execution loop.
func (d *Dispatcher) run() {
	defer close(d.stopped)

	for {
		select {
		case <-d.stop:
			return
		case <-d.trigger:
			d.processOne()
		case <-d.done:
			d.processOne()
		}
	}
}

// processOne starts at most one job: user class first, background only when
// no scope is active, the activity cooldown has passed, and the budget agrees.
func (d *Dispatcher) processOne() {
	d.mu.Lock()
	if d.running != nil {
		d.mu.Unlock()
		return
	}

	job := d.nextJobLocked()
	if job == nil {
		d.mu.Unlock()
		return
	}
	job.State = StateRunning
	d.running = job
	d.mu.Unlock()

	d.log.Debug().
		Str("job_id", job.ID).
		Str("kind", job.Kind).
		Str("class", job.Class.String()).
		Int("attempt", job.Attempts+1).
		Msg("Job started")
	d.emit(JobStarted{Job: job})

	go d.execute(job)
}

// nextJobLocked picks the next dispatchable job. Must be called with the
// lock held; never yields between dequeue and the caller marking running.
func (d *Dispatcher) nextJobLocked() *Job {
	if len(d.userQueue) > 0 {
		job := d.userQueue[0]
		d.userQueue = d.userQueue[1:]
		return job
	}

	if !d.backgroundAllowed() {
		return nil
	}

	for i, job := range d.backgroundQueue {
		if !d.budget.CanSpend(job.Category, job.Cost) {
			// over budget: deferred in place, retried at the next opportunity
			continue
		}
		d.backgroundQueue = append(d.backgroundQueue[:i], d.backgroundQueue[i+1:]...)
		return job
	}
	return nil
}

// backgroundAllowed must be called with the lock held.
func (d *Dispatcher) backgroundAllowed() bool {
	if d.userPriorityDepth > 0 {
		return false
	}
	if d.activityCooldown > 0 && !d.lastUserActivity.IsZero() {
		if d.now().Sub(d.lastUserActivity) < d.activityCooldown {
			return false
		}
	}
	return true
}

// execute runs a job to a terminal or requeued state. Handler panics are
// contained; the dispatcher itself never crashes.
func (d *Dispatcher) execute(job *Job) {
	started := d.now()

	ctx, cancel := context.WithTimeout(context.Background(), d.jobTimeout)
	result, err := d.runHandler(ctx, job)
	cancel()

	duration := d.now().Sub(started)

	d.mu.Lock()
	d.running = nil
	if err == nil {
		job.State = StateCompleted
		d.completed++
	} else {
		job.Attempts++
		if job.Attempts < job.MaxAttempts {
			job.State = StateQueued
			d.backgroundRequeueLocked(job)
		} else {
			job.State = StateFailed
			d.failed++
		}
	}
	d.mu.Unlock()

	switch {
	case err == nil:
		if job.Class == ClassBackground {
			d.budget.Record(job.Category, job.Cost)
		}
		d.log.Info().
			Str("job_id", job.ID).
			Str("kind", job.Kind).
			Dur("duration", duration).
			Msg("Job completed")
		d.emit(JobCompleted{Job: job, Result: result, Duration: duration})
	case job.State == StateQueued:
		d.log.Warn().
			Err(err).
			Str("job_id", job.ID).
			Str("kind", job.Kind).
			Int("attempt", job.Attempts).
			Msg("Job failed, requeued")
		d.emit(JobRetrying{Job: job, Err: err, Attempt: job.Attempts})
	default:
		d.log.Error().
			Err(err).
			Str("job_id", job.ID).
			Str("kind", job.Kind).
			Int("attempts", job.Attempts).
			Msg("Job permanently failed")
		d.emit(JobFailed{Job: job, Err: err, Result: result})
	}

	// signal the loop to look for the next job
	select {
	case d.done <- struct{}{}:
	default:
	}
}

// backgroundRequeueLocked puts a retryable job back on its queue.
// Must be called with the lock held.
func (d *Dispatcher) backgroundRequeueLocked(job *Job) {
	if job.Class == ClassUser {
		d.userQueue = append(d.userQueue, job)
		return
	}
	d.backgroundQueue = append(d.backgroundQueue, job)
}

// runHandler invokes the job handler, converting a panic into an error.
func (d *Dispatcher) runHandler(ctx context.Context, job *Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// emit delivers an event to all listeners, isolating each one.
func (d *Dispatcher) emit(event Event) {
	d.mu.Lock()
	listeners := make([]Listener, 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, fn := range listeners {
		d.notify(fn, event)
	}
}

func (d *Dispatcher) notify(fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("Dispatcher listener panicked")
		}
	}()
	fn(event)
}
