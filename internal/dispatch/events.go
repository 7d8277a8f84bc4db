package dispatch

import "time"

// Event is the closed set of dispatcher notifications. Listeners receive
// concrete variants and type-switch on them; there is no string-keyed
// event registry.
type Event interface {
	dispatcherEvent()
}

// JobQueued fires when a job is appended to its class queue.
type JobQueued struct {
	Job *Job
}

// JobStarted fires when a job transitions queued -> running.
type JobStarted struct {
	Job *Job
}

// JobCompleted is the terminal success event. It fires exactly once per job.
type JobCompleted struct {
	Job      *Job
	Result   interface{}
	Duration time.Duration
}

// JobRetrying fires when a failed job is requeued for another attempt.
type JobRetrying struct {
	Job     *Job
	Err     error
	Attempt int
}

// JobFailed is the terminal failure event. It fires exactly once per job,
// after the attempt budget is exhausted, and carries any partial result the
// handler produced.
type JobFailed struct {
	Job    *Job
	Err    error
	Result interface{}
}

// UserPriorityStarted fires when the outermost user-priority scope begins.
type UserPriorityStarted struct {
	Label string
}

// UserPriorityEnded fires when the outermost user-priority scope exits.
type UserPriorityEnded struct {
	Label string
}

func (JobQueued) dispatcherEvent()           {}
func (JobStarted) dispatcherEvent()          {}
func (JobCompleted) dispatcherEvent()        {}
func (JobRetrying) dispatcherEvent()         {}
func (JobFailed) dispatcherEvent()           {}
func (UserPriorityStarted) dispatcherEvent() {}
func (UserPriorityEnded) dispatcherEvent()   {}

// Listener receives dispatcher events. A panicking listener is isolated and
// never affects other listeners or the dispatcher itself.
type Listener func(Event)
