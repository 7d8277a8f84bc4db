package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultJobTimeout is the maximum duration a job can run before its context
// is cancelled.
const DefaultJobTimeout = 5 * time.Minute

// DefaultMaxAttempts bounds how many times a failed job is requeued before it
// is reported permanently failed.
const DefaultMaxAttempts = 3

// Class is the priority class of a job.
type Class int

const (
	// ClassBackground is deferrable work with no immediate user-facing deadline.
	ClassBackground Class = iota
	// ClassUser is latency-sensitive work triggered by user interaction.
	ClassUser
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case ClassBackground:
		return "background"
	case ClassUser:
		return "user"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of a job.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is a unit of work. Run must be safe to retry: the dispatcher requeues
// failed jobs up to MaxAttempts.
type Job struct {
	ID      string
	Class   Class
	Kind    string
	Payload map[string]interface{}

	// Category and Cost feed the budget guard. CanSpend is consulted with
	// Cost before a background start; Record reads Cost again after the run,
	// so a handler that learns its actual cost may update it via the job
	// reference it captured. User-class jobs never touch the budget.
	Category string
	Cost     float64

	Attempts    int
	MaxAttempts int

	Run func(ctx context.Context) (interface{}, error)

	State     State
	CreatedAt time.Time
}

// NewBackgroundJob creates a background-class job.
func NewBackgroundJob(kind, category string, cost float64, run func(ctx context.Context) (interface{}, error)) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Class:       ClassBackground,
		Kind:        kind,
		Category:    category,
		Cost:        cost,
		MaxAttempts: DefaultMaxAttempts,
		Run:         run,
		CreatedAt:   time.Now(),
	}
}

// NewUserJob creates a user-class job.
func NewUserJob(kind string, run func(ctx context.Context) (interface{}, error)) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Class:       ClassUser,
		Kind:        kind,
		MaxAttempts: DefaultMaxAttempts,
		Run:         run,
		CreatedAt:   time.Now(),
	}
}
