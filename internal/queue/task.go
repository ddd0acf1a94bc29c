package queue

import (
	"context"
	"time"
)

// Handler performs a background task. The context is cancelled when the
// task's timeout elapses; handlers should return promptly once it is done.
type Handler func(ctx context.Context, data any) error

// Task is a unit of deferred work submitted to the queue.
type Task struct {
	// ID is generated when empty.
	ID       string  `validate:"omitempty,max=128"`
	Type     string  `validate:"required,max=64"`
	Handler  Handler `validate:"required"`
	Data     any
	Priority int

	// MaxRetries is the number of re-executions after a failed attempt.
	// Zero means the queue default; NoRetries disables retrying.
	MaxRetries int `validate:"gte=-1,lte=100"`
	// Timeout bounds each attempt. Zero means the queue default.
	Timeout time.Duration `validate:"gte=0"`

	// Difficulty (0-10) and EstimatedDuration feed resource admission.
	Difficulty        int           `validate:"gte=0,lte=10"`
	EstimatedDuration time.Duration `validate:"gte=0"`
}

// NoRetries as Task.MaxRetries makes the first failure permanent.
const NoRetries = -1

// State is where a task is in its lifecycle.
type State string

const (
	StateQueued            State = "queued"
	StateInFlight          State = "in_flight"
	StateCompleted         State = "completed"
	StatePermanentlyFailed State = "permanently_failed"
)

// entry is a task as held by the queue.
type entry struct {
	task       Task
	retryCount int
	maxRetries int
	timeout    time.Duration
	enqueuedAt time.Time
	seq        uint64
	state      State
	lastError  string

	// index in the heap, managed by heap.Interface
	index int
}

// Info describes a queued or running task without exposing its handler.
type Info struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Priority   int           `json:"priority"`
	RetryCount int           `json:"retry_count"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	State      State         `json:"state"`
	LastError  string        `json:"last_error,omitempty"`
}

func (e *entry) info() Info {
	return Info{
		ID:         e.task.ID,
		Type:       e.task.Type,
		Priority:   e.task.Priority,
		RetryCount: e.retryCount,
		MaxRetries: e.maxRetries,
		Timeout:    e.timeout,
		EnqueuedAt: e.enqueuedAt,
		State:      e.state,
		LastError:  e.lastError,
	}
}
