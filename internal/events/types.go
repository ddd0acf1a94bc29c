// Package events provides event types and publishing infrastructure for taskvault.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// Transaction events

	// EventTxCommitted indicates every write in a transaction is durable.
	EventTxCommitted EventType = "tx_committed"
	// EventTxRolledBack indicates a transaction was discarded or compensated.
	EventTxRolledBack EventType = "tx_rolled_back"

	// Background queue events

	// EventTaskCompleted indicates a background task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskRetrying indicates a failed or timed-out task was requeued.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskFailed indicates a background task exhausted its retries.
	EventTaskFailed EventType = "task_failed"
	// EventTaskEvicted indicates a queued task was dropped for a higher priority one.
	EventTaskEvicted EventType = "task_evicted"

	// EventCircuitState indicates an error boundary changed state.
	EventCircuitState EventType = "circuit_state"
	// EventStrategy indicates the resource allocator switched strategy.
	EventStrategy EventType = "allocation_strategy"
)

// Event represents a published event. Topic is usually a project ID; events
// that are not tied to a project use the component name.
type Event struct {
	Type  EventType `json:"type"`
	Topic string    `json:"topic"`
	Data  any       `json:"data,omitempty"`
	Time  time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, topic string, data any) Event {
	return Event{
		Type:  eventType,
		Topic: topic,
		Data:  data,
		Time:  time.Now(),
	}
}

// TxData is the payload of transaction events.
type TxData struct {
	TxID    string   `json:"tx_id"`
	Targets []string `json:"targets"`
	Error   string   `json:"error,omitempty"`
}

// TaskData is the payload of background task events.
type TaskData struct {
	TaskID     string `json:"task_id"`
	TaskType   string `json:"task_type"`
	Priority   int    `json:"priority"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// CircuitData is the payload of circuit state events.
type CircuitData struct {
	Boundary string `json:"boundary"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// StrategyData is the payload of allocation strategy events.
type StrategyData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}
