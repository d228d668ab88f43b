// Package engine executes workflow specs: it schedules tasks in dependency
// order, routes each to a tier, deduplicates equivalent work through the
// coordination store, and feeds outcomes back to the learning policy.
package engine

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/qefleet/qefleet/pkg/models"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventTaskQueued indicates a task's dependencies are satisfied and it
	// is waiting for dispatch capacity.
	EventTaskQueued EventType = "task_queued"
	// EventTaskDispatched indicates a task has been handed to a worker.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskSucceeded indicates a task completed successfully.
	EventTaskSucceeded EventType = "task_succeeded"
	// EventTaskFailed indicates a task failed after exhausting retries.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled indicates a task was cancelled before completion.
	EventTaskCancelled EventType = "task_cancelled"
	// EventTaskRetrying indicates a transient failure triggered a retry.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskDeduplicated indicates the task reused a result produced by
	// an equivalent in-flight or completed execution.
	EventTaskDeduplicated EventType = "task_deduplicated"
	// EventWorkflowCompleted indicates the run finished without an abort.
	EventWorkflowCompleted EventType = "workflow_completed"
	// EventWorkflowAborted indicates a failure under the abort policy, or
	// an external cancellation, stopped the workflow early.
	EventWorkflowAborted EventType = "workflow_aborted"
)

// Event represents an event emitted during workflow execution.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// WorkflowID is the run this event belongs to.
	WorkflowID string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// WorkerID is the ID of the related worker, if applicable.
	WorkerID string
	// Tier is the execution tier chosen for the task, if applicable.
	Tier models.Tier
	// Attempt is the 1-based attempt number for retry events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Cost is the accumulated cost, for terminal events.
	Cost float64
	// Duration is the elapsed time, for terminal events.
	Duration time.Duration
}

// EventEmitter handles event emission for the engine.
// It provides a simple, thread-safe way to emit events to subscribers.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
		// Channel full, try with timeout
	}

	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[engine] WARNING: Event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
func (e *EventEmitter) Close() {
	close(e.events)
}
