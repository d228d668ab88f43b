package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates all dependencies are satisfied.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusDispatched indicates the task has been handed to a worker.
	TaskStatusDispatched TaskStatus = "dispatched"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed after exhausting retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusDispatched,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state. Terminal tasks
// are never mutated again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Dependency is an edge in the workflow graph: the task identified by
// TaskID must reach a terminal state before the dependent task may run.
type Dependency struct {
	// TaskID is the ID of the task this edge points at.
	TaskID string `json:"task_id" yaml:"task_id"`
	// OnFailure overrides the workflow-level failure policy for this edge.
	// Empty means "use the workflow default".
	OnFailure FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Task represents a unit of work in a workflow.
type Task struct {
	// ID is the unique identifier for this task within its workflow.
	ID string `json:"id" yaml:"id"`
	// Type is the declared task type (e.g. "test_generation"). It is the
	// primary routing feature for tier selection.
	Type string `json:"type" yaml:"type"`
	// WorkerID is the ID of the registered worker bound to this task.
	WorkerID string `json:"worker" yaml:"worker"`
	// Input is the opaque payload handed to the worker.
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
	// DependsOn lists edges to tasks that must complete before this one.
	DependsOn []Dependency `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Priority orders dispatch among simultaneously-ready tasks.
	// Higher runs first; ties fall back to spec insertion order.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Complexity is an optional declared complexity hint ("low", "medium",
	// "high") used by the router's cold-start heuristic.
	Complexity string `json:"complexity,omitempty" yaml:"complexity,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status" yaml:"-"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty" yaml:"-"`
	// Error contains the final error message if the task failed.
	Error string `json:"error,omitempty" yaml:"-"`
	// Tier is the execution tier the router chose, once dispatched.
	Tier Tier `json:"tier,omitempty" yaml:"-"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	// DispatchedAt is when the task was last handed to a worker.
	DispatchedAt *time.Time `json:"dispatched_at,omitempty" yaml:"-"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"-"`
}

// DependencyIDs returns the IDs of the tasks this task depends on.
func (t *Task) DependencyIDs() []string {
	ids := make([]string, 0, len(t.DependsOn))
	for _, d := range t.DependsOn {
		ids = append(ids, d.TaskID)
	}
	return ids
}

// InputSize returns an approximate size of the task input, used as a
// routing feature. It counts key lengths plus the lengths of top-level
// string values.
func (t *Task) InputSize() int {
	size := 0
	for k, v := range t.Input {
		size += len(k)
		if s, ok := v.(string); ok {
			size += len(s)
		}
	}
	return size
}
