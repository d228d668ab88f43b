package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// FailurePolicy controls what happens to a task's dependents when it fails.
type FailurePolicy string

const (
	// FailurePolicyAbort cancels all not-yet-dispatched descendants and
	// marks the workflow aborted.
	FailurePolicyAbort FailurePolicy = "abort"
	// FailurePolicyContinue lets dependents proceed with a placeholder
	// result for the failed dependency.
	FailurePolicyContinue FailurePolicy = "continue"
)

// Valid returns true if the policy is a known value.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailurePolicyAbort, FailurePolicyContinue:
		return true
	default:
		return false
	}
}

// WorkflowStatus represents the state of a workflow run.
type WorkflowStatus string

const (
	// WorkflowStatusRunning indicates the workflow is executing.
	WorkflowStatusRunning WorkflowStatus = "running"
	// WorkflowStatusCompleted indicates all tasks reached a terminal state
	// without triggering an abort.
	WorkflowStatusCompleted WorkflowStatus = "completed"
	// WorkflowStatusAborted indicates a failure under the abort policy
	// stopped the workflow early.
	WorkflowStatusAborted WorkflowStatus = "aborted"
)

// WorkflowSpec is an acyclic graph of tasks submitted for execution.
// A spec is consumed once per run and discarded afterwards.
type WorkflowSpec struct {
	// Name identifies the workflow for logging and events.
	Name string `json:"name" yaml:"name"`
	// Tasks is the full task list. Insertion order breaks priority ties.
	Tasks []*Task `json:"tasks" yaml:"tasks"`
	// OnFailure is the default failure policy for edges that don't set
	// their own. Empty defaults to abort.
	OnFailure FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
	// MaxInFlight bounds concurrent dispatched tasks. Zero means the
	// engine default.
	MaxInFlight int `json:"max_in_flight,omitempty" yaml:"max_in_flight,omitempty"`
}

// DefaultPolicy returns the workflow's failure policy, defaulting to abort.
func (s *WorkflowSpec) DefaultPolicy() FailurePolicy {
	if s.OnFailure == "" {
		return FailurePolicyAbort
	}
	return s.OnFailure
}

// EdgePolicy returns the effective failure policy for the given edge.
func (s *WorkflowSpec) EdgePolicy(dep Dependency) FailurePolicy {
	if dep.OnFailure != "" {
		return dep.OnFailure
	}
	return s.DefaultPolicy()
}

// Validate checks structural validity: non-empty task list, unique IDs,
// known policies, and dependencies that reference declared tasks.
// Cycle detection is the dependency graph's job, not Validate's.
func (s *WorkflowSpec) Validate() error {
	if len(s.Tasks) == 0 {
		return fmt.Errorf("workflow %q has no tasks", s.Name)
	}
	if s.OnFailure != "" && !s.OnFailure.Valid() {
		return fmt.Errorf("workflow %q: unknown failure policy %q", s.Name, s.OnFailure)
	}

	seen := make(map[string]bool, len(s.Tasks))
	for _, task := range s.Tasks {
		if task.ID == "" {
			return fmt.Errorf("workflow %q has a task with no id", s.Name)
		}
		if seen[task.ID] {
			return fmt.Errorf("workflow %q: duplicate task id %q", s.Name, task.ID)
		}
		seen[task.ID] = true
		if task.WorkerID == "" {
			return fmt.Errorf("task %q has no worker", task.ID)
		}
	}

	for _, task := range s.Tasks {
		for _, dep := range task.DependsOn {
			if !seen[dep.TaskID] {
				return fmt.Errorf("task %q depends on unknown task %q", task.ID, dep.TaskID)
			}
			if dep.OnFailure != "" && !dep.OnFailure.Valid() {
				return fmt.Errorf("task %q: unknown failure policy %q on edge to %q", task.ID, dep.OnFailure, dep.TaskID)
			}
		}
	}

	return nil
}

// ParseWorkflowSpec parses a YAML workflow definition and validates it.
func ParseWorkflowSpec(data []byte) (*WorkflowSpec, error) {
	spec := &WorkflowSpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("parse workflow spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}
