// Package graph provides the dependency graph backing workflow scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/qefleet/qefleet/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the workflow spec.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Tasks are nodes; edges represent "must complete before" relationships
// and carry the failure policy that decides whether a failed dependency
// still unblocks its dependents.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to the edges it depends on.
	edges map[string][]models.Dependency
	// order maps task ID to its insertion index in the spec, used to
	// break priority ties deterministically.
	order map[string]int
	// succeeded and failed track terminal dependency outcomes.
	succeeded map[string]bool
	failed    map[string]bool
	// defaultPolicy applies to edges without their own policy.
	defaultPolicy models.FailurePolicy
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:         make(map[string]*models.Task),
		edges:         make(map[string][]models.Dependency),
		order:         make(map[string]int),
		succeeded:     make(map[string]bool),
		failed:        make(map[string]bool),
		defaultPolicy: models.FailurePolicyAbort,
		debugLog:      func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from a workflow spec.
// Returns an error if a cycle is detected or dependencies reference unknown tasks.
func (g *DependencyGraph) Build(spec *models.WorkflowSpec) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d tasks", len(spec.Tasks))
	g.defaultPolicy = spec.DefaultPolicy()

	// First pass: register all tasks as nodes.
	for i, task := range spec.Tasks {
		g.nodes[task.ID] = task
		g.order[task.ID] = i
		g.edges[task.ID] = nil
	}

	// Second pass: build edges from DependsOn fields.
	for _, task := range spec.Tasks {
		for _, dep := range task.DependsOn {
			if _, exists := g.nodes[dep.TaskID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, dep.TaskID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], dep)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked is the internal implementation that assumes the lock is held.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, dep := range g.edges[id] {
			switch colors[dep.TaskID] {
			case 1:
				// Back edge - cycle detected.
				return true
			case 0:
				if visit(dep.TaskID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}

	return false
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them.
// Returns an error if the graph contains a cycle.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		for _, dep := range g.edges[id] {
			visit(dep.TaskID)
		}

		result = append(result, id)
	}

	for id := range g.nodes {
		visit(id)
	}

	return result, nil
}

// Ready returns IDs of tasks whose dependencies are all satisfied and that
// have not reached a terminal state themselves. A dependency is satisfied
// when it succeeded, or when it failed and the edge tolerates failure.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string

	for id, task := range g.nodes {
		if task.Status.Terminal() || task.Status == models.TaskStatusDispatched {
			continue
		}

		satisfied := true
		for _, dep := range g.edges[id] {
			if g.succeeded[dep.TaskID] {
				continue
			}
			if g.failed[dep.TaskID] && g.edgePolicyLocked(dep) == models.FailurePolicyContinue {
				g.debugLog("[graph.Ready] task %s: tolerating failed dep %s", id, dep.TaskID)
				continue
			}
			satisfied = false
			break
		}

		if satisfied {
			ready = append(ready, id)
		}
	}

	g.debugLog("[graph.Ready] %d ready tasks: %v", len(ready), ready)
	return ready
}

// edgePolicyLocked resolves the effective policy for an edge.
func (g *DependencyGraph) edgePolicyLocked(dep models.Dependency) models.FailurePolicy {
	if dep.OnFailure != "" {
		return dep.OnFailure
	}
	return g.defaultPolicy
}

// MarkSucceeded records a task's successful completion, unblocking dependents.
func (g *DependencyGraph) MarkSucceeded(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.succeeded[taskID] = true
}

// MarkFailed records a task's terminal failure. Dependents with a
// failure-tolerant edge are still unblocked; others stay blocked.
func (g *DependencyGraph) MarkFailed(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed[taskID] = true
}

// Failed reports whether the given task is recorded as failed.
func (g *DependencyGraph) Failed(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.failed[taskID]
}

// GetTask returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// InsertionIndex returns the spec position of a task, for tie-breaking.
func (g *DependencyGraph) InsertionIndex(taskID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.order[taskID]
}

// Dependencies returns the edges the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []models.Dependency {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// Dependents returns the IDs of tasks that directly depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(taskID)
}

func (g *DependencyGraph) dependentsLocked(taskID string) []string {
	var dependents []string
	for id, deps := range g.edges {
		for _, dep := range deps {
			if dep.TaskID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Descendants returns the transitive closure of dependents of the given
// task: every task that directly or indirectly depends on it.
func (g *DependencyGraph) Descendants(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var result []string

	var visit func(id string)
	visit = func(id string) {
		for _, dep := range g.dependentsLocked(id) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			result = append(result, dep)
			visit(dep)
		}
	}

	visit(taskID)
	return result
}
