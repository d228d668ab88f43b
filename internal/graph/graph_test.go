package graph

import (
	"errors"
	"testing"

	"github.com/qefleet/qefleet/pkg/models"
)

func specFrom(tasks ...*models.Task) *models.WorkflowSpec {
	return &models.WorkflowSpec{Name: "test", Tasks: tasks}
}

func task(id string, deps ...models.Dependency) *models.Task {
	return &models.Task{ID: id, Type: "step", WorkerID: "w", DependsOn: deps}
}

func dep(id string) models.Dependency {
	return models.Dependency{TaskID: id}
}

func TestBuildSimpleChain(t *testing.T) {
	g := New()
	err := g.Build(specFrom(
		task("a"),
		task("b", dep("a")),
		task("c", dep("b")),
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if g.Size() != 3 {
		t.Errorf("expected 3 nodes, got %d", g.Size())
	}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	g := New()
	err := g.Build(specFrom(task("a", dep("ghost"))))
	if err == nil {
		t.Error("expected error for unknown dependency")
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	g := New()
	err := g.Build(specFrom(
		task("a", dep("c")),
		task("b", dep("a")),
		task("c", dep("b")),
	))
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected, got %v", err)
	}
}

func TestBuildDetectsSelfCycle(t *testing.T) {
	g := New()
	if err := g.Build(specFrom(task("a", dep("a")))); !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected for self-dependency, got %v", err)
	}
}

func TestTopologicalSortRespectsDependencies(t *testing.T) {
	g := New()
	err := g.Build(specFrom(
		task("c", dep("a"), dep("b")),
		task("b", dep("a")),
		task("a"),
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort failed: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("order %v violates dependencies", order)
	}
}

func TestReadyProgressesAsTasksSucceed(t *testing.T) {
	g := New()
	err := g.Build(specFrom(
		task("a"),
		task("b", dep("a")),
		task("c", dep("a")),
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	ready := g.Ready()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}

	g.GetTask("a").Status = models.TaskStatusSucceeded
	g.MarkSucceeded("a")

	ready = g.Ready()
	if len(ready) != 2 {
		t.Errorf("expected b and c ready after a, got %v", ready)
	}
}

func TestReadyBlocksOnFailedDependencyByDefault(t *testing.T) {
	g := New()
	err := g.Build(specFrom(
		task("a"),
		task("b", dep("a")),
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	g.GetTask("a").Status = models.TaskStatusFailed
	g.MarkFailed("a")

	if ready := g.Ready(); len(ready) != 0 {
		t.Errorf("dependent of a failed task must stay blocked, got %v", ready)
	}
}

func TestReadyToleratesFailureOnContinueEdge(t *testing.T) {
	g := New()
	err := g.Build(specFrom(
		task("a"),
		task("b", models.Dependency{TaskID: "a", OnFailure: models.FailurePolicyContinue}),
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	g.GetTask("a").Status = models.TaskStatusFailed
	g.MarkFailed("a")

	ready := g.Ready()
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("continue edge should unblock b, got %v", ready)
	}
}

func TestReadyUsesWorkflowDefaultPolicy(t *testing.T) {
	g := New()
	spec := specFrom(
		task("a"),
		task("b", dep("a")),
	)
	spec.OnFailure = models.FailurePolicyContinue
	if err := g.Build(spec); err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	g.GetTask("a").Status = models.TaskStatusFailed
	g.MarkFailed("a")

	if ready := g.Ready(); len(ready) != 1 {
		t.Errorf("workflow-level continue should unblock b, got %v", ready)
	}
}

func TestDescendantsTransitive(t *testing.T) {
	g := New()
	err := g.Build(specFrom(
		task("a"),
		task("b", dep("a")),
		task("c", dep("b")),
		task("d"),
	))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	desc := g.Descendants("a")
	if len(desc) != 2 {
		t.Fatalf("expected 2 descendants of a, got %v", desc)
	}
	seen := map[string]bool{}
	for _, id := range desc {
		seen[id] = true
	}
	if !seen["b"] || !seen["c"] {
		t.Errorf("expected b and c, got %v", desc)
	}
}

func TestInsertionIndexFollowsSpecOrder(t *testing.T) {
	g := New()
	err := g.Build(specFrom(task("x"), task("y"), task("z")))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if g.InsertionIndex("x") != 0 || g.InsertionIndex("z") != 2 {
		t.Error("insertion indices should follow spec order")
	}
}
