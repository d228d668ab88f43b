package fleet

import (
	"context"
	"fmt"

	"github.com/qefleet/qefleet/internal/engine"
	"github.com/qefleet/qefleet/pkg/models"
)

// Stage describes one task in a composed workflow shape.
type Stage struct {
	// ID identifies the stage. Empty IDs are assigned positionally.
	ID string
	// Type is the task type used for routing.
	Type string
	// WorkerID names the registered worker.
	WorkerID string
	// Input is the stage payload.
	Input map[string]any
	// Complexity is the optional routing hint.
	Complexity string
}

func (s Stage) task(index int) *models.Task {
	id := s.ID
	if id == "" {
		id = fmt.Sprintf("stage-%d", index)
	}
	return &models.Task{
		ID:         id,
		Type:       s.Type,
		WorkerID:   s.WorkerID,
		Input:      s.Input,
		Complexity: s.Complexity,
	}
}

// ExecutePipeline runs stages sequentially: each stage depends on the one
// before it and receives its output under "deps".
func (f *Fleet) ExecutePipeline(ctx context.Context, name string, stages []Stage, opts ...engine.Option) (*engine.Summary, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline %q has no stages", name)
	}

	spec := &models.WorkflowSpec{Name: name}
	for i, stage := range stages {
		task := stage.task(i)
		if i > 0 {
			task.DependsOn = []models.Dependency{{TaskID: spec.Tasks[i-1].ID}}
		}
		spec.Tasks = append(spec.Tasks, task)
	}
	return f.Execute(ctx, spec, opts...)
}

// ExecuteParallel runs all stages concurrently with no dependencies.
func (f *Fleet) ExecuteParallel(ctx context.Context, name string, stages []Stage, opts ...engine.Option) (*engine.Summary, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("parallel workflow %q has no stages", name)
	}

	spec := &models.WorkflowSpec{Name: name}
	for i, stage := range stages {
		spec.Tasks = append(spec.Tasks, stage.task(i))
	}
	return f.Execute(ctx, spec, opts...)
}

// ExecuteFanOutFanIn runs the fan stages concurrently, then the join stage
// with every fan stage's output as a dependency. Fan failures are tolerated
// so the join can aggregate partial results.
func (f *Fleet) ExecuteFanOutFanIn(ctx context.Context, name string, fan []Stage, join Stage, opts ...engine.Option) (*engine.Summary, error) {
	if len(fan) == 0 {
		return nil, fmt.Errorf("fan-out workflow %q has no fan stages", name)
	}

	spec := &models.WorkflowSpec{Name: name}
	joinTask := join.task(len(fan))
	for i, stage := range fan {
		task := stage.task(i)
		spec.Tasks = append(spec.Tasks, task)
		joinTask.DependsOn = append(joinTask.DependsOn, models.Dependency{
			TaskID:    task.ID,
			OnFailure: models.FailurePolicyContinue,
		})
	}
	spec.Tasks = append(spec.Tasks, joinTask)
	return f.Execute(ctx, spec, opts...)
}

// ExecuteHierarchical wraps each named child spec as a worker and runs a
// parent workflow whose tasks dispatch the children concurrently.
func (f *Fleet) ExecuteHierarchical(ctx context.Context, name string, children []*models.WorkflowSpec, opts ...engine.Option) (*engine.Summary, error) {
	if len(children) == 0 {
		return nil, fmt.Errorf("hierarchical workflow %q has no children", name)
	}

	spec := &models.WorkflowSpec{Name: name}
	for i, child := range children {
		sub, err := engine.NewSubWorkflow(child, f.deps(), f.engineOptions(opts)...)
		if err != nil {
			return nil, fmt.Errorf("child %q: %w", child.Name, err)
		}

		workerID := fmt.Sprintf("%s/%s", name, child.Name)
		if err := f.registry.Register(workerID, sub); err != nil {
			return nil, fmt.Errorf("registering child %q: %w", child.Name, err)
		}

		spec.Tasks = append(spec.Tasks, &models.Task{
			ID:       fmt.Sprintf("child-%d-%s", i, child.Name),
			Type:     "workflow",
			WorkerID: workerID,
		})
	}
	return f.Execute(ctx, spec, opts...)
}
