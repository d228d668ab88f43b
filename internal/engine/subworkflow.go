package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/qefleet/qefleet/internal/worker"
	"github.com/qefleet/qefleet/pkg/models"
)

// SubWorkflow wraps a workflow spec as a worker so whole workflows can be
// composed as tasks inside a parent workflow. Each dispatch builds a fresh
// child run against the shared collaborators; cancellation of the parent
// task cancels the child through the context.
type SubWorkflow struct {
	spec *models.WorkflowSpec
	deps Deps
	opts []Option
}

// NewSubWorkflow validates the child spec eagerly so a bad child fails at
// parent construction time, not mid-run.
func NewSubWorkflow(spec *models.WorkflowSpec, deps Deps, opts ...Option) (*SubWorkflow, error) {
	if _, err := New(spec, deps, opts...); err != nil {
		return nil, err
	}
	return &SubWorkflow{spec: spec, deps: deps, opts: opts}, nil
}

// Execute runs the child workflow and reports the aggregate as a single
// worker result. The tier is ignored: child tasks route through their own
// router decisions. Input is merged into every root task of the child under
// "parent".
func (s *SubWorkflow) Execute(ctx context.Context, _ models.Tier, input map[string]any) (*worker.Result, error) {
	spec := s.instantiate(input)

	wf, err := New(spec, s.deps, s.opts...)
	if err != nil {
		return nil, worker.Permanent(err)
	}
	go drainEvents(wf.Events())

	start := time.Now()
	summary, runErr := wf.Run(ctx)
	if runErr != nil {
		return nil, worker.Transient(fmt.Errorf("child workflow %s cancelled: %w", spec.Name, runErr))
	}
	if summary.Status == models.WorkflowStatusAborted {
		trigger := summary.TriggeredBy
		msg := ""
		if out, ok := summary.Tasks[trigger]; ok {
			msg = out.Error
		}
		return nil, worker.Permanent(fmt.Errorf("child workflow %s aborted by task %s: %s", spec.Name, trigger, msg))
	}

	outputs := make(map[string]any, len(summary.Tasks))
	for id, out := range summary.Tasks {
		if out.Status == models.TaskStatusSucceeded {
			outputs[id] = out.Output
		}
	}

	quality := 0.0
	if len(summary.Tasks) > 0 {
		quality = float64(summary.Succeeded()) / float64(len(summary.Tasks))
	}

	return &worker.Result{
		Output: map[string]any{
			"workflow": spec.Name,
			"status":   string(summary.Status),
			"tasks":    outputs,
		},
		QualityScore: quality,
		Cost:         summary.TotalCost,
		Latency:      time.Since(start),
	}, nil
}

// instantiate clones the child spec for one run, threading the parent task's
// input into tasks that have no dependencies of their own.
func (s *SubWorkflow) instantiate(parentInput map[string]any) *models.WorkflowSpec {
	spec := &models.WorkflowSpec{
		Name:        s.spec.Name,
		OnFailure:   s.spec.OnFailure,
		MaxInFlight: s.spec.MaxInFlight,
		Tasks:       make([]*models.Task, 0, len(s.spec.Tasks)),
	}

	for _, task := range s.spec.Tasks {
		clone := &models.Task{
			ID:         task.ID,
			Type:       task.Type,
			WorkerID:   task.WorkerID,
			Priority:   task.Priority,
			Complexity: task.Complexity,
			DependsOn:  append([]models.Dependency(nil), task.DependsOn...),
			Input:      make(map[string]any, len(task.Input)+1),
		}
		for k, v := range task.Input {
			clone.Input[k] = v
		}
		if len(clone.DependsOn) == 0 && len(parentInput) > 0 {
			clone.Input["parent"] = parentInput
		}
		spec.Tasks = append(spec.Tasks, clone)
	}
	return spec
}

func drainEvents(ch <-chan Event) {
	for range ch {
	}
}

var _ worker.Worker = (*SubWorkflow)(nil)
