package models

import "testing"

func validSpec() *WorkflowSpec {
	return &WorkflowSpec{
		Name: "ok",
		Tasks: []*Task{
			{ID: "a", WorkerID: "w"},
			{ID: "b", WorkerID: "w", DependsOn: []Dependency{{TaskID: "a"}}},
		},
	}
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Errorf("expected valid spec, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*WorkflowSpec)
	}{
		{"no tasks", func(s *WorkflowSpec) { s.Tasks = nil }},
		{"empty task id", func(s *WorkflowSpec) { s.Tasks[0].ID = "" }},
		{"duplicate task id", func(s *WorkflowSpec) { s.Tasks[1].ID = "a" }},
		{"missing worker", func(s *WorkflowSpec) { s.Tasks[0].WorkerID = "" }},
		{"unknown dependency", func(s *WorkflowSpec) { s.Tasks[1].DependsOn[0].TaskID = "ghost" }},
		{"bad workflow policy", func(s *WorkflowSpec) { s.OnFailure = "explode" }},
		{"bad edge policy", func(s *WorkflowSpec) { s.Tasks[1].DependsOn[0].OnFailure = "explode" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(spec)
			if err := spec.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultPolicyIsAbort(t *testing.T) {
	spec := validSpec()
	if spec.DefaultPolicy() != FailurePolicyAbort {
		t.Errorf("expected abort default, got %s", spec.DefaultPolicy())
	}

	spec.OnFailure = FailurePolicyContinue
	if spec.DefaultPolicy() != FailurePolicyContinue {
		t.Errorf("expected continue, got %s", spec.DefaultPolicy())
	}
}

func TestEdgePolicyOverridesDefault(t *testing.T) {
	spec := validSpec()
	spec.OnFailure = FailurePolicyContinue

	edge := Dependency{TaskID: "a", OnFailure: FailurePolicyAbort}
	if spec.EdgePolicy(edge) != FailurePolicyAbort {
		t.Error("edge policy should override workflow default")
	}
	if spec.EdgePolicy(Dependency{TaskID: "a"}) != FailurePolicyContinue {
		t.Error("empty edge policy should fall back to workflow default")
	}
}

func TestParseWorkflowSpec(t *testing.T) {
	data := []byte(`
name: auth-regression
on_failure: continue
max_in_flight: 2
tasks:
  - id: generate
    type: test_generation
    worker: test-generator
    priority: 5
    complexity: high
    input:
      module: auth
  - id: execute
    type: test_execution
    worker: test-executor
    depends_on:
      - task_id: generate
        on_failure: abort
`)

	spec, err := ParseWorkflowSpec(data)
	if err != nil {
		t.Fatalf("ParseWorkflowSpec failed: %v", err)
	}

	if spec.Name != "auth-regression" {
		t.Errorf("name = %q", spec.Name)
	}
	if spec.OnFailure != FailurePolicyContinue {
		t.Errorf("on_failure = %q", spec.OnFailure)
	}
	if spec.MaxInFlight != 2 {
		t.Errorf("max_in_flight = %d", spec.MaxInFlight)
	}
	if len(spec.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(spec.Tasks))
	}

	gen := spec.Tasks[0]
	if gen.Priority != 5 || gen.Complexity != "high" || gen.Input["module"] != "auth" {
		t.Errorf("task fields not parsed: %+v", gen)
	}

	exec := spec.Tasks[1]
	if len(exec.DependsOn) != 1 || exec.DependsOn[0].TaskID != "generate" {
		t.Fatalf("dependency not parsed: %+v", exec.DependsOn)
	}
	if exec.DependsOn[0].OnFailure != FailurePolicyAbort {
		t.Errorf("edge policy not parsed: %+v", exec.DependsOn[0])
	}
}

func TestParseWorkflowSpecRejectsInvalid(t *testing.T) {
	if _, err := ParseWorkflowSpec([]byte("name: empty\ntasks: []\n")); err == nil {
		t.Error("expected error for empty task list")
	}
	if _, err := ParseWorkflowSpec([]byte("{{not yaml")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusReady, TaskStatusDispatched} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTaskInputSize(t *testing.T) {
	task := &Task{Input: map[string]any{
		"module": "auth",
		"count":  3,
	}}
	// "module"+"auth"+"count" = 6+4+5
	if got := task.InputSize(); got != 15 {
		t.Errorf("InputSize = %d, want 15", got)
	}
}
