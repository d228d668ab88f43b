package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/qefleet/qefleet/pkg/models"
)

func echoWorker() Worker {
	return Func(func(ctx context.Context, tier models.Tier, input map[string]any) (*Result, error) {
		return &Result{
			Output:       map[string]any{"tier": string(tier)},
			QualityScore: 1.0,
			Latency:      time.Millisecond,
		}, nil
	})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("echo", echoWorker()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	w, ok := r.Get("echo")
	if !ok {
		t.Fatal("expected worker to be registered")
	}

	res, err := w.Execute(context.Background(), models.TierFast, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Output["tier"] != "fast" {
		t.Errorf("expected tier fast, got %v", res.Output["tier"])
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("echo", echoWorker()); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register("echo", echoWorker()); err == nil {
		t.Error("expected error registering duplicate ID")
	}
}

func TestRegistryRejectsEmptyIDAndNil(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("", echoWorker()); err == nil {
		t.Error("expected error for empty ID")
	}
	if err := r.Register("x", nil); err == nil {
		t.Error("expected error for nil worker")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(id, echoWorker()); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}

	ids := r.IDs()
	want := []string{"alpha", "mid", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("expected %d IDs, got %d", len(want), len(ids))
	}
	for i, id := range want {
		if ids[i] != id {
			t.Errorf("IDs[%d] = %q, want %q", i, ids[i], id)
		}
	}
}

func TestTransientErrorClassification(t *testing.T) {
	base := fmt.Errorf("rate limited")
	err := Transient(base)

	if !IsTransient(err) {
		t.Error("expected IsTransient to be true")
	}
	if IsPermanent(err) {
		t.Error("expected IsPermanent to be false")
	}
	if !errors.Is(err, base) {
		t.Error("expected wrapped error to unwrap to base")
	}
}

func TestPermanentErrorClassification(t *testing.T) {
	err := Permanent(fmt.Errorf("bad request"))

	if IsTransient(err) {
		t.Error("expected IsTransient to be false")
	}
	if !IsPermanent(err) {
		t.Error("expected IsPermanent to be true")
	}
}

func TestUnmarkedErrorIsNotTransient(t *testing.T) {
	if IsTransient(fmt.Errorf("plain failure")) {
		t.Error("unmarked errors must not be treated as retryable")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestRenderPromptPassthrough(t *testing.T) {
	got, err := renderPrompt(map[string]any{"prompt": "write a test plan"})
	if err != nil {
		t.Fatalf("renderPrompt failed: %v", err)
	}
	if got != "write a test plan" {
		t.Errorf("expected bare prompt passthrough, got %q", got)
	}
}

func TestRenderPromptStructuredInput(t *testing.T) {
	got, err := renderPrompt(map[string]any{"module": "auth", "coverage_target": 80})
	if err != nil {
		t.Fatalf("renderPrompt failed: %v", err)
	}
	if got == "" {
		t.Fatal("expected serialized input")
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if !IsTransient(classifyAPIError(context.DeadlineExceeded)) {
		t.Error("deadline exceeded should be transient")
	}
	if !IsTransient(classifyAPIError(fmt.Errorf("dial tcp: connection refused"))) {
		t.Error("network errors should be transient")
	}
}
