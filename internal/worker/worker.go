// Package worker defines the execution contract for fleet workers and a
// registry for looking them up by ID at dispatch time.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qefleet/qefleet/pkg/models"
)

// Result contains the output of a single worker execution along with the
// observed quality and resource measurements used for reward feedback.
type Result struct {
	Output       map[string]any `json:"output"`
	QualityScore float64        `json:"quality_score"`
	Cost         float64        `json:"cost"`
	Latency      time.Duration  `json:"latency"`
	TokensIn     int64          `json:"tokens_in"`
	TokensOut    int64          `json:"tokens_out"`
}

// Worker executes a task at a given capability tier. Implementations must
// honor ctx cancellation and deadlines, and classify failures as transient
// or permanent so callers can decide whether to retry.
type Worker interface {
	Execute(ctx context.Context, tier models.Tier, input map[string]any) (*Result, error)
}

// Func adapts a plain function to the Worker interface.
type Func func(ctx context.Context, tier models.Tier, input map[string]any) (*Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, tier models.Tier, input map[string]any) (*Result, error) {
	return f(ctx, tier, input)
}

// Registry maps worker IDs to Worker implementations.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker under the given ID. Registering the same ID twice
// returns an error.
func (r *Registry) Register(id string, w Worker) error {
	if id == "" {
		return fmt.Errorf("worker ID cannot be empty")
	}
	if w == nil {
		return fmt.Errorf("worker %q is nil", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[id]; exists {
		return fmt.Errorf("worker %q already registered", id)
	}
	r.workers[id] = w
	return nil
}

// Get returns the worker registered under id.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// IDs returns all registered worker IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
