// Package router maps a task's features to a cost/quality execution tier.
// It prefers what the learning policy has observed; buckets without
// enough samples fall back to a static heuristic on declared complexity
// and input size.
package router

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/qefleet/qefleet/internal/policy"
	"github.com/qefleet/qefleet/pkg/models"
)

// TierOption is one entry in the router's ordered tier list, cheapest
// and least capable first.
type TierOption struct {
	// Tier is the tier identifier.
	Tier models.Tier
	// ExpectedCost is the configured per-task cost estimate.
	ExpectedCost float64
	// ExpectedQuality is the configured quality estimate (0..1).
	ExpectedQuality float64
}

// Features are the routing inputs extracted from a task.
type Features struct {
	// TaskType is the declared task type.
	TaskType string
	// InputSize is the approximate payload size.
	InputSize int
	// Complexity is the optional declared hint: "low", "medium", "high".
	Complexity string
}

// Decision is the router's answer for one task.
type Decision struct {
	// Tier is the selected execution tier.
	Tier models.Tier
	// ExpectedCost and ExpectedQuality echo the tier's configured
	// estimates.
	ExpectedCost    float64
	ExpectedQuality float64
	// Bucket is the feature bucket the decision was made for. The engine
	// reuses it when feeding the outcome back to the policy.
	Bucket string
	// Learned is true when the policy drove the choice rather than the
	// cold-start heuristic or exploration.
	Learned bool
}

// Router selects execution tiers. Selection is deterministic for a given
// policy snapshot and input; the only randomness is the explicit
// exploration probability, active in training mode only.
type Router struct {
	tiers     []TierOption
	policy    *policy.Policy
	bucketer  *policy.Bucketizer
	minVisits int

	// training enables epsilon-greedy exploration.
	training bool
	epsilon  float64
	rngMu    sync.Mutex
	rng      *rand.Rand

	// smallInput and largeInput are the heuristic size thresholds.
	smallInput int
	largeInput int
}

// Option configures a Router.
type Option func(*Router)

// WithMinVisits sets the confidence threshold below which a bucket is
// treated as cold. Default 3.
func WithMinVisits(n int) Option {
	return func(r *Router) { r.minVisits = n }
}

// WithExploration enables training mode with the given exploration
// probability and RNG seed. Outside training mode epsilon is ignored.
func WithExploration(epsilon float64, seed int64) Option {
	return func(r *Router) {
		r.training = true
		r.epsilon = epsilon
		r.rng = rand.New(rand.NewSource(seed))
	}
}

// WithSizeThresholds sets the heuristic input-size boundaries for the
// cold-start fallback. Defaults are 1024 and 8192.
func WithSizeThresholds(small, large int) Option {
	return func(r *Router) {
		r.smallInput = small
		r.largeInput = large
	}
}

// New creates a Router over the given ordered tier list. A nil policy
// disables learned selection; every decision falls through to the
// cold-start heuristic.
func New(tiers []TierOption, p *policy.Policy, b *policy.Bucketizer, opts ...Option) (*Router, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("router: at least one tier is required")
	}

	if b == nil {
		b = policy.NewBucketizer(nil)
	}

	r := &Router{
		tiers:      tiers,
		policy:     p,
		bucketer:   b,
		minVisits:  3,
		smallInput: 1024,
		largeInput: 8192,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Tiers returns the ordered tier identifiers.
func (r *Router) Tiers() []models.Tier {
	ids := make([]models.Tier, len(r.tiers))
	for i, t := range r.tiers {
		ids[i] = t.Tier
	}
	return ids
}

// SelectTier picks the execution tier for the given features.
func (r *Router) SelectTier(f Features) Decision {
	bucket := r.bucketer.Bucket(f.TaskType, f.InputSize)

	if r.training && r.epsilon > 0 {
		r.rngMu.Lock()
		explore := r.rng.Float64() < r.epsilon
		var pick int
		if explore {
			pick = r.rng.Intn(len(r.tiers))
		}
		r.rngMu.Unlock()
		if explore {
			return r.decision(r.tiers[pick], bucket, false)
		}
	}

	if r.policy != nil {
		if best, ok := r.policy.BestTier(bucket, r.Tiers(), r.minVisits); ok {
			for _, t := range r.tiers {
				if t.Tier == best {
					return r.decision(t, bucket, true)
				}
			}
		}
	}

	// Cold start: no tier in this bucket has enough samples yet.
	return r.decision(r.heuristicTier(f), bucket, false)
}

// heuristicTier is the static cold-start fallback: declared complexity
// wins, otherwise input size decides.
func (r *Router) heuristicTier(f Features) TierOption {
	switch f.Complexity {
	case "low":
		return r.tiers[0]
	case "high":
		return r.tiers[len(r.tiers)-1]
	case "medium":
		return r.tiers[len(r.tiers)/2]
	}

	switch {
	case f.InputSize <= r.smallInput:
		return r.tiers[0]
	case f.InputSize >= r.largeInput:
		return r.tiers[len(r.tiers)-1]
	default:
		return r.tiers[len(r.tiers)/2]
	}
}

func (r *Router) decision(t TierOption, bucket string, learned bool) Decision {
	return Decision{
		Tier:            t.Tier,
		ExpectedCost:    t.ExpectedCost,
		ExpectedQuality: t.ExpectedQuality,
		Bucket:          bucket,
		Learned:         learned,
	}
}
