package engine

import (
	"context"
	"time"

	"github.com/qefleet/qefleet/internal/policy"
)

// Option configures a Workflow.
type Option func(*Workflow)

// WithMaxInFlight bounds concurrent dispatched tasks. Zero or negative
// means unlimited. Overrides the spec's own MaxInFlight.
func WithMaxInFlight(n int) Option {
	return func(w *Workflow) { w.maxInFlight = n }
}

// WithMaxRetries sets how many times a transiently-failing task is retried
// before it is marked failed.
func WithMaxRetries(n int) Option {
	return func(w *Workflow) {
		if n >= 0 {
			w.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between retry attempts. The delay
// doubles on each subsequent attempt.
func WithRetryBackoff(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.retryBackoff = d
		}
	}
}

// WithTaskDeadline bounds each dispatch attempt. Zero disables the
// per-attempt deadline.
func WithTaskDeadline(d time.Duration) Option {
	return func(w *Workflow) { w.taskDeadline = d }
}

// WithLockLease sets the dedup lock lease duration. The lease never
// exceeds the task deadline, so a crashed holder's lock expires within the
// attempt window it guards; values above the deadline are clamped.
func WithLockLease(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.lockLease = d
		}
	}
}

// WithResultTTL sets how long task results stay in the coordination store
// for dedup reuse.
func WithResultTTL(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.resultTTL = d
		}
	}
}

// WithPartition places the run's dedup and result state in the given store
// partition. Runs sharing a partition deduplicate against each other.
func WithPartition(p string) Option {
	return func(w *Workflow) { w.partition = p }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithRewardWeights sets the reward blend and scale used for policy
// feedback.
func WithRewardWeights(weights policy.RewardWeights, scale policy.RewardScale) Option {
	return func(w *Workflow) {
		w.rewardWeights = weights
		w.rewardScale = scale
	}
}

// WithClock injects the time source and sleep function, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Workflow) {
		if now != nil {
			w.clock = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// WithEventBuffer sets the emitter channel capacity.
func WithEventBuffer(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.eventBuffer = n
		}
	}
}
