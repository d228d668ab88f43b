package policy

import "time"

// RewardWeights blends quality against normalized cost and latency.
// The weights are configuration, not constants: the right balance between
// "good answers" and "cheap answers" is a deployment decision.
type RewardWeights struct {
	// Quality weights the worker-reported quality score (0..1).
	Quality float64 `mapstructure:"quality"`
	// Cost weights the normalized dollar cost penalty.
	Cost float64 `mapstructure:"cost"`
	// Latency weights the normalized wall-time penalty.
	Latency float64 `mapstructure:"latency"`
}

// RewardScale supplies the normalization denominators for cost and
// latency so they land on the same 0..1 scale as quality.
type RewardScale struct {
	// MaxCost is the cost treated as a full (1.0) penalty.
	MaxCost float64 `mapstructure:"max_cost"`
	// MaxLatency is the latency treated as a full (1.0) penalty.
	MaxLatency time.Duration `mapstructure:"max_latency"`
}

// DefaultRewardWeights favors quality with mild cost and latency pressure.
func DefaultRewardWeights() RewardWeights {
	return RewardWeights{Quality: 0.7, Cost: 0.2, Latency: 0.1}
}

// DefaultRewardScale normalizes against a $1 task and a 5 minute run.
func DefaultRewardScale() RewardScale {
	return RewardScale{MaxCost: 1.0, MaxLatency: 5 * time.Minute}
}

// Reward combines a task outcome into a single scalar:
// quality contributes positively, cost and latency subtract, each
// clamped to 1.0 so one runaway dimension cannot dominate.
// Failed tasks should pass quality 0.
func Reward(quality, cost float64, latency time.Duration, w RewardWeights, scale RewardScale) float64 {
	costPenalty := 0.0
	if scale.MaxCost > 0 {
		costPenalty = clamp01(cost / scale.MaxCost)
	}
	latencyPenalty := 0.0
	if scale.MaxLatency > 0 {
		latencyPenalty = clamp01(float64(latency) / float64(scale.MaxLatency))
	}

	return w.Quality*clamp01(quality) - w.Cost*costPenalty - w.Latency*latencyPenalty
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
