package models

// Tier identifies a cost/quality execution option for a task.
// Tiers are ordered from cheapest/least capable to most expensive/most
// capable; the ordering itself lives in configuration.
type Tier string

const (
	// TierFast is the cheapest tier, for simple lookups and small inputs.
	TierFast Tier = "fast"
	// TierStandard is the default tier for typical tasks.
	TierStandard Tier = "standard"
	// TierDeep is the most expensive and most capable tier.
	TierDeep Tier = "deep"
)

// Valid returns true if the tier is a known built-in value.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierStandard, TierDeep:
		return true
	default:
		return false
	}
}
