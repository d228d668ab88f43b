package router

import (
	"testing"

	"github.com/qefleet/qefleet/internal/policy"
	"github.com/qefleet/qefleet/pkg/models"
)

func testTiers() []TierOption {
	return []TierOption{
		{Tier: models.TierFast, ExpectedCost: 0.01, ExpectedQuality: 0.6},
		{Tier: models.TierStandard, ExpectedCost: 0.05, ExpectedQuality: 0.8},
		{Tier: models.TierDeep, ExpectedCost: 0.25, ExpectedQuality: 0.95},
	}
}

func newTestRouter(t *testing.T, opts ...Option) (*Router, *policy.Policy) {
	t.Helper()

	p, err := policy.New(0.3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := policy.NewBucketizer([]int{1024, 8192})

	r, err := New(testTiers(), p, b, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r, p
}

func TestNewRequiresTiers(t *testing.T) {
	p, _ := policy.New(0.3)
	b := policy.NewBucketizer(nil)

	if _, err := New(nil, p, b); err == nil {
		t.Error("expected error for empty tier list")
	}
}

func TestColdStartUsesSizeHeuristic(t *testing.T) {
	r, _ := newTestRouter(t)

	tests := []struct {
		size int
		want models.Tier
	}{
		{100, models.TierFast},
		{4096, models.TierStandard},
		{50000, models.TierDeep},
	}

	for _, tt := range tests {
		d := r.SelectTier(Features{TaskType: "gen", InputSize: tt.size})
		if d.Tier != tt.want {
			t.Errorf("size %d: got %s, want %s", tt.size, d.Tier, tt.want)
		}
		if d.Learned {
			t.Errorf("size %d: cold-start decision should not be learned", tt.size)
		}
	}
}

func TestColdStartComplexityOverridesSize(t *testing.T) {
	r, _ := newTestRouter(t)

	d := r.SelectTier(Features{TaskType: "gen", InputSize: 50000, Complexity: "low"})
	if d.Tier != models.TierFast {
		t.Errorf("expected declared complexity to win, got %s", d.Tier)
	}

	d = r.SelectTier(Features{TaskType: "gen", InputSize: 10, Complexity: "high"})
	if d.Tier != models.TierDeep {
		t.Errorf("expected declared complexity to win, got %s", d.Tier)
	}
}

func TestColdStartNeverErrors(t *testing.T) {
	// A brand-new feature bucket must route to the heuristic default,
	// not fail.
	r, _ := newTestRouter(t)

	d := r.SelectTier(Features{TaskType: "never-seen-before", InputSize: 0})
	if d.Tier == "" {
		t.Fatal("expected a tier for an unknown bucket")
	}
	if d.Bucket == "" {
		t.Error("expected the decision to carry its bucket")
	}
}

func TestLearnedTierWinsOverHeuristic(t *testing.T) {
	r, p := newTestRouter(t)

	// Teach the policy that the deep tier pays off for small inputs,
	// against the size heuristic.
	for i := 0; i < 5; i++ {
		_ = p.Update("t", "gen|le1024", models.TierDeep, 0.9)
		_ = p.Update("t", "gen|le1024", models.TierFast, 0.2)
	}

	d := r.SelectTier(Features{TaskType: "gen", InputSize: 100})
	if d.Tier != models.TierDeep {
		t.Errorf("expected learned tier deep, got %s", d.Tier)
	}
	if !d.Learned {
		t.Error("expected a learned decision")
	}
}

func TestSelectionDeterministicOutsideTraining(t *testing.T) {
	r, p := newTestRouter(t)

	for i := 0; i < 5; i++ {
		_ = p.Update("t", "gen|le1024", models.TierStandard, 0.7)
	}

	first := r.SelectTier(Features{TaskType: "gen", InputSize: 100})
	for i := 0; i < 20; i++ {
		d := r.SelectTier(Features{TaskType: "gen", InputSize: 100})
		if d.Tier != first.Tier {
			t.Fatalf("selection not deterministic: got %s then %s", first.Tier, d.Tier)
		}
	}
}

func TestExplorationOnlyInTrainingMode(t *testing.T) {
	// epsilon=1 forces exploration on every call when training.
	r, _ := newTestRouter(t, WithExploration(1.0, 42))

	seen := make(map[models.Tier]bool)
	for i := 0; i < 50; i++ {
		d := r.SelectTier(Features{TaskType: "gen", InputSize: 100})
		seen[d.Tier] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected exploration to visit multiple tiers, saw %v", seen)
	}
}

func TestMinVisitsThreshold(t *testing.T) {
	r, p := newTestRouter(t, WithMinVisits(10))

	// Five samples is plenty for the default threshold but not this one.
	for i := 0; i < 5; i++ {
		_ = p.Update("t", "gen|le1024", models.TierDeep, 0.9)
	}

	d := r.SelectTier(Features{TaskType: "gen", InputSize: 100})
	if d.Learned {
		t.Error("expected cold-start below the raised visit threshold")
	}
	if d.Tier != models.TierFast {
		t.Errorf("expected heuristic tier fast, got %s", d.Tier)
	}
}
