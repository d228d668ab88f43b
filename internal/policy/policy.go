// Package policy provides the adaptive learning policy that tunes tier
// routing from observed task outcomes. It keeps a tabular value estimate
// per (feature bucket, tier) pair and an append-only record log, both
// durable across restarts through the SQLite store.
package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/qefleet/qefleet/pkg/models"
)

// cell holds the learned estimate for one (bucket, tier) pair.
type cell struct {
	value  float64
	visits int
}

// Estimate is a read-only view of a learned value.
type Estimate struct {
	// Value is the current expected reward.
	Value float64
	// Visits is the sample count backing the estimate. It doubles as the
	// confidence measure: the router treats low-visit cells as cold.
	Visits int
}

// Record is one routing outcome, appended to the learning log.
type Record struct {
	TaskID    string
	Bucket    string
	Tier      models.Tier
	Reward    float64
	CreatedAt time.Time
}

// Policy is the tabular learning policy.
//
// Updates follow the bounded-step rule Q <- Q + alpha*(reward - Q). With
// a fixed alpha repeated identical rewards converge monotonically toward
// that reward; with decaying alpha early volatile estimates stabilize as
// visits accumulate.
type Policy struct {
	mu    sync.RWMutex
	table map[string]map[models.Tier]*cell

	// alpha is the learning step size when decay is disabled.
	alpha float64
	// decay switches alpha to 1/(1+visits) per cell.
	decay bool

	// store is the optional durable backend. Nil keeps the policy
	// in-memory only (single-run scope).
	store *Store
}

// Option configures a Policy.
type Option func(*Policy)

// WithStore attaches a durable store. Existing values are loaded into
// the table; every update is flushed through.
func WithStore(s *Store) Option {
	return func(p *Policy) { p.store = s }
}

// WithDecayingAlpha makes the step size decay as 1/(1+visits).
func WithDecayingAlpha() Option {
	return func(p *Policy) { p.decay = true }
}

// New creates a Policy with the given fixed learning rate.
func New(alpha float64, opts ...Option) (*Policy, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("policy: alpha must be in (0, 1], got %v", alpha)
	}

	p := &Policy{
		table: make(map[string]map[models.Tier]*cell),
		alpha: alpha,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.store != nil {
		rows, err := p.store.LoadValues()
		if err != nil {
			return nil, fmt.Errorf("policy: load persisted values: %w", err)
		}
		for _, row := range rows {
			tiers, ok := p.table[row.Bucket]
			if !ok {
				tiers = make(map[models.Tier]*cell)
				p.table[row.Bucket] = tiers
			}
			tiers[row.Tier] = &cell{value: row.Value, visits: row.Visits}
		}
	}

	return p, nil
}

// Update folds one observed reward into the (bucket, tier) estimate and
// appends it to the learning log. Reward must be computable at task
// completion; there is no deferred credit assignment.
func (p *Policy) Update(taskID, bucket string, tier models.Tier, reward float64) error {
	p.mu.Lock()

	tiers, ok := p.table[bucket]
	if !ok {
		tiers = make(map[models.Tier]*cell)
		p.table[bucket] = tiers
	}
	c, ok := tiers[tier]
	if !ok {
		c = &cell{}
		tiers[tier] = c
	}

	step := p.alpha
	if p.decay {
		step = 1.0 / float64(1+c.visits)
	}
	c.value += step * (reward - c.value)
	c.visits++

	value, visits := c.value, c.visits
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	if err := p.store.UpsertValue(bucket, tier, value, visits); err != nil {
		return fmt.Errorf("policy: persist value: %w", err)
	}
	if err := p.store.AppendRecord(Record{
		TaskID:    taskID,
		Bucket:    bucket,
		Tier:      tier,
		Reward:    reward,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("policy: append record: %w", err)
	}
	return nil
}

// Estimate returns the current value and sample count for (bucket, tier).
// An unvisited pair reports zero visits.
func (p *Policy) Estimate(bucket string, tier models.Tier) Estimate {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if tiers, ok := p.table[bucket]; ok {
		if c, ok := tiers[tier]; ok {
			return Estimate{Value: c.value, Visits: c.visits}
		}
	}
	return Estimate{}
}

// BestTier returns the candidate tier with the highest estimated reward,
// considering only tiers whose sample count reaches minVisits. The second
// return is false when no candidate qualifies (cold start).
// Candidate order breaks exact value ties, so the result is deterministic
// for a given policy snapshot.
func (p *Policy) BestTier(bucket string, candidates []models.Tier, minVisits int) (models.Tier, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tiers, ok := p.table[bucket]
	if !ok {
		return "", false
	}

	var (
		best     models.Tier
		bestVal  float64
		foundAny bool
	)
	for _, t := range candidates {
		c, ok := tiers[t]
		if !ok || c.visits < minVisits {
			continue
		}
		if !foundAny || c.value > bestVal {
			best = t
			bestVal = c.value
			foundAny = true
		}
	}

	return best, foundAny
}

// Snapshot returns a copy of the full value table, for status reporting.
func (p *Policy) Snapshot() map[string]map[models.Tier]Estimate {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[models.Tier]Estimate, len(p.table))
	for bucket, tiers := range p.table {
		m := make(map[models.Tier]Estimate, len(tiers))
		for tier, c := range tiers {
			m[tier] = Estimate{Value: c.value, Visits: c.visits}
		}
		out[bucket] = m
	}
	return out
}

// Close flushes and closes the durable store, if any.
func (p *Policy) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}
