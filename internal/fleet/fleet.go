// Package fleet wires the coordination store, router, policy, and worker
// registry into a single facade and offers the common workflow shapes:
// pipelines, parallel batches, fan-out/fan-in, and hierarchical composition.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qefleet/qefleet/internal/config"
	"github.com/qefleet/qefleet/internal/engine"
	"github.com/qefleet/qefleet/internal/memory"
	"github.com/qefleet/qefleet/internal/policy"
	"github.com/qefleet/qefleet/internal/router"
	"github.com/qefleet/qefleet/internal/worker"
	"github.com/qefleet/qefleet/pkg/models"
)

// Metrics aggregates outcomes across every run the fleet has executed.
type Metrics struct {
	WorkflowsExecuted int     `json:"workflows_executed"`
	WorkflowsAborted  int     `json:"workflows_aborted"`
	TasksSucceeded    int     `json:"tasks_succeeded"`
	TasksFailed       int     `json:"tasks_failed"`
	TotalCost         float64 `json:"total_cost"`
}

// Fleet is the orchestration facade. Create one with New, register
// workers, then submit workflows.
type Fleet struct {
	cfg      *config.Config
	store    memory.Store
	local    *memory.Local
	policy   *policy.Policy
	router   *router.Router
	registry *worker.Registry
	logger   *engine.DebugLogger

	mu      sync.Mutex
	metrics Metrics
}

// Option configures a Fleet.
type Option func(*options)

type options struct {
	store   memory.Store
	logger  *engine.DebugLogger
	noStore bool
	seed    int64
	seedSet bool
}

// WithStore injects a coordination store, overriding the config's choice.
func WithStore(s memory.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the debug logger shared by all runs.
func WithLogger(l *engine.DebugLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithoutPersistence keeps the learning policy in memory only, skipping
// the on-disk database.
func WithoutPersistence() Option {
	return func(o *options) { o.noStore = true }
}

// WithExplorationSeed fixes the training-mode exploration seed.
func WithExplorationSeed(seed int64) Option {
	return func(o *options) {
		o.seed = seed
		o.seedSet = true
	}
}

// New builds a fleet from configuration. The coordination store comes from
// the Redis settings when enabled, otherwise an in-process store is used.
func New(cfg *config.Config, opts ...Option) (*Fleet, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	f := &Fleet{
		cfg:      cfg,
		registry: worker.NewRegistry(),
		logger:   o.logger,
	}
	if f.logger == nil {
		f.logger = engine.NopLogger()
	}

	if o.store != nil {
		f.store = o.store
		if local, ok := o.store.(*memory.Local); ok {
			f.local = local
		}
	} else if cfg.Redis.Enabled {
		store, err := memory.NewRedis(context.Background(), memory.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		f.store = store
	} else {
		f.local = memory.NewLocal()
		f.store = f.local
	}

	polOpts := []policy.Option{}
	if cfg.Learning.DecayAlpha {
		polOpts = append(polOpts, policy.WithDecayingAlpha())
	}
	if !o.noStore {
		dbPath := cfg.Learning.DBPath
		if dbPath == "" {
			dbPath = policy.DefaultDBPath()
		}
		store, err := policy.OpenStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("opening policy store: %w", err)
		}
		polOpts = append(polOpts, policy.WithStore(store))
	}

	pol, err := policy.New(cfg.Learning.Alpha, polOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating policy: %w", err)
	}
	f.policy = pol

	tiers := make([]router.TierOption, 0, len(cfg.Tiers))
	for _, tc := range cfg.Tiers {
		tiers = append(tiers, router.TierOption{
			Tier:            tc.Tier(),
			ExpectedCost:    tc.ExpectedCost,
			ExpectedQuality: tc.ExpectedQuality,
		})
	}

	routerOpts := []router.Option{
		router.WithMinVisits(cfg.Learning.MinVisits),
	}
	if len(cfg.Learning.SizeBrackets) >= 2 {
		routerOpts = append(routerOpts,
			router.WithSizeThresholds(cfg.Learning.SizeBrackets[0], cfg.Learning.SizeBrackets[len(cfg.Learning.SizeBrackets)-1]))
	}
	if cfg.Learning.Training {
		seed := o.seed
		if !o.seedSet {
			seed = time.Now().UnixNano()
		}
		routerOpts = append(routerOpts, router.WithExploration(cfg.Learning.Epsilon, seed))
	}

	rt, err := router.New(tiers, pol, policy.NewBucketizer(cfg.Learning.SizeBrackets), routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	f.router = rt

	return f, nil
}

// Register adds a worker to the fleet.
func (f *Fleet) Register(id string, w worker.Worker) error {
	return f.registry.Register(id, w)
}

// Workers returns the registered worker IDs.
func (f *Fleet) Workers() []string {
	return f.registry.IDs()
}

// Policy returns the fleet's learning policy.
func (f *Fleet) Policy() *policy.Policy {
	return f.policy
}

// Metrics returns a copy of the fleet's aggregate metrics.
func (f *Fleet) Metrics() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics
}

// Execute runs a workflow spec with the fleet's configured defaults.
func (f *Fleet) Execute(ctx context.Context, spec *models.WorkflowSpec, opts ...engine.Option) (*engine.Summary, error) {
	return f.ExecuteWithEvents(ctx, spec, nil, opts...)
}

// ExecuteWithEvents runs a workflow spec, invoking onEvent for each engine
// event. A nil handler discards events.
func (f *Fleet) ExecuteWithEvents(ctx context.Context, spec *models.WorkflowSpec, onEvent func(engine.Event), opts ...engine.Option) (*engine.Summary, error) {
	wf, err := engine.New(spec, f.deps(), f.engineOptions(opts)...)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range wf.Events() {
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}()

	summary, err := wf.Run(ctx)
	<-done
	if summary != nil {
		f.record(summary)
	}
	return summary, err
}

// deps returns the engine collaborators.
func (f *Fleet) deps() engine.Deps {
	return engine.Deps{
		Store:    f.store,
		Router:   f.router,
		Policy:   f.policy,
		Registry: f.registry,
	}
}

// engineOptions applies fleet defaults, letting per-call options win.
func (f *Fleet) engineOptions(extra []engine.Option) []engine.Option {
	d := f.cfg.Defaults
	opts := []engine.Option{
		engine.WithLogger(f.logger),
		engine.WithRewardWeights(f.cfg.Learning.RewardWeights, f.cfg.Learning.RewardScale),
	}
	if d.MaxInFlight > 0 {
		opts = append(opts, engine.WithMaxInFlight(d.MaxInFlight))
	}
	opts = append(opts,
		engine.WithMaxRetries(d.MaxRetries),
		engine.WithRetryBackoff(d.RetryBackoff),
		engine.WithTaskDeadline(d.TaskDeadline),
		engine.WithLockLease(d.LockLease),
		engine.WithResultTTL(d.ResultTTL),
	)
	return append(opts, extra...)
}

// record folds a run summary into the aggregate metrics.
func (f *Fleet) record(summary *engine.Summary) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.metrics.WorkflowsExecuted++
	if summary.Status == models.WorkflowStatusAborted {
		f.metrics.WorkflowsAborted++
	}
	f.metrics.TasksSucceeded += summary.Succeeded()
	f.metrics.TasksFailed += summary.Failed()
	f.metrics.TotalCost += summary.TotalCost
}

// Close releases the fleet's resources.
func (f *Fleet) Close() error {
	if f.policy != nil {
		return f.policy.Close()
	}
	return nil
}
