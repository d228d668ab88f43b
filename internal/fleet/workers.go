package fleet

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/qefleet/qefleet/internal/worker"
	"github.com/qefleet/qefleet/pkg/models"
)

// qeWorkerPrompts are the built-in quality-engineering worker roles.
var qeWorkerPrompts = map[string]string{
	"test-generator": "You are a test generation specialist. Given a module " +
		"description or source excerpt, produce thorough, runnable test cases " +
		"covering happy paths, edge cases, and failure modes.",
	"test-executor": "You are a test execution analyst. Given test output and " +
		"logs, summarize pass/fail results, extract failing assertions, and " +
		"identify the most likely root cause for each failure.",
	"coverage-analyzer": "You are a coverage analyst. Given coverage data, " +
		"identify untested branches and rank the gaps by risk.",
	"flaky-test-hunter": "You are a flaky test investigator. Given repeated " +
		"test run results, identify nondeterministic tests and hypothesize the " +
		"source of flakiness: timing, ordering, shared state, or environment.",
	"test-data-architect": "You are a test data specialist. Design fixtures " +
		"and generators that exercise boundary conditions for the described " +
		"schema or API.",
}

// RegisterDefaultWorkers registers the built-in QE worker roles as LLM
// workers using the fleet's Anthropic settings and tier models.
func (f *Fleet) RegisterDefaultWorkers() error {
	tierModels := make(map[models.Tier]anthropic.Model, len(f.cfg.Tiers))
	for _, tc := range f.cfg.Tiers {
		if tc.Model != "" {
			tierModels[tc.Tier()] = anthropic.Model(tc.Model)
		}
	}

	llmCfg := worker.LLMConfig{
		APIKey:        f.cfg.Anthropic.APIKey,
		UseAWSBedrock: f.cfg.Anthropic.UseAWSBedrock,
		AWSRegion:     f.cfg.Anthropic.AWSRegion,
		AWSProfile:    f.cfg.Anthropic.AWSProfile,
		Models:        tierModels,
	}

	for id, prompt := range qeWorkerPrompts {
		w, err := worker.NewLLMWorker(id, prompt, llmCfg)
		if err != nil {
			return fmt.Errorf("creating worker %s: %w", id, err)
		}
		if err := f.Register(id, w); err != nil {
			return fmt.Errorf("registering worker %s: %w", id, err)
		}
	}
	return nil
}
