package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"gopkg.in/yaml.v3"

	"github.com/qefleet/qefleet/pkg/models"
)

// LLMConfig contains configuration for creating an LLM-backed worker.
type LLMConfig struct {
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY env var.
	APIKey string
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// Models maps capability tiers to Claude models. Missing tiers fall back
	// to DefaultTierModels.
	Models map[models.Tier]anthropic.Model
	// MaxTokens caps the response size per call. Defaults to 4096.
	MaxTokens int64
}

// DefaultTierModels is the standard tier-to-model assignment.
var DefaultTierModels = map[models.Tier]anthropic.Model{
	models.TierFast:     anthropic.ModelClaude3_5Haiku20241022,
	models.TierStandard: anthropic.ModelClaudeSonnet4_20250514,
	models.TierDeep:     anthropic.ModelClaudeOpus4_1_20250805,
}

// modelPricing holds per-million-token USD rates.
type modelPricing struct {
	input  float64
	output float64
}

// Approximate Claude pricing, keyed by model family substring.
var pricingTable = []struct {
	family  string
	pricing modelPricing
}{
	{"haiku", modelPricing{input: 0.80, output: 4.0}},
	{"opus", modelPricing{input: 15.0, output: 75.0}},
	{"sonnet", modelPricing{input: 3.0, output: 15.0}},
}

// LLMWorker executes tasks by prompting a Claude model. The tier selects
// which model handles the call.
type LLMWorker struct {
	id     string
	system string
	client anthropic.Client
	models map[models.Tier]anthropic.Model
	maxTok int64
	useAWS bool

	tracker *TokenTracker
}

// NewLLMWorker creates a worker that prompts Claude with the given system
// instructions.
func NewLLMWorker(id, system string, cfg LLMConfig) (*LLMWorker, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	tierModels := make(map[models.Tier]anthropic.Model, len(DefaultTierModels))
	for tier, model := range DefaultTierModels {
		tierModels[tier] = model
	}
	for tier, model := range cfg.Models {
		tierModels[tier] = model
	}

	maxTok := cfg.MaxTokens
	if maxTok == 0 {
		maxTok = 4096
	}

	return &LLMWorker{
		id:      id,
		system:  system,
		client:  anthropic.NewClient(opts...),
		models:  tierModels,
		maxTok:  maxTok,
		useAWS:  cfg.UseAWSBedrock,
		tracker: NewTokenTracker(),
	}, nil
}

// Tracker returns the token tracker for this worker.
func (w *LLMWorker) Tracker() *TokenTracker { return w.tracker }

// Execute renders the task input as a prompt, calls the model assigned to
// tier, and reports token cost and latency alongside the text output.
func (w *LLMWorker) Execute(ctx context.Context, tier models.Tier, input map[string]any) (*Result, error) {
	model, ok := w.models[tier]
	if !ok {
		return nil, Permanent(fmt.Errorf("worker %q has no model for tier %q", w.id, tier))
	}
	if w.useAWS {
		model = translateModelForBedrock(model)
	}

	prompt, err := renderPrompt(input)
	if err != nil {
		return nil, Permanent(fmt.Errorf("render prompt: %w", err))
	}

	start := time.Now()
	resp, err := w.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: w.maxTok,
		System: []anthropic.TextBlockParam{
			{Text: w.system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	latency := time.Since(start)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	w.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}

	quality := 1.0
	if resp.StopReason == anthropic.StopReasonMaxTokens {
		// Truncated output is usable but degraded.
		quality = 0.5
	}
	if text == "" {
		quality = 0
	}

	return &Result{
		Output:       map[string]any{"text": text},
		QualityScore: quality,
		Cost:         estimateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Latency:      latency,
		TokensIn:     resp.Usage.InputTokens,
		TokensOut:    resp.Usage.OutputTokens,
	}, nil
}

// renderPrompt serializes the task input as YAML so workers receive the
// same structure the workflow file declared.
func renderPrompt(input map[string]any) (string, error) {
	if prompt, ok := input["prompt"].(string); ok && len(input) == 1 {
		return prompt, nil
	}
	data, err := yaml.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// classifyAPIError maps SDK failures onto the retry taxonomy. Rate limits,
// server errors, and timeouts are transient; other API rejections are not.
func classifyAPIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 408, apiErr.StatusCode == 429:
			return Transient(err)
		case apiErr.StatusCode >= 500:
			return Transient(err)
		default:
			return Permanent(err)
		}
	}

	// Network-level failures without a status code are worth a retry.
	return Transient(err)
}

func estimateCost(model anthropic.Model, tokensIn, tokensOut int64) float64 {
	name := strings.ToLower(string(model))
	for _, entry := range pricingTable {
		if strings.Contains(name, entry.family) {
			in := float64(tokensIn) / 1_000_000 * entry.pricing.input
			out := float64(tokensOut) / 1_000_000 * entry.pricing.output
			return in + out
		}
	}
	return 0
}

// translateModelForBedrock converts standard Anthropic model names to Bedrock
// cross-region inference profile format: us.anthropic.{model}-v1:0
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:  "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001: "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:  "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:  "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}

	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// TokenTracker tracks token usage across API calls.
type TokenTracker struct {
	mu        sync.Mutex
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a new token tracker.
func NewTokenTracker() *TokenTracker {
	return &TokenTracker{}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Reset clears all tracked token usage.
func (t *TokenTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok = 0
	t.outputTok = 0
	t.calls = 0
}
