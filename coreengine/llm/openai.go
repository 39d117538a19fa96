// Package llm provides agents.Generator implementations backed by a hosted
// model, plus request rate limiting.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/observability"
)

const (
	defaultMaxTokens = 400

	systemInstructions = `You are one member of a sales team talking to a prospective customer over chat.
Reply with a single JSON object: {"action": "...", "text": "...", "reason": "..."}.
"action" must be one of the allowed actions listed in the prompt.
Use "respond" with "text" to answer the customer, "use_template" to send the pre-approved reply,
and "escalate" with a "reason" when another team member should take over.`
)

// OpenAIGenerator calls the OpenAI chat completions API.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
	logger logging.Logger
}

// NewOpenAIGenerator creates a generator for cfg. BaseURL overrides the API
// endpoint (OpenAI-compatible servers).
func NewOpenAIGenerator(cfg config.LLMConfig, apiKey string, logger logging.Logger) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger.Bind("component", "openai_generator", "model", cfg.Model),
	}
}

// Generate implements agents.Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req agents.Request) (agents.Generation, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	prompt := req.Prompt
	if len(req.AllowedActions) > 0 {
		prompt += "\n\nAllowed actions: " + strings.Join(req.AllowedActions, ", ")
	}

	apiReq := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemInstructions},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, apiReq)
	durationMS := int(time.Since(start).Milliseconds())
	if err != nil {
		observability.RecordGenerationCall("openai", g.model, "error", durationMS)
		g.logger.Warn("generation_failed", "role", req.Role, "error", err.Error(), "duration_ms", durationMS)
		return agents.Generation{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		observability.RecordGenerationCall("openai", g.model, "empty", durationMS)
		return agents.Generation{}, fmt.Errorf("chat completion returned no choices")
	}

	gen, err := agents.ParseGeneration(resp.Choices[0].Message.Content)
	if err != nil {
		observability.RecordGenerationCall("openai", g.model, "unparseable", durationMS)
		return agents.Generation{}, err
	}

	observability.RecordGenerationCall("openai", g.model, "success", durationMS)
	g.logger.Debug("generation_completed",
		"role", req.Role,
		"action", gen.Action,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"duration_ms", durationMS,
	)
	return gen, nil
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// RateLimitedGenerator waits for a token before each call to the wrapped
// generator.
type RateLimitedGenerator struct {
	next    agents.Generator
	limiter *rate.Limiter
}

// NewRateLimitedGenerator wraps next with a token bucket of rps and burst.
func NewRateLimitedGenerator(next agents.Generator, rps float64, burst int) *RateLimitedGenerator {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedGenerator{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Generate implements agents.Generator.
func (g *RateLimitedGenerator) Generate(ctx context.Context, req agents.Request) (agents.Generation, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return agents.Generation{}, fmt.Errorf("rate limit: %w", err)
	}
	return g.next.Generate(ctx, req)
}

// =============================================================================
// FACTORY
// =============================================================================

// FromConfig returns the generator selected by cfg.LLM. The template provider
// needs no credentials; openai reads its key from the APIKeyEnv variable.
func FromConfig(cfg *config.CoreConfig, logger logging.Logger) (agents.Generator, error) {
	switch cfg.LLM.Provider {
	case "", "template":
		return agents.TemplateGenerator{}, nil
	case "openai":
		apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("%s is not set", cfg.LLM.APIKeyEnv)
		}
		var gen agents.Generator = NewOpenAIGenerator(cfg.LLM, apiKey, logger)
		if cfg.LLM.RequestsPerSecond > 0 {
			gen = NewRateLimitedGenerator(gen, cfg.LLM.RequestsPerSecond, cfg.LLM.Burst)
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

var (
	_ agents.Generator = (*OpenAIGenerator)(nil)
	_ agents.Generator = (*RateLimitedGenerator)(nil)
)
