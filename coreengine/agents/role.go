package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/memory"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/scoring"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/tools"
)

// GenericFallbackText is sent when generation fails after all retries.
const GenericFallbackText = "Gracias por tu mensaje. En breve una persona de nuestro equipo te responderá."

var tracer = otel.Tracer("leadflow/agents")

// RetryPolicy bounds generation retries.
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
	Timeout    time.Duration // per attempt
}

// DefaultRetryPolicy returns the default generation retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Initial:    200 * time.Millisecond,
		Max:        2 * time.Second,
		Timeout:    20 * time.Second,
	}
}

// RetryPolicyFromConfig derives the policy from core config.
func RetryPolicyFromConfig(c *config.CoreConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxGenerationRetries,
		Initial:    time.Duration(c.RetryInitialMs) * time.Millisecond,
		Max:        time.Duration(c.RetryMaxMs) * time.Millisecond,
		Timeout:    c.GenerationTimeoutDuration(),
	}
}

// Input is everything a role sees for one turn.
type Input struct {
	SessionID string
	TurnID    string
	Context   memory.RoleContext
	Analysis  stage.Analysis
	Directive routing.Directive
	Facts     facts.FactSet
	Score     scoring.Record
}

// Response is a role's reply for one turn.
type Response struct {
	Role           string                     `json:"role"`
	Text           string                     `json:"text"`
	Outcome        RoleOutcome                `json:"outcome"`
	Action         string                     `json:"action,omitempty"`
	Escalation     *routing.EscalationRequest `json:"escalation,omitempty"`
	Attempts       int                        `json:"attempts"`
	ManualFollowUp bool                       `json:"manual_follow_up"`
	Error          string                     `json:"error,omitempty"`
}

// Role is the single role class; RoleConfig makes it engagement,
// qualification, closing or support.
type Role struct {
	Config    *config.RoleConfig
	Name      string
	Logger    logging.Logger
	Generator Generator
	Actions   tools.ActionRegistry
	Prompts   *PromptBuilder
	Retry     RetryPolicy
}

// NewRole creates a Role.
func NewRole(cfg *config.RoleConfig, logger logging.Logger, gen Generator, actions tools.ActionRegistry) (*Role, error) {
	if cfg == nil {
		return nil, fmt.Errorf("role config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gen == nil {
		return nil, fmt.Errorf("role '%s' has no generator", cfg.Name)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if actions == nil {
		actions = tools.NewActionExecutor()
	}

	return &Role{
		Config:    cfg,
		Name:      cfg.Name,
		Logger:    logger.Bind("role", cfg.Name),
		Generator: gen,
		Actions:   actions,
		Prompts:   NewPromptBuilder(),
		Retry:     DefaultRetryPolicy(),
	}, nil
}

// Respond produces the role's reply. It always returns a response: failures
// degrade to the stage template or the generic fallback.
func (r *Role) Respond(ctx context.Context, in Input) (resp Response) {
	ctx, span := tracer.Start(ctx, "role.respond",
		trace.WithAttributes(
			attribute.String("leadflow.role", r.Name),
			attribute.String("leadflow.session.id", in.SessionID),
			attribute.String("leadflow.turn.id", in.TurnID),
			attribute.String("leadflow.stage", string(in.Analysis.Stage)),
		),
	)
	defer span.End()

	startTime := time.Now()
	r.Logger.Debug("role_started", "session_id", in.SessionID, "stage", in.Analysis.Stage, "directive_reason", in.Directive.Reason)

	defer func() {
		durationMS := int(time.Since(startTime).Milliseconds())
		resp.Role = r.Name
		observability.RecordRoleExecution(r.Name, string(resp.Outcome), durationMS)

		span.SetAttributes(
			attribute.String("leadflow.role.outcome", string(resp.Outcome)),
			attribute.Int("leadflow.generation.attempts", resp.Attempts),
			attribute.Int("duration_ms", durationMS),
		)
		if resp.Outcome.IsDegraded() {
			span.SetStatus(codes.Error, resp.Error)
		} else {
			span.SetStatus(codes.Ok, string(resp.Outcome))
		}
		r.Logger.Info("role_completed",
			"session_id", in.SessionID,
			"outcome", resp.Outcome,
			"attempts", resp.Attempts,
			"duration_ms", durationMS,
		)
	}()

	prompt, err := r.Prompts.Build(r.Config.PromptTemplate, promptValues(r.Config, in, r.Actions.Describe(r.Config.AllowedActions)))
	if err != nil {
		r.Logger.Warn("prompt_render_failed", "session_id", in.SessionID, "error", err.Error())
		return r.templated(in, 0)
	}

	gen, attempts, err := r.generate(ctx, Request{
		Role:           r.Name,
		Prompt:         prompt,
		AllowedActions: r.Config.AllowedActions,
		Temperature:    r.Config.Temperature,
		MaxTokens:      r.Config.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		r.Logger.Error("generation_failed", "session_id", in.SessionID, "attempts", attempts, "error", err.Error())
		return Response{
			Text:           GenericFallbackText,
			Outcome:        RoleOutcomeFallback,
			Attempts:       attempts,
			ManualFollowUp: true,
			Error:          err.Error(),
		}
	}

	r.Logger.Debug("generation_received",
		"session_id", in.SessionID,
		"action", gen.Action,
		"response_preview", truncate(gen.Text, 200),
	)
	resp = r.resolve(ctx, in, gen)
	resp.Attempts = attempts
	return resp
}

// generate calls the generator with bounded exponential backoff.
func (r *Role) generate(ctx context.Context, req Request) (Generation, int, error) {
	policy := r.Retry
	maxRetries := policy.MaxRetries
	if r.Config.MaxRetries > 0 {
		maxRetries = r.Config.MaxRetries
	}
	timeout := policy.Timeout
	if r.Config.TimeoutSeconds > 0 {
		timeout = time.Duration(r.Config.TimeoutSeconds) * time.Second
	}

	eb := backoff.NewExponentialBackOff()
	if policy.Initial > 0 {
		eb.InitialInterval = policy.Initial
	}
	if policy.Max > 0 {
		eb.MaxInterval = policy.Max
	}
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	var gen Generation
	attempts := 0
	op := func() error {
		attempts++
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		g, err := r.Generator.Generate(callCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		gen = g
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.Logger.Warn("generation_retry", "attempt", attempts, "wait_ms", wait.Milliseconds(), "error", err.Error())
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return Generation{}, attempts, err
	}
	return gen, attempts, nil
}

// resolve turns a generation into a response.
func (r *Role) resolve(ctx context.Context, in Input, gen Generation) Response {
	switch gen.Action {
	case config.ActionRespond:
		if !r.Config.HasAction(config.ActionRespond) || gen.Text == "" {
			return r.templated(in, 0)
		}
		return Response{Text: gen.Text, Outcome: RoleOutcomeResponded, Action: gen.Action}

	case config.ActionUseTemplate:
		return r.templated(in, 0)

	case config.ActionEscalate:
		reason := routing.EscalationReason(gen.Reason)
		if !reason.Valid() {
			reason = routing.WrongAgent
		}
		if !r.canEscalate(in, reason) {
			r.Logger.Warn("escalation_not_permitted", "session_id", in.SessionID, "reason", reason, "terminal", in.Directive.Terminal)
			return r.templated(in, 0)
		}
		return Response{
			Outcome: RoleOutcomeEscalated,
			Action:  gen.Action,
			Escalation: &routing.EscalationRequest{
				From:    r.Name,
				Reason:  reason,
				Summary: gen.Text,
			},
		}

	default:
		return r.runAction(ctx, in, gen)
	}
}

func (r *Role) runAction(ctx context.Context, in Input, gen Generation) Response {
	params := map[string]any{
		"session_id": in.SessionID,
		"stage":      string(in.Analysis.Stage),
		"text":       gen.Text,
	}
	result, err := r.Actions.Execute(ctx, r.Config.AllowedActions, gen.Action, params)
	if err != nil {
		level := r.Logger.Warn
		if errors.Is(err, tools.ErrActionNotAllowed) || errors.Is(err, tools.ErrActionNotFound) {
			level = r.Logger.Debug
		}
		level("action_failed", "session_id", in.SessionID, "action", gen.Action, "error", err.Error())
		return r.templated(in, 0)
	}
	text, _ := result["text"].(string)
	if text == "" {
		return r.templated(in, 0)
	}
	return Response{Text: text, Outcome: RoleOutcomeAction, Action: gen.Action}
}

func (r *Role) canEscalate(in Input, reason routing.EscalationReason) bool {
	if in.Directive.Terminal {
		return false
	}
	return r.Config.HasAction(config.ActionEscalate) && r.Config.EscalationPolicy.Allows(string(reason))
}

func (r *Role) templated(in Input, attempts int) Response {
	text := in.Analysis.AllowedResponse
	if text == "" {
		text = GenericFallbackText
	}
	return Response{Text: text, Outcome: RoleOutcomeTemplated, Action: config.ActionUseTemplate, Attempts: attempts}
}
