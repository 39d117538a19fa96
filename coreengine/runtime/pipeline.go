// Package runtime provides the TurnPipeline - the per-turn orchestration
// engine: extract, analyze, score, route, respond.
package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/memory"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/scoring"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/tools"
)

var tracer = otel.Tracer("leadflow/runtime")

// Step names recorded in the envelope's processing history.
const (
	StepIngest  = "ingest"
	StepExtract = "extract"
	StepAnalyze = "analyze"
	StepScore   = "score"
	StepRoute   = "route"
)

// Observer receives routing events while a turn runs. The kernel forwards
// them to the bus after commit; the pipeline itself never publishes.
type Observer interface {
	OnHandoff(env *envelope.TurnEnvelope, from, to, reason string)
	OnEscalation(env *envelope.TurnEnvelope, req routing.EscalationRequest, d routing.Directive)
}

// TurnPipeline runs one turn over a TurnEnvelope. It holds no per-session
// state; everything it changes lives on the envelope.
type TurnPipeline struct {
	Extractor  *facts.Extractor
	Analyzer   *stage.Analyzer
	Scorer     *scoring.Scorer
	Supervisor *routing.Supervisor
	Isolator   *memory.Isolator
	Logger     logging.Logger

	MaxRoleHops int

	roles map[string]*agents.Role
}

// NewTurnPipeline builds the pipeline and one Role per roster entry.
func NewTurnPipeline(cfg *config.CoreConfig, gen agents.Generator, actions tools.ActionRegistry, logger logging.Logger) (*TurnPipeline, error) {
	if cfg == nil {
		cfg = config.DefaultCoreConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if actions == nil {
		actions = tools.NewStandardExecutor(cfg.Slots)
	}

	scorer := scoring.NewScorer(cfg.QualificationThreshold)
	extractor := facts.NewExtractor()
	if cfg.ExtractionWindow > 0 {
		extractor.RecentWindow = cfg.ExtractionWindow
	}

	p := &TurnPipeline{
		Extractor:   extractor,
		Analyzer:    stage.NewAnalyzer(cfg.Slots),
		Scorer:      scorer,
		Supervisor:  routing.NewSupervisor(TargetsFromRoster(&cfg.Roster), cfg.MaxEscalationAttempts, scorer),
		Isolator:    memory.NewIsolator(cfg.RoleMemoryWindow),
		Logger:      logger.Bind("component", "pipeline"),
		MaxRoleHops: cfg.MaxRoleHops,
		roles:       make(map[string]*agents.Role),
	}

	retry := agents.RetryPolicyFromConfig(cfg)
	for _, rc := range cfg.Roster.Roles {
		role, err := agents.NewRole(rc, logger, gen, actions)
		if err != nil {
			return nil, fmt.Errorf("failed to create role '%s': %w", rc.Name, err)
		}
		role.Retry = retry
		p.roles[rc.Name] = role
	}

	p.Logger.Info("pipeline_roles_built",
		"role_count", len(p.roles),
		"roles", cfg.Roster.Names(),
	)
	return p, nil
}

// TargetsFromRoster maps roster kinds to supervisor targets.
func TargetsFromRoster(r *config.RosterConfig) routing.Targets {
	t := routing.DefaultTargets()
	if r == nil {
		return t
	}
	if rc := r.ForKind(config.KindEngagement); rc != nil {
		t.Engagement = rc.Name
	}
	if rc := r.ForKind(config.KindQualification); rc != nil {
		t.Qualification = rc.Name
	}
	if rc := r.ForKind(config.KindClosing); rc != nil {
		t.Closing = rc.Name
	}
	if rc := r.ForKind(config.KindFallback); rc != nil {
		t.Fallback = rc.Name
	}
	return t
}

// Role returns the role with the given name.
func (p *TurnPipeline) Role(name string) (*agents.Role, bool) {
	r, ok := p.roles[name]
	return r, ok
}

// =============================================================================
// EXECUTION
// =============================================================================

// Run executes one turn. On error the envelope must be discarded; nothing
// has been committed.
func (p *TurnPipeline) Run(ctx context.Context, env *envelope.TurnEnvelope, obs Observer) error {
	if p.MaxRoleHops > 0 {
		env.MaxRoleHops = p.MaxRoleHops
	}

	ctx, span := tracer.Start(ctx, "turn.pipeline",
		trace.WithAttributes(
			attribute.String("leadflow.session.id", env.SessionID),
			attribute.String("leadflow.turn.id", env.TurnID),
			attribute.String("leadflow.provenance", string(env.Provenance)),
			attribute.Int("leadflow.batch.count", env.BatchCount),
		),
	)
	defer span.End()

	startTime := time.Now()
	p.Logger.Debug("turn_started",
		"session_id", env.SessionID,
		"turn_id", env.TurnID,
		"provenance", env.Provenance,
		"batch_count", env.BatchCount,
	)

	var err error
	if env.IsLive() {
		err = p.runLive(ctx, env, obs)
	} else {
		err = p.runImported(ctx, env)
	}

	durationMS := int(time.Since(startTime).Milliseconds())
	if err != nil {
		env.RecordError("pipeline", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.Logger.Warn("turn_aborted",
			"session_id", env.SessionID,
			"turn_id", env.TurnID,
			"error", err.Error(),
			"duration_ms", durationMS,
		)
		return err
	}

	reason := ""
	if env.TerminalReason != nil {
		reason = string(*env.TerminalReason)
	}
	span.SetAttributes(
		attribute.String("leadflow.role", env.ResponseRole),
		attribute.String("leadflow.stage", string(env.Analysis.Stage)),
		attribute.Int("leadflow.score", env.State.Score.Score),
		attribute.Int("leadflow.role_hops", env.RoleHopCount),
		attribute.String("leadflow.terminal_reason", reason),
	)
	span.SetStatus(codes.Ok, reason)
	p.Logger.Info("turn_processed",
		"session_id", env.SessionID,
		"turn_id", env.TurnID,
		"stage", env.Analysis.Stage,
		"score", env.State.Score.Score,
		"role", env.ResponseRole,
		"role_hops", env.RoleHopCount,
		"terminal_reason", reason,
		"duration_ms", durationMS,
	)
	return nil
}

// runImported seeds the ledger and the fact schema. No scoring, answer
// matching, routing or delivery happens for imported history.
func (p *TurnPipeline) runImported(ctx context.Context, env *envelope.TurnEnvelope) error {
	env.RecordStepStart(StepIngest)
	env.Append(ledger.NewUtterance(ledger.AuthorCustomer, env.RawInput, env.Provenance))
	env.RecordStepComplete(StepIngest, envelope.StepSuccess, nil)

	if err := ctx.Err(); err != nil {
		return err
	}

	env.RecordStepStart(StepExtract)
	extracted := p.Extractor.Extract(env.RawInput, env.History)
	env.Captured = extracted
	env.State.Facts = env.State.Facts.Merge(extracted)
	env.RecordStepComplete(StepExtract, envelope.StepSuccess, nil)

	env.Terminate(envelope.TerminalReasonImported)
	return nil
}

func (p *TurnPipeline) runLive(ctx context.Context, env *envelope.TurnEnvelope, obs Observer) error {
	// Ingest
	env.RecordStepStart(StepIngest)
	env.Append(ledger.NewUtterance(ledger.AuthorCustomer, env.RawInput, ledger.ProvenanceLive))
	env.State.TurnCount++
	env.RecordStepComplete(StepIngest, envelope.StepSuccess, nil)

	// Extract
	env.RecordStepStart(StepExtract)
	extracted := p.Extractor.Extract(env.RawInput, env.History)
	env.State.Facts = env.State.Facts.Merge(extracted)
	env.RecordStepComplete(StepExtract, envelope.StepSuccess, nil)

	// Analyze; captured answers count before scoring.
	env.RecordStepStart(StepAnalyze)
	analysis := p.Analyzer.Analyze(env.Entries(), env.State.Facts)
	env.Analysis = analysis
	env.State.Facts = env.State.Facts.Merge(analysis.Captured)
	env.Captured = extracted.Merge(analysis.Captured)
	env.State.Stage = analysis.Stage
	observability.RecordStageTransition(string(env.PreviousStage), string(analysis.Stage))
	env.RecordStepComplete(StepAnalyze, envelope.StepSuccess, nil)

	// Score
	env.RecordStepStart(StepScore)
	env.State.Score = p.Scorer.Score(env.State.Facts, env.State.Score.Score, env.State.TurnCount)
	observability.RecordLeadScore(env.State.Score.Score)
	env.RecordStepComplete(StepScore, envelope.StepSuccess, nil)

	if err := ctx.Err(); err != nil {
		msg := err.Error()
		env.RecordStepStart(StepRoute)
		env.RecordStepComplete(StepRoute, envelope.StepSkipped, &msg)
		return err
	}

	// Route
	env.RecordStepStart(StepRoute)
	d := p.Supervisor.Route(env.State.Score.Score, analysis.Stage, env.State.Facts, env.State.Escalation)
	resp, err := p.routeLoop(ctx, env, d, obs)
	if err != nil {
		msg := err.Error()
		env.RecordStepComplete(StepRoute, envelope.StepError, &msg)
		return err
	}
	env.RecordStepComplete(StepRoute, envelope.StepSuccess, nil)

	env.ResponseText = resp.Text
	env.ResponseRole = resp.Role
	env.Outcome = string(resp.Outcome)
	env.Append(ledger.NewUtterance(ledger.RoleAuthor(resp.Role), resp.Text, ledger.ProvenanceLive))

	if resp.ManualFollowUp {
		env.ManualFollowUp = true
		env.State.ManualFollowUp = true
	}

	switch {
	case resp.Outcome == agents.RoleOutcomeFallback:
		env.Terminate(envelope.TerminalReasonGenerationFailed)
	case env.HopLimited:
		env.Terminate(envelope.TerminalReasonMaxRoleHopsExceeded)
	case env.EscalationLimited:
		env.Terminate(envelope.TerminalReasonEscalationLimit)
	default:
		env.Terminate(envelope.TerminalReasonResponded)
	}
	return nil
}

// routeLoop runs the supervisor/role loop until a role produces a
// deliverable response. Hops are bounded by env.MaxRoleHops; the forced
// fallback after the bound is terminal and always answers.
func (p *TurnPipeline) routeLoop(ctx context.Context, env *envelope.TurnEnvelope, d routing.Directive, obs Observer) (agents.Response, error) {
	for {
		if err := ctx.Err(); err != nil {
			return agents.Response{}, err
		}

		env.RecordHop(d)
		if d.Terminal && d.Reason != routing.ReasonHopLimit {
			env.EscalationLimited = true
		}

		role, ok := p.roles[d.Target]
		if !ok {
			return agents.Response{}, fmt.Errorf("no role named '%s'", d.Target)
		}
		p.activate(env, d, obs)

		resp := role.Respond(ctx, agents.Input{
			SessionID: env.SessionID,
			TurnID:    env.TurnID,
			Context:   p.Isolator.ViewFor(role.Name, env.Entries(), env.State.Memory),
			Analysis:  env.Analysis,
			Directive: d,
			Facts:     env.State.Facts,
			Score:     env.State.Score,
		})

		if resp.Outcome != agents.RoleOutcomeEscalated || resp.Escalation == nil {
			return resp, nil
		}
		if d.Terminal {
			// Roles refuse to escalate under a terminal directive.
			return forcedTemplate(role.Name, env.Analysis), nil
		}

		req := *resp.Escalation
		if env.RoleHopCount >= env.MaxRoleHops {
			env.HopLimited = true
			observability.RecordEscalation(req.From, string(req.Reason), false)
			p.Logger.Warn("role_hop_limit_reached",
				"session_id", env.SessionID,
				"turn_id", env.TurnID,
				"from", req.From,
				"role_hops", env.RoleHopCount,
			)
			d = p.Supervisor.HopLimit(env.State.Escalation)
			continue
		}

		next, esc := p.Supervisor.Escalate(req, env.State.Score.Score, env.State.Facts, env.State.Escalation)
		env.State.Escalation = esc
		observability.RecordEscalation(req.From, string(req.Reason), !next.Rejected)
		if next.Rejected {
			env.EscalationLimited = true
			p.Logger.Warn("escalation_rejected",
				"session_id", env.SessionID,
				"turn_id", env.TurnID,
				"from", req.From,
				"reason", req.Reason,
				"attempt_count", esc.AttemptCount,
			)
		} else {
			p.Logger.Info("escalation_accepted",
				"session_id", env.SessionID,
				"turn_id", env.TurnID,
				"from", req.From,
				"to", next.Target,
				"reason", req.Reason,
				"attempt_count", esc.AttemptCount,
			)
		}
		if obs != nil {
			obs.OnEscalation(env, req, next)
		}
		d = next
	}
}

// activate switches role memory to the directive's target and stages the
// synthesized handoff summary in the ledger.
func (p *TurnPipeline) activate(env *envelope.TurnEnvelope, d routing.Directive, obs Observer) {
	prior := env.State.Memory.ActiveRole()
	summary, changed := env.State.Memory.Activate(d.Target, string(d.Reason), env.State.Facts)
	env.ActiveRole = d.Target
	if !changed {
		return
	}
	env.Append(summary)
	observability.RecordHandoff(prior, d.Target)
	p.Logger.Debug("role_handoff",
		"session_id", env.SessionID,
		"from", prior,
		"to", d.Target,
		"reason", d.Reason,
	)
	if obs != nil {
		obs.OnHandoff(env, prior, d.Target, string(d.Reason))
	}
}

func forcedTemplate(role string, a stage.Analysis) agents.Response {
	text := a.AllowedResponse
	if text == "" {
		text = agents.GenericFallbackText
	}
	return agents.Response{Role: role, Text: text, Outcome: agents.RoleOutcomeTemplated}
}
