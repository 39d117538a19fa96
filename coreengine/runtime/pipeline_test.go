package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
)

const greeting = "¡Hola! Gracias por escribirnos. ¿Cuál es tu nombre?"

func testConfig() *config.CoreConfig {
	cfg := config.DefaultCoreConfig()
	cfg.RetryInitialMs = 1
	cfg.RetryMaxMs = 2
	return cfg
}

func newTestPipeline(t *testing.T, gen agents.Generator) *TurnPipeline {
	t.Helper()
	p, err := NewTurnPipeline(testConfig(), gen, nil, nil)
	require.NoError(t, err)
	return p
}

// byRole answers per role name; roles without an entry use their template.
func byRole(m map[string]agents.Generation) agents.Generator {
	return agents.GeneratorFunc(func(ctx context.Context, req agents.Request) (agents.Generation, error) {
		if g, ok := m[req.Role]; ok {
			return g, nil
		}
		return agents.Generation{Action: config.ActionUseTemplate}, nil
	})
}

func escalate(reason routing.EscalationReason) agents.Generation {
	return agents.Generation{Action: config.ActionEscalate, Reason: string(reason)}
}

type recordingObserver struct {
	handoffs    [][2]string
	escalations []routing.Directive
}

func (o *recordingObserver) OnHandoff(env *envelope.TurnEnvelope, from, to, reason string) {
	o.handoffs = append(o.handoffs, [2]string{from, to})
}

func (o *recordingObserver) OnEscalation(env *envelope.TurnEnvelope, req routing.EscalationRequest, d routing.Directive) {
	o.escalations = append(o.escalations, d)
}

func live(text string, history []ledger.Utterance, state envelope.SessionState) *envelope.TurnEnvelope {
	return envelope.NewTurnEnvelope("sess-1", text, ledger.ProvenanceLive, history, state)
}

// =============================================================================
// CONSTRUCTION TESTS
// =============================================================================

func TestNewTurnPipeline_BuildsRoster(t *testing.T) {
	p := newTestPipeline(t, agents.TemplateGenerator{})

	for _, name := range []string{"engagement", "qualification", "closing", "support"} {
		_, ok := p.Role(name)
		assert.True(t, ok, name)
	}
	assert.Equal(t, routing.DefaultTargets(), p.Supervisor.Targets())
	assert.Equal(t, 3, p.MaxRoleHops)
}

func TestNewTurnPipeline_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRoleHops = 0
	_, err := NewTurnPipeline(cfg, agents.TemplateGenerator{}, nil, nil)
	assert.Error(t, err)
}

func TestNewTurnPipeline_RequiresGenerator(t *testing.T) {
	_, err := NewTurnPipeline(testConfig(), nil, nil, nil)
	assert.Error(t, err)
}

func TestTargetsFromRoster_CustomNames(t *testing.T) {
	r := config.DefaultRoster()
	r.GetRole("support").Name = "humans"

	targets := TargetsFromRoster(&r)

	assert.Equal(t, "humans", targets.Fallback)
	assert.Equal(t, "engagement", targets.Engagement)
}

// =============================================================================
// LIVE TURN TESTS
// =============================================================================

func TestRun_FirstHolaGreets(t *testing.T) {
	p := newTestPipeline(t, agents.TemplateGenerator{})
	env := live("Hola", nil, envelope.NewSessionState())

	require.NoError(t, p.Run(context.Background(), env, nil))

	assert.Equal(t, stage.Greeting, env.Analysis.Stage)
	assert.Equal(t, "engagement", env.ResponseRole)
	assert.Equal(t, greeting, env.ResponseText)
	assert.Equal(t, string(agents.RoleOutcomeTemplated), env.Outcome)
	assert.Equal(t, 1, env.State.Score.Score)
	assert.Equal(t, 1, env.State.TurnCount)
	assert.Equal(t, 1, env.RoleHopCount)
	require.NotNil(t, env.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonResponded, *env.TerminalReason)

	require.Len(t, env.Appended, 2)
	assert.Equal(t, ledger.AuthorCustomer, env.Appended[0].Author)
	assert.Equal(t, ledger.RoleAuthor("engagement"), env.Appended[1].Author)
	assert.Equal(t, ledger.ProvenanceLive, env.Appended[1].Provenance)
	assert.Equal(t, "engagement", env.State.Memory.ActiveRole())
}

func TestRun_CapturedNameCountsBeforeScoring(t *testing.T) {
	p := newTestPipeline(t, agents.TemplateGenerator{})
	first := live("Hola", nil, envelope.NewSessionState())
	require.NoError(t, p.Run(context.Background(), first, nil))

	second := live("ana maría", first.Entries(), first.State)
	require.NoError(t, p.Run(context.Background(), second, nil))

	assert.Equal(t, stage.AwaitBusiness, second.Analysis.Stage)
	assert.Equal(t, "Ana María", second.State.Facts.Value(facts.KeyName))
	assert.True(t, second.Captured.Has(facts.KeyName))
	assert.Equal(t, 3, second.State.Score.Score)
	assert.Equal(t, "Mucho gusto, Ana María. ¿Qué tipo de negocio tienes?", second.ResponseText)
	assert.Equal(t, 2, second.State.TurnCount)

	// The first envelope's state is untouched.
	assert.False(t, first.State.Facts.Has(facts.KeyName))
}

func TestRun_EscalatingStageRoutesToFallback(t *testing.T) {
	p := newTestPipeline(t, agents.TemplateGenerator{})
	env := live("quiero hablar con una persona real", nil, envelope.NewSessionState())

	require.NoError(t, p.Run(context.Background(), env, nil))

	assert.Equal(t, stage.Escalating, env.Analysis.Stage)
	assert.Equal(t, "support", env.ResponseRole)
	first, ok := env.LastDirective()
	require.True(t, ok)
	assert.Equal(t, routing.ReasonStageEscalating, first.Reason)
	assert.False(t, env.EscalationLimited)
}

// =============================================================================
// ESCALATION TESTS
// =============================================================================

func TestRun_AcceptedEscalationHandsOff(t *testing.T) {
	p := newTestPipeline(t, byRole(map[string]agents.Generation{
		"engagement":    escalate(routing.NeedsQualification),
		"qualification": {Action: config.ActionRespond, Text: "¿Qué quieres lograr?"},
	}))
	obs := &recordingObserver{}
	env := live("Hola", nil, envelope.NewSessionState())

	require.NoError(t, p.Run(context.Background(), env, obs))

	assert.Equal(t, "qualification", env.ResponseRole)
	assert.Equal(t, "¿Qué quieres lograr?", env.ResponseText)
	assert.Equal(t, 2, env.RoleHopCount)
	assert.Equal(t, 1, env.State.Escalation.AttemptCount)
	assert.Equal(t, "qualification", env.State.Memory.ActiveRole())

	require.Len(t, obs.handoffs, 1)
	assert.Equal(t, [2]string{"engagement", "qualification"}, obs.handoffs[0])
	require.Len(t, obs.escalations, 1)
	assert.Equal(t, routing.ReasonEscalated, obs.escalations[0].Reason)

	// customer, handoff summary, reply
	require.Len(t, env.Appended, 3)
	assert.Equal(t, ledger.ProvenanceSynthesized, env.Appended[1].Provenance)
	_, ok := env.State.Memory.Summary("qualification")
	assert.True(t, ok)
}

func TestRun_HopLimitForcesTerminalFallback(t *testing.T) {
	p := newTestPipeline(t, byRole(map[string]agents.Generation{
		"engagement":    escalate(routing.NeedsQualification),
		"qualification": escalate(routing.CustomerConfused),
		"support":       {Action: config.ActionRespond, Text: "Te contactará una persona."},
	}))
	env := live("Hola", nil, envelope.NewSessionState())

	require.NoError(t, p.Run(context.Background(), env, nil))

	assert.True(t, env.HopLimited)
	assert.Equal(t, "support", env.ResponseRole)
	assert.Equal(t, "Te contactará una persona.", env.ResponseText)
	assert.Equal(t, 4, env.RoleHopCount)
	assert.Equal(t, 2, env.State.Escalation.AttemptCount)
	last, _ := env.LastDirective()
	assert.True(t, last.Terminal)
	assert.Equal(t, routing.ReasonHopLimit, last.Reason)
	assert.Equal(t, envelope.TerminalReasonMaxRoleHopsExceeded, *env.TerminalReason)
}

func TestRun_EscalationCapReachedAtTurnStart(t *testing.T) {
	p := newTestPipeline(t, agents.TemplateGenerator{})
	state := envelope.NewSessionState()
	state.Escalation.AttemptCount = 3

	env := live("Hola", nil, state)
	require.NoError(t, p.Run(context.Background(), env, nil))

	assert.True(t, env.EscalationLimited)
	assert.Equal(t, "support", env.ResponseRole)
	assert.NotEmpty(t, env.ResponseText)
	assert.Equal(t, 1, env.RoleHopCount)
	assert.Equal(t, envelope.TerminalReasonEscalationLimit, *env.TerminalReason)
}

func TestRun_EscalationBeyondCapIsRejected(t *testing.T) {
	p := newTestPipeline(t, byRole(map[string]agents.Generation{
		"engagement":    escalate(routing.NeedsQualification),
		"qualification": escalate(routing.CustomerConfused),
	}))
	obs := &recordingObserver{}
	state := envelope.NewSessionState()
	state.Escalation.AttemptCount = 2

	env := live("Hola", nil, state)
	require.NoError(t, p.Run(context.Background(), env, obs))

	assert.True(t, env.EscalationLimited)
	assert.False(t, env.HopLimited)
	assert.Equal(t, "support", env.ResponseRole)
	assert.Equal(t, 3, env.State.Escalation.AttemptCount)
	assert.True(t, env.State.Escalation.Limited)
	require.Len(t, obs.escalations, 2)
	assert.True(t, obs.escalations[1].Rejected)
	assert.Equal(t, envelope.TerminalReasonEscalationLimit, *env.TerminalReason)
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestRun_GenerationFailureFlagsManualFollowUp(t *testing.T) {
	p := newTestPipeline(t, agents.GeneratorFunc(func(ctx context.Context, req agents.Request) (agents.Generation, error) {
		return agents.Generation{}, errors.New("upstream down")
	}))
	env := live("Hola", nil, envelope.NewSessionState())

	require.NoError(t, p.Run(context.Background(), env, nil))

	assert.Equal(t, agents.GenericFallbackText, env.ResponseText)
	assert.True(t, env.ManualFollowUp)
	assert.True(t, env.State.ManualFollowUp)
	assert.Equal(t, envelope.TerminalReasonGenerationFailed, *env.TerminalReason)
	assert.True(t, env.TerminalReason.IsFlagged())
}

func TestRun_CancelledContext(t *testing.T) {
	p := newTestPipeline(t, agents.TemplateGenerator{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := live("Hola", nil, envelope.NewSessionState())

	err := p.Run(ctx, env, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, env.ResponseText)
	assert.NotEmpty(t, env.Errors)
}

// =============================================================================
// IMPORTED HISTORY TESTS
// =============================================================================

func TestRun_ImportedSeedsFactsOnly(t *testing.T) {
	p := newTestPipeline(t, agents.GeneratorFunc(func(ctx context.Context, req agents.Request) (agents.Generation, error) {
		t.Fatal("imported history must not reach a role")
		return agents.Generation{}, nil
	}))
	env := envelope.NewTurnEnvelope("sess-1", "mi correo es ana@example.com", ledger.ProvenanceImported, nil, envelope.NewSessionState())

	require.NoError(t, p.Run(context.Background(), env, nil))

	assert.Equal(t, "ana@example.com", env.State.Facts.Value(facts.KeyEmail))
	assert.Equal(t, 1, env.State.Score.Score)
	assert.Equal(t, 0, env.State.TurnCount)
	assert.Empty(t, env.Directives)
	assert.Empty(t, env.ResponseText)
	require.Len(t, env.Appended, 1)
	assert.Equal(t, ledger.ProvenanceImported, env.Appended[0].Provenance)
	assert.Equal(t, envelope.TerminalReasonImported, *env.TerminalReason)
}
