package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/scoring"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
)

func newSupervisor() *Supervisor {
	return NewSupervisor(DefaultTargets(), 3, scoring.NewScorer(300))
}

func withFacts(values map[facts.Key]string) facts.FactSet {
	fs := facts.NewFactSet()
	for k, v := range values {
		fs.Set(k, facts.Fact{Value: v, Confidence: 0.6})
	}
	return fs
}

func qualifiedFacts() facts.FactSet {
	return withFacts(map[facts.Key]string{
		facts.KeyName:   "Ana",
		facts.KeyEmail:  "ana@example.com",
		facts.KeyBudget: "500/month",
	})
}

// =============================================================================
// ROUTE
// =============================================================================

func TestRoute_ScoreBands(t *testing.T) {
	tests := []struct {
		name   string
		score  int
		facts  facts.FactSet
		target string
		reason RouteReason
	}{
		{"greeting lead", 1, facts.NewFactSet(), "engagement", ReasonScoreBand},
		{
			"business and goal upgrade",
			4,
			withFacts(map[facts.Key]string{facts.KeyBusinessType: "restaurante", facts.KeyGoal: "perdiendo reservas"}),
			"qualification",
			ReasonBusinessAndGoal,
		},
		{
			"placeholder business does not upgrade",
			4,
			withFacts(map[facts.Key]string{facts.KeyBusinessType: "negocio", facts.KeyGoal: "crecer"}),
			"engagement",
			ReasonScoreBand,
		},
		{"middle band", 6, facts.NewFactSet(), "qualification", ReasonScoreBand},
		{"qualified high score", 9, qualifiedFacts(), "closing", ReasonQualified},
		{
			"high score missing email",
			9,
			withFacts(map[facts.Key]string{facts.KeyName: "Ana", facts.KeyBudget: "500/month"}),
			"qualification",
			ReasonQualificationRequired,
		},
		{
			"high score low budget",
			10,
			withFacts(map[facts.Key]string{facts.KeyName: "Ana", facts.KeyEmail: "a@b.co", facts.KeyBudget: "100"}),
			"qualification",
			ReasonQualificationRequired,
		},
	}

	s := newSupervisor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := s.Route(tt.score, stage.AwaitBusiness, tt.facts, EscalationContext{})
			assert.Equal(t, tt.target, d.Target)
			assert.Equal(t, tt.reason, d.Reason)
			assert.False(t, d.Terminal)
		})
	}
}

func TestRoute_EscalatingStageGoesToFallback(t *testing.T) {
	d := newSupervisor().Route(9, stage.Escalating, qualifiedFacts(), EscalationContext{})

	assert.Equal(t, "support", d.Target)
	assert.Equal(t, ReasonStageEscalating, d.Reason)
	assert.False(t, d.Terminal)
}

func TestRoute_CapForcesTerminalFallback(t *testing.T) {
	d := newSupervisor().Route(9, stage.Confirming, qualifiedFacts(), EscalationContext{AttemptCount: 3})

	assert.Equal(t, "support", d.Target)
	assert.True(t, d.Terminal)
	assert.Equal(t, ReasonEscalationLimit, d.Reason)
	assert.Equal(t, 3, d.AttemptCount)
}

func TestRoute_TaskSummaryNamesStage(t *testing.T) {
	d := newSupervisor().Route(1, stage.AwaitName, facts.NewFactSet(), EscalationContext{})
	assert.Contains(t, d.TaskSummary, "AWAIT_NAME")
	assert.Contains(t, d.TaskSummary, "ask_name")
}

// =============================================================================
// ESCALATE
// =============================================================================

func TestEscalate_PreferredTargets(t *testing.T) {
	tests := []struct {
		reason EscalationReason
		from   string
		facts  facts.FactSet
		score  int
		target string
	}{
		{NeedsAppointment, "qualification", qualifiedFacts(), 9, "closing"},
		{NeedsAppointment, "engagement", facts.NewFactSet(), 3, "qualification"},
		{NeedsQualification, "closing", qualifiedFacts(), 9, "qualification"},
		{NeedsSupport, "engagement", facts.NewFactSet(), 2, "support"},
		{CustomerConfused, "qualification", facts.NewFactSet(), 6, "engagement"},
		{WrongAgent, "engagement", facts.NewFactSet(), 6, "qualification"},
	}

	s := newSupervisor()
	for _, tt := range tests {
		t.Run(string(tt.reason)+"_from_"+tt.from, func(t *testing.T) {
			d, next := s.Escalate(EscalationRequest{From: tt.from, Reason: tt.reason}, tt.score, tt.facts, EscalationContext{})
			assert.Equal(t, tt.target, d.Target)
			assert.Equal(t, ReasonEscalated, d.Reason)
			assert.Equal(t, 1, next.AttemptCount)
			assert.Equal(t, 1, d.AttemptCount)
			require.NotNil(t, d.Escalation)
			assert.Equal(t, tt.reason, d.Escalation.Reason)
		})
	}
}

func TestEscalate_NeverRoutesBackToRequester(t *testing.T) {
	s := newSupervisor()
	roles := []string{"engagement", "qualification", "closing", "support"}
	reasons := []EscalationReason{NeedsAppointment, NeedsQualification, NeedsSupport, CustomerConfused, WrongAgent}
	scores := []int{1, 4, 5, 7, 8, 10}
	factSets := []facts.FactSet{facts.NewFactSet(), qualifiedFacts()}

	for _, from := range roles {
		for _, reason := range reasons {
			for _, score := range scores {
				for _, fs := range factSets {
					for count := 0; count < 3; count++ {
						d, _ := s.Escalate(EscalationRequest{From: from, Reason: reason}, score, fs, EscalationContext{AttemptCount: count})
						assert.NotEqual(t, from, d.Target, "from=%s reason=%s score=%d count=%d", from, reason, score, count)
					}
				}
			}
		}
	}
}

func TestEscalate_NeverSkipsQualification(t *testing.T) {
	s := newSupervisor()
	d, _ := s.Escalate(EscalationRequest{From: "qualification", Reason: WrongAgent}, 9, facts.NewFactSet(), EscalationContext{})
	assert.NotEqual(t, "closing", d.Target)
}

func TestEscalate_FourthEscalationRejectedAtCap(t *testing.T) {
	s := newSupervisor()
	esc := EscalationContext{}
	cycle := []string{"engagement", "qualification", "closing", "engagement"}

	var d Directive
	for i, from := range cycle[:3] {
		d, esc = s.Escalate(EscalationRequest{From: from, Reason: WrongAgent}, 6, facts.NewFactSet(), esc)
		assert.False(t, d.Rejected, "escalation %d", i+1)
		assert.Equal(t, i+1, esc.AttemptCount)
	}

	// After three escalations routing always resolves to the fallback.
	route := s.Route(6, stage.AwaitGoal, facts.NewFactSet(), esc)
	assert.Equal(t, "support", route.Target)
	assert.True(t, route.Terminal)

	d, esc = s.Escalate(EscalationRequest{From: cycle[3], Reason: WrongAgent}, 6, facts.NewFactSet(), esc)
	assert.True(t, d.Rejected)
	assert.True(t, d.Terminal)
	assert.Equal(t, "support", d.Target)
	assert.Equal(t, ReasonEscalationRejected, d.Reason)
	assert.Equal(t, 3, esc.AttemptCount)
	assert.True(t, esc.Limited)

	// Further attempts stay frozen.
	_, esc = s.Escalate(EscalationRequest{From: "support", Reason: NeedsQualification}, 6, facts.NewFactSet(), esc)
	assert.Equal(t, 3, esc.AttemptCount)
	require.Len(t, esc.History, 5)
	assert.False(t, esc.History[4].Accepted)
}

func TestEscalate_DoesNotMutateInput(t *testing.T) {
	s := newSupervisor()
	esc := EscalationContext{AttemptCount: 1, History: []EscalationRecord{{From: "engagement", To: "qualification", Accepted: true}}}

	_, next := s.Escalate(EscalationRequest{From: "qualification", Reason: NeedsSupport}, 5, facts.NewFactSet(), esc)

	assert.Equal(t, 1, esc.AttemptCount)
	assert.Len(t, esc.History, 1)
	assert.Equal(t, 2, next.AttemptCount)
	assert.Len(t, next.History, 2)
}

func TestEscalate_UnknownReasonTreatedAsWrongAgent(t *testing.T) {
	d, _ := newSupervisor().Escalate(EscalationRequest{From: "engagement", Reason: "bored"}, 2, facts.NewFactSet(), EscalationContext{})
	assert.Equal(t, WrongAgent, d.Escalation.Reason)
	assert.NotEqual(t, "engagement", d.Target)
}

func TestHopLimit(t *testing.T) {
	d := newSupervisor().HopLimit(EscalationContext{AttemptCount: 2})
	assert.Equal(t, "support", d.Target)
	assert.Equal(t, ReasonHopLimit, d.Reason)
	assert.True(t, d.Terminal)
	assert.Equal(t, 2, d.AttemptCount)
}

func TestDirective_ToMap(t *testing.T) {
	d := Directive{Target: "closing", Reason: ReasonEscalated, Escalation: &EscalationRequest{From: "qualification", Reason: NeedsAppointment}}
	m := d.ToMap()
	assert.Equal(t, "closing", m["target"])
	assert.Equal(t, "needs_appointment", m["escalation"].(map[string]any)["reason"])
}

// =============================================================================
// COMMIT
// =============================================================================

func TestCommit_OncePerTurn(t *testing.T) {
	s := newSupervisor()
	calls := 0
	fn := func(context.Context) error {
		calls++
		return nil
	}

	ran, err := s.Commit(context.Background(), "turn-1", fn)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = s.Commit(context.Background(), "turn-1", fn)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, calls)
	assert.True(t, s.Committed("turn-1"))
}

func TestCommit_FailureAllowsRetry(t *testing.T) {
	s := newSupervisor()
	boom := errors.New("disk full")

	ran, err := s.Commit(context.Background(), "turn-2", func(context.Context) error { return boom })
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Committed("turn-2"))

	ran, err = s.Commit(context.Background(), "turn-2", func(context.Context) error { return nil })
	assert.True(t, ran)
	assert.NoError(t, err)
	assert.True(t, s.Committed("turn-2"))
}

func TestCommit_PanicIsAnError(t *testing.T) {
	s := newSupervisor()
	_, err := s.Commit(context.Background(), "turn-3", func(context.Context) error { panic("boom") })
	assert.ErrorContains(t, err, "panicked")
	assert.False(t, s.Committed("turn-3"))
}

func TestCommit_ConcurrentCallersRunOnce(t *testing.T) {
	s := newSupervisor()
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Commit(context.Background(), "turn-4", func(context.Context) error {
				calls.Add(1)
				<-release
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestCommit_RequiresTurnID(t *testing.T) {
	_, err := newSupervisor().Commit(context.Background(), "", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestPruneCommits(t *testing.T) {
	s := newSupervisor()
	_, _ = s.Commit(context.Background(), "old", func(context.Context) error { return nil })

	assert.Equal(t, 0, s.PruneCommits(time.Hour))
	assert.Equal(t, 1, s.PruneCommits(-time.Second))
	assert.False(t, s.Committed("old"))
}
