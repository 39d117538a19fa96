package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jeeves-cluster-organization/leadflow/commbus"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/testutil"
)

const greeting = "¡Hola! Gracias por escribirnos. ¿Cuál es tu nombre?"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixture struct {
	orch      *Orchestrator
	persister *testutil.MockPersister
	deliverer *testutil.MockDeliverer
	bus       *commbus.InMemoryCommBus
	events    *eventRecorder
}

func newFixture(t *testing.T, cfg *config.CoreConfig) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testutil.NewTestConfig()
	}
	f := &fixture{
		persister: testutil.NewMockPersister(),
		deliverer: testutil.NewMockDeliverer(),
		bus:       commbus.NewInMemoryCommBus(time.Second, nil),
		events:    &eventRecorder{},
	}
	f.events.subscribe(f.bus)

	orch, err := New(Options{
		Config:    cfg,
		Persister: f.persister,
		Deliverer: f.deliverer,
		Bus:       f.bus,
	})
	require.NoError(t, err)
	f.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})
	return f
}

type eventRecorder struct {
	mu     sync.Mutex
	events []commbus.Message
}

func (r *eventRecorder) subscribe(bus *commbus.InMemoryCommBus) {
	for _, typ := range []string{
		commbus.TypeSessionStarted,
		commbus.TypeSessionEnded,
		commbus.TypeTurnCompleted,
		commbus.TypeStageTransition,
		commbus.TypeRoleHandoff,
		commbus.TypeEscalationRejected,
		commbus.TypeManualFollowUpRequired,
	} {
		bus.Subscribe(typ, func(ctx context.Context, msg commbus.Message) (any, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, msg)
			return nil, nil
		})
	}
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = commbus.GetMessageType(e)
	}
	return out
}

func (r *eventRecorder) last(typ string) commbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if commbus.GetMessageType(r.events[i]) == typ {
			return r.events[i]
		}
	}
	return nil
}

func factValue(out *Outcome, key string) any {
	f, ok := out.Facts[key].(map[string]any)
	if !ok {
		return nil
	}
	return f["value"]
}

// =============================================================================
// TURN TESTS
// =============================================================================

func TestHandleTurn_FirstMessageGreets(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.orch.HandleTurn(context.Background(), "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)

	assert.Equal(t, "s1", out.SessionID)
	assert.NotEmpty(t, out.TurnID)
	assert.Equal(t, "engagement", out.Role)
	assert.Equal(t, greeting, out.Text)
	assert.Equal(t, stage.Greeting, out.Stage)
	assert.Equal(t, 1, out.Score)
	assert.Equal(t, 1, out.BatchCount)
	assert.Equal(t, envelope.TerminalReasonResponded, out.TerminalReason)
	assert.True(t, out.Delivered)
	assert.False(t, out.Flagged())

	deliveries := f.deliverer.For("s1")
	require.Len(t, deliveries, 1)
	assert.Equal(t, "engagement: "+greeting, testutil.Transcript(deliveries))

	snap, err := f.orch.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Turns)
	assert.Equal(t, "engagement", snap.ActiveRole)
	require.Len(t, snap.Ledger, 2)
	assert.Equal(t, ledger.AuthorCustomer, snap.Ledger[0].Author)
	assert.Equal(t, greeting, snap.Ledger[1].Text)

	turns, err := f.persister.LoadTurns(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, out.TurnID, turns[0].TurnID)
}

func TestHandleTurn_CommitsStateAcrossTurns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)
	out, err := f.orch.HandleTurn(ctx, "s1", "ana maría", ledger.ProvenanceLive)
	require.NoError(t, err)

	assert.Equal(t, stage.AwaitBusiness, out.Stage)
	assert.Equal(t, "Ana María", factValue(out, "name"))
	assert.Equal(t, 3, out.Score)
	assert.Equal(t, "Mucho gusto, Ana María. ¿Qué tipo de negocio tienes?", out.Text)

	snap, err := f.orch.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Turns)
	assert.Len(t, snap.Ledger, 4)
}

func TestHandleTurn_ProblemStatementIsNotAName(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "s1", "Hi", ledger.ProvenanceLive)
	require.NoError(t, err)
	out, err := f.orch.HandleTurn(ctx, "s1", "I'm losing customers every week", ledger.ProvenanceLive)
	require.NoError(t, err)

	assert.Equal(t, stage.AwaitName, out.Stage)
	assert.Nil(t, factValue(out, "name"))
	assert.NotContains(t, out.Text, "Losing")
}

func TestHandleTurn_BusinessAnswerStaysInFunnel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, text := range []string{"Hola", "Luis"} {
		_, err := f.orch.HandleTurn(ctx, "s1", text, ledger.ProvenanceLive)
		require.NoError(t, err)
	}
	out, err := f.orch.HandleTurn(ctx, "s1", "una empresa de recursos humanos", ledger.ProvenanceLive)
	require.NoError(t, err)

	assert.Equal(t, stage.AwaitGoal, out.Stage)
	assert.NotEqual(t, "support", out.Role)
	assert.Equal(t, "recursos humanos", factValue(out, "business_type"))
}

func TestHandleTurn_InputValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		sessionID  string
		text       string
		provenance ledger.Provenance
	}{
		{"empty session", " ", "Hola", ledger.ProvenanceLive},
		{"empty text", "s1", "  ", ledger.ProvenanceLive},
		{"synthesized", "s1", "Hola", ledger.ProvenanceSynthesized},
		{"unknown provenance", "s1", "Hola", ledger.Provenance("forged")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.HandleTurn(ctx, tt.sessionID, tt.text, tt.provenance)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 0, f.deliverer.GetCallCount())
}

func TestHandleTurn_EmptyProvenanceIsLive(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.orch.HandleTurn(context.Background(), "s1", "Hola", "")
	require.NoError(t, err)
	assert.Equal(t, ledger.ProvenanceLive, out.Provenance)
	assert.True(t, out.Delivered)
}

// =============================================================================
// AGGREGATION TESTS
// =============================================================================

func TestHandleTurn_MergedCallersShareOutcome(t *testing.T) {
	cfg := testutil.NewAggregatingTestConfig(10 * time.Second)
	cfg.MaxBatchSize = 2
	f := newFixture(t, cfg)

	var wg sync.WaitGroup
	outs := make([]*Outcome, 2)
	errs := make([]error, 2)
	for i, text := range []string{"Hola", "buenas"} {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			outs[i], errs[i] = f.orch.HandleTurn(context.Background(), "s1", text, ledger.ProvenanceLive)
		}(i, text)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Same(t, outs[0], outs[1])
	assert.Equal(t, 2, outs[0].BatchCount)
	assert.Equal(t, 1, f.deliverer.GetCallCount())

	snap, err := f.orch.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Turns)
}

func TestHandleTurn_WindowFlushReleasesCaller(t *testing.T) {
	f := newFixture(t, testutil.NewAggregatingTestConfig(20*time.Millisecond))

	out, err := f.orch.HandleTurn(context.Background(), "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)
	assert.Equal(t, 1, out.BatchCount)
	assert.Equal(t, greeting, out.Text)
}

func TestHandleTurn_CallerCancelDoesNotAbandonTurn(t *testing.T) {
	f := newFixture(t, testutil.NewAggregatingTestConfig(30*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		return f.deliverer.GetCallCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEndSession_FlushesPendingBatch(t *testing.T) {
	f := newFixture(t, testutil.NewAggregatingTestConfig(10*time.Second))

	var out *Outcome
	var turnErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		out, turnErr = f.orch.HandleTurn(context.Background(), "s1", "Hola", ledger.ProvenanceLive)
	}()

	require.Eventually(t, func() bool {
		snap, err := f.orch.Snapshot("s1")
		return err == nil && snap.PendingBatch == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, f.orch.EndSession(context.Background(), "s1"))
	<-done

	require.NoError(t, turnErr)
	assert.Equal(t, greeting, out.Text)
	assert.Equal(t, 0, f.orch.GetSessionCount())

	_, err := f.orch.Snapshot("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	ended, ok := f.events.last(commbus.TypeSessionEnded).(*commbus.SessionEnded)
	require.True(t, ok)
	assert.Equal(t, EndReasonEnded, ended.Reason)
	assert.Equal(t, 1, ended.Turns)
}

// =============================================================================
// IMPORTED HISTORY TESTS
// =============================================================================

func TestHandleTurn_ImportedIsNotDelivered(t *testing.T) {
	f := newFixture(t, nil)

	out, err := f.orch.HandleTurn(context.Background(), "s1", "mi correo es ana@example.com", ledger.ProvenanceImported)
	require.NoError(t, err)

	assert.Equal(t, envelope.TerminalReasonImported, out.TerminalReason)
	assert.False(t, out.Delivered)
	assert.Empty(t, out.Text)
	assert.Equal(t, "ana@example.com", factValue(out, "email"))
	assert.Equal(t, 0, f.deliverer.GetCallCount())
}

func TestImportHistory_SkipsBlankEntries(t *testing.T) {
	f := newFixture(t, nil)

	n, err := f.orch.ImportHistory(context.Background(), "s1", []string{"hola", "  ", "mi correo es ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, err := f.orch.Snapshot("s1")
	require.NoError(t, err)
	require.Len(t, snap.Ledger, 2)
	for _, u := range snap.Ledger {
		assert.Equal(t, ledger.ProvenanceImported, u.Provenance)
	}
	assert.Equal(t, 0, f.deliverer.GetCallCount())
}

// =============================================================================
// FAILURE TESTS
// =============================================================================

func TestHandleTurn_PersistenceFailureDoesNotCommit(t *testing.T) {
	f := newFixture(t, nil)
	f.persister.WithFailures(-1)

	out, err := f.orch.HandleTurn(context.Background(), "s1", "Hola", ledger.ProvenanceLive)
	require.Error(t, err)
	assert.Nil(t, out)

	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "s1", perr.SessionID)
	assert.NotEmpty(t, perr.TurnID)

	// One attempt plus MaxPersistenceRetries.
	assert.Equal(t, 4, f.persister.GetSaveCalls())
	assert.Equal(t, 0, f.deliverer.GetCallCount())

	snap, err := f.orch.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Turns)
	assert.Empty(t, snap.Ledger)
	assert.Equal(t, true, snap.State["manual_follow_up"])

	follow, ok := f.events.last(commbus.TypeManualFollowUpRequired).(*commbus.ManualFollowUpRequired)
	require.True(t, ok)
	assert.Equal(t, "persistence_failed", follow.Reason)
	assert.Nil(t, f.events.last(commbus.TypeTurnCompleted))
}

func TestHandleTurn_TransientPersistenceFailureRetries(t *testing.T) {
	f := newFixture(t, nil)
	f.persister.WithFailures(2)

	out, err := f.orch.HandleTurn(context.Background(), "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.Equal(t, 3, f.persister.GetSaveCalls())
}

func TestHandleTurn_DeliveryFailureFlagsManualFollowUp(t *testing.T) {
	f := newFixture(t, nil)
	f.deliverer.FailTimes = -1

	out, err := f.orch.HandleTurn(context.Background(), "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)

	assert.False(t, out.Delivered)
	assert.True(t, out.ManualFollowUp)
	assert.True(t, out.Flagged())
	assert.Equal(t, 4, f.deliverer.GetCallCount())

	snap, err := f.orch.Snapshot("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Turns, "turn stays committed")
	assert.Equal(t, true, snap.State["manual_follow_up"])

	follow, ok := f.events.last(commbus.TypeManualFollowUpRequired).(*commbus.ManualFollowUpRequired)
	require.True(t, ok)
	assert.Equal(t, "delivery_failed", follow.Reason)
}

func TestHandleTurn_RateLimited(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.InboundPerMinute = 1
	cfg.InboundBurst = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)

	_, err = f.orch.HandleTurn(ctx, "s1", "Hola otra vez", ledger.ProvenanceLive)
	var rerr *RateLimitedError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "s1", rerr.SessionID)
	assert.Greater(t, rerr.RetryAfter, time.Duration(0))

	_, err = f.orch.HandleTurn(ctx, "s2", "Hola", ledger.ProvenanceLive)
	assert.NoError(t, err, "limits are per session")
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestEvents_PublishedAfterCommitInOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)
	assert.Equal(t, []string{commbus.TypeSessionStarted, commbus.TypeTurnCompleted}, f.events.types())

	_, err = f.orch.HandleTurn(ctx, "s1", "ana maría", ledger.ProvenanceLive)
	require.NoError(t, err)

	types := f.events.types()
	assert.Equal(t, commbus.TypeTurnCompleted, types[len(types)-1])
	assert.Contains(t, types[2:], commbus.TypeStageTransition)

	transition, ok := f.events.last(commbus.TypeStageTransition).(*commbus.StageTransition)
	require.True(t, ok)
	assert.Equal(t, string(stage.Greeting), transition.FromStage)
	assert.Equal(t, string(stage.AwaitBusiness), transition.ToStage)

	completed, ok := f.events.last(commbus.TypeTurnCompleted).(*commbus.TurnCompleted)
	require.True(t, ok)
	assert.Equal(t, "engagement", completed.Role)
	assert.True(t, completed.Delivered)
}

func TestRegisterHandlers(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.RegisterHandlers(f.bus))
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)

	res, err := f.bus.QuerySync(ctx, &commbus.GetSessionSnapshot{SessionID: "s1"})
	require.NoError(t, err)
	snap, ok := res.(*Snapshot)
	require.True(t, ok)
	assert.Equal(t, 1, snap.Turns)

	_, err = f.bus.QuerySync(ctx, &commbus.GetSessionSnapshot{SessionID: "missing"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	res, err = f.bus.QuerySync(ctx, &commbus.HealthCheckRequest{})
	require.NoError(t, err)
	health, ok := res.(*commbus.HealthCheckResponse)
	require.True(t, ok)
	assert.Equal(t, commbus.HealthStatusHealthy, health.Status)
	assert.Equal(t, 1, health.Details["sessions"])

	assert.Error(t, f.orch.RegisterHandlers(f.bus), "handlers register once")
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestEndSession_Unknown(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.orch.EndSession(context.Background(), "missing"), ErrSessionNotFound)
}

func TestSessionIDs(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		_, err := f.orch.HandleTurn(ctx, id, "Hola", ledger.ProvenanceLive)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"a", "b", "c"}, f.orch.SessionIDs())
	assert.Equal(t, 3, f.orch.GetSessionCount())
}

func TestClose_RejectsNewTurns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)

	require.NoError(t, f.orch.Close(ctx))
	require.NoError(t, f.orch.Close(ctx), "close is idempotent")

	_, err = f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	assert.ErrorIs(t, err, ErrOrchestratorClosed)
	assert.Equal(t, 0, f.orch.GetSessionCount())

	ended, ok := f.events.last(commbus.TypeSessionEnded).(*commbus.SessionEnded)
	require.True(t, ok)
	assert.Equal(t, EndReasonShutdown, ended.Reason)
}

func TestCleanupIdleSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.HandleTurn(ctx, "s1", "Hola", ledger.ProvenanceLive)
	require.NoError(t, err)

	assert.Equal(t, 0, f.orch.CleanupIdleSessions(0))
	assert.Equal(t, 0, f.orch.CleanupIdleSessions(time.Hour))
	assert.Equal(t, 1, f.orch.GetSessionCount())

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, f.orch.CleanupIdleSessions(time.Millisecond))
	assert.Equal(t, 0, f.orch.GetSessionCount())

	ended, ok := f.events.last(commbus.TypeSessionEnded).(*commbus.SessionEnded)
	require.True(t, ok)
	assert.Equal(t, EndReasonIdle, ended.Reason)
}

func TestStartCleanupLoop_Stops(t *testing.T) {
	f := newFixture(t, nil)
	stop := f.orch.StartCleanupLoop(CleanupConfig{
		Interval:        time.Millisecond,
		SessionIdleTTL:  time.Hour,
		CommitRetention: time.Hour,
	})
	time.Sleep(5 * time.Millisecond)
	stop()
	stop()
}

func TestCleanupConfigFromCore(t *testing.T) {
	cfg := testutil.NewTestConfig()
	cfg.CleanupInterval = 30
	cfg.SessionIdleTTL = 7200
	f := newFixture(t, cfg)

	got := f.orch.CleanupConfig()
	assert.Equal(t, 30*time.Second, got.Interval)
	assert.Equal(t, 2*time.Hour, got.SessionIdleTTL)
	assert.Equal(t, 2*time.Hour, got.CommitRetention)
}
