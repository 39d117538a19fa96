// Package kernel provides the Orchestrator: the session registry that owns
// committed conversation state and runs turns through the pipeline.
//
// The Orchestrator:
//   - Creates a session on its first turn and runs one worker per session
//   - Coalesces live customer messages through the aggregator
//   - Persists each turn before committing it, then delivers exactly one reply
//   - Publishes domain events only after commit
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/leadflow/commbus"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/aggregator"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/runtime"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/store"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/tools"
)

// Session end reasons.
const (
	EndReasonEnded    = "ended"
	EndReasonIdle     = "idle"
	EndReasonShutdown = "shutdown"
)

// =============================================================================
// Delivery
// =============================================================================

// Deliverer sends the single customer-visible message of a processed turn.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID, role, text string) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, sessionID, role, text string) error

// Deliver calls f.
func (f DelivererFunc) Deliver(ctx context.Context, sessionID, role, text string) error {
	return f(ctx, sessionID, role, text)
}

type discardDeliverer struct{}

func (discardDeliverer) Deliver(context.Context, string, string, string) error { return nil }

// =============================================================================
// Orchestrator
// =============================================================================

// Options wires the Orchestrator's collaborators. Only Config is required.
type Options struct {
	Config    *config.CoreConfig
	Generator agents.Generator
	Actions   tools.ActionRegistry
	Persister store.Persister
	Deliverer Deliverer
	Bus       commbus.Publisher
	Logger    logging.Logger
}

// Orchestrator manages sessions and runs their turns.
type Orchestrator struct {
	cfg       *config.CoreConfig
	pipeline  *runtime.TurnPipeline
	agg       *aggregator.Aggregator
	persister store.Persister
	deliverer Deliverer
	bus       commbus.Publisher
	limiter   *RateLimiter
	retry     RetryPolicy
	logger    logging.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	sessions map[string]*session
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup

	stopCleanup func()
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultCoreConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	gen := opts.Generator
	if gen == nil {
		gen = agents.TemplateGenerator{}
	}

	pipeline, err := runtime.NewTurnPipeline(cfg, gen, opts.Actions, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		pipeline:  pipeline,
		persister: opts.Persister,
		deliverer: opts.Deliverer,
		bus:       opts.Bus,
		limiter:   NewRateLimiter(RateLimitConfig{MessagesPerMinute: cfg.InboundPerMinute, BurstSize: cfg.InboundBurst}),
		retry:     RetryPolicyFromConfig(cfg),
		logger:    logger.Bind("component", "orchestrator"),
		sessions:  make(map[string]*session),
	}
	if o.persister == nil {
		o.persister = store.NewMemoryPersister()
	}
	if o.deliverer == nil {
		o.deliverer = discardDeliverer{}
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	o.agg = aggregator.New(aggregator.Config{
		Window:   cfg.AggregationWindow(),
		MaxBatch: cfg.MaxBatchSize,
	}, o.onFlush, logger)

	return o, nil
}

// Pipeline returns the turn pipeline.
func (o *Orchestrator) Pipeline() *runtime.TurnPipeline { return o.pipeline }

// =============================================================================
// Inbound
// =============================================================================

// HandleTurn processes text sent on sessionID.
//
// Live text goes through the aggregator; the call returns once the batch
// containing it has been processed, so callers whose messages were merged
// receive the same Outcome. Cancelling ctx abandons the wait, not the turn.
// Imported text seeds the ledger and facts without scoring, routing or
// delivery.
func (o *Orchestrator) HandleTurn(ctx context.Context, sessionID, text string, provenance ledger.Provenance) (*Outcome, error) {
	sessionID = strings.TrimSpace(sessionID)
	text = strings.TrimSpace(text)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	if provenance == "" {
		provenance = ledger.ProvenanceLive
	}
	if provenance != ledger.ProvenanceLive && provenance != ledger.ProvenanceImported {
		return nil, fmt.Errorf("provenance '%s' cannot be submitted", provenance)
	}

	s, err := o.getOrCreate(sessionID)
	if err != nil {
		return nil, err
	}

	if provenance == ledger.ProvenanceImported {
		ch := make(chan turnResult, 1)
		j := job{text: text, count: 1, provenance: provenance, waiters: []chan turnResult{ch}}
		if err := o.enqueue(ctx, s, j); err != nil {
			return nil, err
		}
		return wait(ctx, ch)
	}

	if res := o.limiter.Check(sessionID); !res.Allowed {
		o.logger.Warn("inbound_rate_limited", "session_id", sessionID, "retry_after_ms", res.RetryAfter.Milliseconds())
		return nil, &RateLimitedError{SessionID: sessionID, RetryAfter: res.RetryAfter}
	}

	u := ledger.NewUtterance(ledger.AuthorCustomer, text, ledger.ProvenanceLive)
	ch := s.addWaiter(u.ID)

	s.addMu.Lock()
	if s.isClosed() {
		s.addMu.Unlock()
		s.removeWaiter(u.ID)
		return nil, &SessionClosedError{SessionID: sessionID}
	}
	res, err := o.agg.Add(sessionID, u)
	s.addMu.Unlock()
	if err != nil {
		s.removeWaiter(u.ID)
		if errors.Is(err, aggregator.ErrClosed) {
			return nil, ErrOrchestratorClosed
		}
		return nil, err
	}
	s.touch()

	if res.Ready {
		o.submitBatch(ctx, s, res.Batch)
	} else {
		o.logger.Debug("utterance_buffered", "session_id", sessionID, "pending", o.agg.Pending(sessionID))
	}
	return wait(ctx, ch)
}

// ImportHistory seeds a session with earlier-channel messages, oldest first.
func (o *Orchestrator) ImportHistory(ctx context.Context, sessionID string, texts []string) (int, error) {
	imported := 0
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if _, err := o.HandleTurn(ctx, sessionID, text, ledger.ProvenanceImported); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func wait(ctx context.Context, ch chan turnResult) (*Outcome, error) {
	select {
	case res := <-ch:
		return res.outcome, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onFlush receives batches whose aggregation window elapsed.
func (o *Orchestrator) onFlush(batch aggregator.Batch) {
	s := o.lookup(batch.SessionID)
	if s == nil {
		o.logger.Warn("batch_orphaned", "session_id", batch.SessionID, "count", batch.Count)
		return
	}
	_ = SafeExecute(o.logger, "flush_batch", func() error {
		o.submitBatch(o.baseCtx, s, batch)
		return nil
	})
}

func (o *Orchestrator) submitBatch(ctx context.Context, s *session, batch aggregator.Batch) {
	observability.RecordAggregatedBatch(batch.Count)
	j := job{
		text:       batch.Text,
		count:      batch.Count,
		provenance: ledger.ProvenanceLive,
		waiters:    s.takeWaiters(batch.Utterances),
	}
	if err := o.enqueue(ctx, s, j); err != nil {
		o.logger.Warn("batch_rejected", "session_id", s.id, "count", batch.Count, "error", err.Error())
		j.finish(turnResult{err: err})
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, s *session, j job) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed {
		return &SessionClosedError{SessionID: s.id}
	}
	select {
	case s.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// Session Registry
// =============================================================================

func (o *Orchestrator) lookup(sessionID string) *session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessions[sessionID]
}

func (o *Orchestrator) getOrCreate(sessionID string) (*session, error) {
	o.mu.RLock()
	s, ok := o.sessions[sessionID]
	closed := o.closed
	o.mu.RUnlock()
	if closed {
		return nil, ErrOrchestratorClosed
	}
	if ok {
		return s, nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOrchestratorClosed
	}
	if s, ok = o.sessions[sessionID]; ok {
		o.mu.Unlock()
		return s, nil
	}
	s = newSession(sessionID)
	o.sessions[sessionID] = s
	o.wg.Add(1)
	o.mu.Unlock()

	SafeGo(o.logger, "session_worker", func() { o.runWorker(s) }, nil)

	observability.SessionStarted()
	o.logger.Info("session_started", "session_id", sessionID)
	o.publish(o.baseCtx, &commbus.SessionStarted{SessionID: sessionID})
	return s, nil
}

// EndSession force-flushes the session's pending batch, lets its worker
// drain, and removes it from the registry.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	return o.endSession(ctx, sessionID, EndReasonEnded)
}

func (o *Orchestrator) endSession(ctx context.Context, sessionID, reason string) error {
	s := o.lookup(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}

	// addMu spans flush and close: nothing is added after the final flush.
	s.addMu.Lock()
	if batch, pending := o.agg.Flush(sessionID); pending {
		o.submitBatch(ctx, s, batch)
	}
	closed := s.close()
	s.addMu.Unlock()
	if !closed {
		return &SessionClosedError{SessionID: sessionID}
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.failWaiters(&SessionClosedError{SessionID: sessionID})

	o.mu.Lock()
	if o.sessions[sessionID] == s {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()

	o.agg.Forget(sessionID)
	o.limiter.Reset(sessionID)

	observability.SessionEnded()
	turns := s.turnCount()
	o.logger.Info("session_ended", "session_id", sessionID, "reason", reason, "turns", turns)
	o.publish(o.baseCtx, &commbus.SessionEnded{SessionID: sessionID, Reason: reason, Turns: turns})
	return nil
}

// Snapshot returns a read-only view of a session.
func (o *Orchestrator) Snapshot(sessionID string) (*Snapshot, error) {
	s := o.lookup(sessionID)
	if s == nil {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	activeRole := ""
	if s.state.Memory != nil {
		activeRole = s.state.Memory.ActiveRole()
	}
	return &Snapshot{
		SessionID:      s.id,
		State:          s.state.ToMap(),
		Ledger:         s.ledger.Entries(),
		ActiveRole:     activeRole,
		PendingBatch:   o.agg.Pending(sessionID),
		Turns:          s.turns,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
	}, nil
}

// SessionIDs returns the ids of live sessions, sorted.
func (o *Orchestrator) SessionIDs() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetSessionCount returns the number of live sessions.
func (o *Orchestrator) GetSessionCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// RegisterHandlers registers the orchestrator's query handlers on bus.
func (o *Orchestrator) RegisterHandlers(bus commbus.CommBus) error {
	if err := bus.RegisterHandler(commbus.TypeGetSessionSnapshot, func(ctx context.Context, msg commbus.Message) (any, error) {
		q, ok := msg.(*commbus.GetSessionSnapshot)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		return o.Snapshot(q.SessionID)
	}); err != nil {
		return err
	}
	return bus.RegisterHandler(commbus.TypeHealthCheckRequest, func(ctx context.Context, msg commbus.Message) (any, error) {
		status := commbus.HealthStatusHealthy
		if o.isClosed() {
			status = commbus.HealthStatusUnhealthy
		}
		return &commbus.HealthCheckResponse{
			Component: "orchestrator",
			Status:    status,
			Details:   map[string]any{"sessions": o.GetSessionCount()},
		}, nil
	})
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Close flushes every pending batch, drains all workers and stops the
// cleanup loop. Further turns fail with ErrOrchestratorClosed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	stop := o.stopCleanup
	o.mu.Unlock()

	if stop != nil {
		stop()
	}

	for _, batch := range o.agg.Close() {
		if s := o.lookup(batch.SessionID); s != nil {
			o.submitBatch(ctx, s, batch)
		}
	}

	var firstErr error
	for _, id := range o.SessionIDs() {
		if err := o.endSession(ctx, id, EndReasonShutdown); err != nil && firstErr == nil && !errors.Is(err, ErrSessionNotFound) {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	o.cancel()
	o.logger.Info("orchestrator_closed")
	return firstErr
}

// =============================================================================
// Worker
// =============================================================================

func (o *Orchestrator) runWorker(s *session) {
	defer o.wg.Done()
	defer close(s.done)

	for j := range s.jobs {
		j.finish(o.runJob(s, j))
	}
}

func (o *Orchestrator) runJob(s *session, j job) turnResult {
	ctx := o.baseCtx
	if timeout := o.cfg.TurnTimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := SafeExecuteWithResult(o.logger, "process_turn", func() (*Outcome, error) {
		return o.processTurn(ctx, s, j)
	})
	return turnResult{outcome: out, err: err}
}

// processTurn runs one job: pipeline, persist, commit, deliver, publish.
func (o *Orchestrator) processTurn(ctx context.Context, s *session, j job) (*Outcome, error) {
	start := time.Now()
	history, state := s.snapshot()
	env := envelope.NewTurnEnvelope(s.id, j.text, j.provenance, history, state)
	env.BatchCount = j.count

	events := &eventBuffer{}
	if err := o.pipeline.Run(ctx, env, events); err != nil {
		observability.RecordTurn(env.ActiveRole, "error", int(time.Since(start).Milliseconds()))
		return nil, fmt.Errorf("turn %s: %w", env.TurnID, err)
	}

	if err := o.persist(ctx, env); err != nil {
		s.flagManualFollowUp()
		observability.RecordTurn(env.ResponseRole, "persistence_failed", int(time.Since(start).Milliseconds()))
		o.publish(ctx, &commbus.ManualFollowUpRequired{
			SessionID: s.id,
			TurnID:    env.TurnID,
			Role:      env.ResponseRole,
			Reason:    "persistence_failed",
			Error:     err.Error(),
		})
		return nil, &PersistenceError{SessionID: s.id, TurnID: env.TurnID, Err: err}
	}
	s.commit(env)

	out := newOutcome(env)
	if env.IsLive() {
		out.Delivered = o.deliver(ctx, s, env)
		if !out.Delivered {
			out.ManualFollowUp = true
			s.flagManualFollowUp()
		}
		o.agg.NotePrompt(s.id, asksForName(env))
	}
	out.DurationMS = int(time.Since(start).Milliseconds())

	status := "success"
	if out.Flagged() {
		status = "flagged"
	}
	observability.RecordTurn(out.Role, status, out.DurationMS)
	o.publishTurn(ctx, env, events, out)

	o.logger.Info("turn_completed",
		"session_id", s.id,
		"turn_id", out.TurnID,
		"provenance", out.Provenance,
		"role", out.Role,
		"stage", out.Stage,
		"score", out.Score,
		"terminal_reason", out.TerminalReason,
		"delivered", out.Delivered,
		"duration_ms", out.DurationMS,
	)
	return out, nil
}

// persist saves the turn at most once, retrying transient failures.
func (o *Orchestrator) persist(ctx context.Context, env *envelope.TurnEnvelope) error {
	terminal := ""
	if env.TerminalReason != nil {
		terminal = string(*env.TerminalReason)
	}
	rec := store.Record{
		TurnID:         env.TurnID,
		SessionID:      env.SessionID,
		Provenance:     env.Provenance,
		Role:           env.ResponseRole,
		Stage:          string(env.State.Stage),
		Score:          env.State.Score.Score,
		TerminalReason: terminal,
		Response:       env.ResponseText,
		Utterances:     env.Appended,
		State:          env.State.ToMap(),
		CreatedAt:      env.CreatedAt,
	}

	driver := o.persister.Driver()
	_, err := o.pipeline.Supervisor.Commit(ctx, env.TurnID, func(ctx context.Context) error {
		_, err := retry(ctx, o.retry, o.logger, "save_turn", func(ctx context.Context) error {
			return o.persister.SaveTurn(ctx, rec)
		})
		return err
	})
	if err != nil {
		observability.RecordPersistence(driver, "error")
		o.logger.Error("turn_persist_failed", "session_id", env.SessionID, "turn_id", env.TurnID, "error", err.Error())
		return err
	}
	observability.RecordPersistence(driver, "success")
	return nil
}

// deliver sends the role's reply. Only the final role text is ever delivered.
func (o *Orchestrator) deliver(ctx context.Context, s *session, env *envelope.TurnEnvelope) bool {
	if env.ResponseText == "" {
		return false
	}
	attempts, err := retry(ctx, o.retry, o.logger, "deliver", func(ctx context.Context) error {
		return o.deliverer.Deliver(ctx, s.id, env.ResponseRole, env.ResponseText)
	})
	if err != nil {
		o.logger.Error("delivery_failed",
			"session_id", s.id,
			"turn_id", env.TurnID,
			"attempts", attempts,
			"error", err.Error(),
		)
		return false
	}
	return true
}

// asksForName reports whether the reply just sent asks for the customer's
// name; the next window's fragments are then merged as one answer.
func asksForName(env *envelope.TurnEnvelope) bool {
	switch env.State.Stage {
	case stage.AwaitName:
		return true
	case stage.Greeting:
		return !env.State.Facts.Has(facts.KeyName)
	}
	return false
}
