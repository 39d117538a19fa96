package commbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(time.Second, logging.Nop())
}

func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

// trackingMiddleware records call order.
type trackingMiddleware struct {
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil
}

func (m *abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

type errorMiddleware struct{}

func (m *errorMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, errors.New("middleware error")
}

func (m *errorMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

type wrapResultMiddleware struct{}

func (m *wrapResultMiddleware) Before(ctx context.Context, msg Message) (Message, error) {
	return msg, nil
}

func (m *wrapResultMiddleware) After(ctx context.Context, msg Message, result any, err error) (any, error) {
	if err != nil {
		return result, err
	}
	return map[string]any{"wrapped": result}, nil
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := newTestBus()
	var a, b int32
	bus.Subscribe(TypeTurnCompleted, countingHandler(&a))
	bus.Subscribe(TypeTurnCompleted, countingHandler(&b))

	err := bus.Publish(context.Background(), &TurnCompleted{SessionID: "s1"})

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
}

func TestPublishPassesEventPayload(t *testing.T) {
	bus := newTestBus()
	var got *RoleHandoff
	bus.Subscribe(TypeRoleHandoff, func(ctx context.Context, msg Message) (any, error) {
		got = msg.(*RoleHandoff)
		return nil, nil
	})

	require.NoError(t, bus.Publish(context.Background(), &RoleHandoff{SessionID: "s1", From: "engagement", To: "qualification"}))

	require.NotNil(t, got)
	assert.Equal(t, "qualification", got.To)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Publish(context.Background(), &SessionStarted{SessionID: "s1"}))
}

func TestPublishSubscriberErrorDoesNotStopOthers(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.Subscribe(TypeTurnCompleted, failingHandler("crm down"))
	bus.Subscribe(TypeTurnCompleted, countingHandler(&count))

	err := bus.Publish(context.Background(), &TurnCompleted{})

	assert.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestPublishRecoversSubscriberPanic(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.Subscribe(TypeTurnCompleted, func(ctx context.Context, msg Message) (any, error) {
		panic("boom")
	})
	bus.Subscribe(TypeTurnCompleted, countingHandler(&count))

	assert.NotPanics(t, func() {
		_ = bus.Publish(context.Background(), &TurnCompleted{})
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	bus := newTestBus()
	var a, b int32
	unsubA := bus.Subscribe(TypeTurnCompleted, countingHandler(&a))
	bus.Subscribe(TypeTurnCompleted, countingHandler(&b))

	unsubA()
	unsubA()
	require.NoError(t, bus.Publish(context.Background(), &TurnCompleted{}))

	assert.Equal(t, int32(0), atomic.LoadInt32(&a))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b))
	assert.Len(t, bus.GetSubscribers(TypeTurnCompleted), 1)
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestSendInvokesHandler(t *testing.T) {
	bus := newTestBus()
	var count int32
	require.NoError(t, bus.RegisterHandler(TypeManualFollowUpRequired, countingHandler(&count)))

	require.NoError(t, bus.Send(context.Background(), &ManualFollowUpRequired{SessionID: "s1"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestSendWithoutHandlerIsNoop(t *testing.T) {
	bus := newTestBus()
	assert.NoError(t, bus.Send(context.Background(), &ManualFollowUpRequired{}))
}

func TestSendReturnsHandlerError(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler(TypeManualFollowUpRequired, failingHandler("queue full")))

	err := bus.Send(context.Background(), &ManualFollowUpRequired{})
	assert.EqualError(t, err, "queue full")
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestQuerySyncReturnsResult(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler(TypeHealthCheckRequest, func(ctx context.Context, msg Message) (any, error) {
		req := msg.(*HealthCheckRequest)
		return &HealthCheckResponse{Component: req.Component, Status: HealthStatusHealthy}, nil
	}))

	result, err := bus.QuerySync(context.Background(), &HealthCheckRequest{Component: "orchestrator"})

	require.NoError(t, err)
	resp := result.(*HealthCheckResponse)
	assert.Equal(t, "orchestrator", resp.Component)
	assert.Equal(t, HealthStatusHealthy, resp.Status)
}

func TestQuerySyncNoHandler(t *testing.T) {
	bus := newTestBus()
	_, err := bus.QuerySync(context.Background(), &GetSessionSnapshot{SessionID: "s1"})

	require.ErrorIs(t, err, ErrNoHandler)
	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, TypeGetSessionSnapshot, noHandler.MessageType)
}

func TestQuerySyncTimeout(t *testing.T) {
	bus := NewInMemoryCommBus(20*time.Millisecond, logging.Nop())
	require.NoError(t, bus.RegisterHandler(TypeGetSessionSnapshot, func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &GetSessionSnapshot{})

	var timeout *QueryTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.Equal(t, 20*time.Millisecond, timeout.Timeout)
}

func TestQuerySyncParentCancelled(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler(TypeGetSessionSnapshot, func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := bus.QuerySync(ctx, &GetSessionSnapshot{})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterHandlerRejectsDuplicate(t *testing.T) {
	bus := newTestBus()
	var count int32
	require.NoError(t, bus.RegisterHandler(TypeGetSessionSnapshot, countingHandler(&count)))

	err := bus.RegisterHandler(TypeGetSessionSnapshot, countingHandler(&count))

	var dup *HandlerAlreadyRegisteredError
	assert.ErrorAs(t, err, &dup)
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestMiddlewareOrder(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "first"})
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "second"})
	require.NoError(t, bus.RegisterHandler(TypeHealthCheckRequest, func(ctx context.Context, msg Message) (any, error) {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
		return "ok", nil
	}))

	_, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})

	require.NoError(t, err)
	assert.Equal(t, []string{"first-before", "second-before", "handler", "second-after", "first-after"}, order)
}

func TestMiddlewareAbortSkipsSubscribers(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.AddMiddleware(&abortingMiddleware{})
	bus.Subscribe(TypeTurnCompleted, countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), &TurnCompleted{}))
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestMiddlewareErrorPropagates(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&errorMiddleware{})

	err := bus.Publish(context.Background(), &TurnCompleted{})
	assert.EqualError(t, err, "middleware error")
}

func TestMiddlewareCanWrapQueryResult(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&wrapResultMiddleware{})
	require.NoError(t, bus.RegisterHandler(TypeHealthCheckRequest, func(ctx context.Context, msg Message) (any, error) {
		return "ok", nil
	}))

	result, err := bus.QuerySync(context.Background(), &HealthCheckRequest{})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"wrapped": "ok"}, result)
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(NewLoggingMiddleware(logging.Nop()))
	var count int32
	bus.Subscribe(TypeSessionStarted, countingHandler(&count))

	require.NoError(t, bus.Publish(context.Background(), &SessionStarted{SessionID: "s1"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

// =============================================================================
// CIRCUIT BREAKER TESTS
// =============================================================================

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(2, time.Hour, nil, logging.Nop())
	bus.AddMiddleware(cb)
	require.NoError(t, bus.RegisterHandler(TypeManualFollowUpRequired, failingHandler("down")))

	assert.Error(t, bus.Send(context.Background(), &ManualFollowUpRequired{}))
	assert.Error(t, bus.Send(context.Background(), &ManualFollowUpRequired{}))
	assert.Equal(t, CircuitOpen, cb.GetStates()[TypeManualFollowUpRequired])

	err := bus.Send(context.Background(), &ManualFollowUpRequired{})
	require.ErrorIs(t, err, ErrCircuitOpen)
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, TypeManualFollowUpRequired, open.MessageType)
	assert.Greater(t, open.RetryAfter, time.Duration(0))
}

func TestCircuitBreakerBlocksQueries(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(NewCircuitBreakerMiddleware(1, time.Hour, nil, logging.Nop()))
	require.NoError(t, bus.RegisterHandler(TypeGetSessionSnapshot, failingHandler("down")))

	_, err := bus.QuerySync(context.Background(), &GetSessionSnapshot{SessionID: "s1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)

	_, err = bus.QuerySync(context.Background(), &GetSessionSnapshot{SessionID: "s1"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(1, 0, nil, logging.Nop())
	bus.AddMiddleware(cb)

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, bus.RegisterHandler(TypeManualFollowUpRequired, func(ctx context.Context, msg Message) (any, error) {
		if fail.Load() {
			return nil, errors.New("down")
		}
		return nil, nil
	}))

	assert.Error(t, bus.Send(context.Background(), &ManualFollowUpRequired{}))
	assert.Equal(t, CircuitOpen, cb.GetStates()[TypeManualFollowUpRequired])

	fail.Store(false)
	require.NoError(t, bus.Send(context.Background(), &ManualFollowUpRequired{}))
	assert.Equal(t, CircuitClosed, cb.GetStates()[TypeManualFollowUpRequired])
}

func TestCircuitBreakerExcludedTypes(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(1, time.Hour, []string{TypeManualFollowUpRequired}, logging.Nop())
	bus.AddMiddleware(cb)
	require.NoError(t, bus.RegisterHandler(TypeManualFollowUpRequired, failingHandler("down")))

	assert.Error(t, bus.Send(context.Background(), &ManualFollowUpRequired{}))
	assert.Error(t, bus.Send(context.Background(), &ManualFollowUpRequired{}))
	assert.Empty(t, cb.GetStates())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreakerMiddleware(1, time.Hour, nil, logging.Nop())
	_, _ = cb.After(context.Background(), &TurnCompleted{}, nil, errors.New("x"))
	_, _ = cb.After(context.Background(), &RoleHandoff{}, nil, errors.New("x"))
	require.Len(t, cb.GetStates(), 2)

	cb.Reset(TypeTurnCompleted)
	assert.Len(t, cb.GetStates(), 1)

	cb.Reset("")
	assert.Empty(t, cb.GetStates())
}

// =============================================================================
// INTROSPECTION
// =============================================================================

func TestIntrospection(t *testing.T) {
	bus := newTestBus()
	var count int32
	require.NoError(t, bus.RegisterHandler(TypeGetSessionSnapshot, countingHandler(&count)))
	bus.Subscribe(TypeTurnCompleted, countingHandler(&count))

	assert.True(t, bus.HasHandler(TypeGetSessionSnapshot))
	assert.False(t, bus.HasHandler(TypeHealthCheckRequest))
	assert.Equal(t, []string{TypeGetSessionSnapshot, TypeTurnCompleted}, bus.GetRegisteredTypes())

	bus.Clear()
	assert.Empty(t, bus.GetRegisteredTypes())
}
