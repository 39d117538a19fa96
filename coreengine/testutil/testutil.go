// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/store"
)

// =============================================================================
// MOCK GENERATOR
// =============================================================================

// MockGenerator implements agents.Generator for testing.
// Configure replies per role or use DefaultGeneration.
type MockGenerator struct {
	// ByRole maps a role name to queued generations. Each call pops the head;
	// the last entry repeats.
	ByRole map[string][]agents.Generation

	// DefaultGeneration is returned when a role has no queued replies.
	DefaultGeneration agents.Generation

	// Delay simulates model latency.
	Delay time.Duration

	// Error causes Generate to return this error.
	Error error

	// Calls records all calls for assertion.
	Calls []agents.Request

	mu sync.Mutex
}

// NewMockGenerator creates a MockGenerator that asks for the stage template.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		ByRole:            make(map[string][]agents.Generation),
		DefaultGeneration: agents.Generation{Action: config.ActionUseTemplate},
	}
}

// Generate implements agents.Generator.
func (m *MockGenerator) Generate(ctx context.Context, req agents.Request) (agents.Generation, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req)
	gen := m.DefaultGeneration
	if queue := m.ByRole[req.Role]; len(queue) > 0 {
		gen = queue[0]
		if len(queue) > 1 {
			m.ByRole[req.Role] = queue[1:]
		}
	}
	err := m.Error
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return agents.Generation{}, ctx.Err()
		}
	}
	if err != nil {
		return agents.Generation{}, err
	}
	return gen, nil
}

// WithReply queues a plain text reply for role.
func (m *MockGenerator) WithReply(role, text string) *MockGenerator {
	return m.With(role, agents.Generation{Action: config.ActionRespond, Text: text})
}

// WithEscalation queues an escalation request from role.
func (m *MockGenerator) WithEscalation(role, reason string) *MockGenerator {
	return m.With(role, agents.Generation{Action: config.ActionEscalate, Reason: reason})
}

// With queues gen for role.
func (m *MockGenerator) With(role string, gen agents.Generation) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ByRole[role] = append(m.ByRole[role], gen)
	return m
}

// WithError sets an error to return.
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Error = err
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockGenerator) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CallsFor returns the number of calls made for role.
func (m *MockGenerator) CallsFor(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Role == role {
			n++
		}
	}
	return n
}

// =============================================================================
// MOCK PERSISTER
// =============================================================================

// MockPersister wraps a MemoryPersister and can fail on demand.
type MockPersister struct {
	*store.MemoryPersister

	// FailTimes makes the next N SaveTurn calls fail with SaveError.
	FailTimes int
	// SaveError is returned while failing. Defaults to a generic error.
	SaveError error

	saveCalls int
	mu        sync.Mutex
}

// NewMockPersister creates a MockPersister.
func NewMockPersister() *MockPersister {
	return &MockPersister{MemoryPersister: store.NewMemoryPersister()}
}

// SaveTurn implements store.Persister.
func (m *MockPersister) SaveTurn(ctx context.Context, rec store.Record) error {
	m.mu.Lock()
	m.saveCalls++
	fail := m.FailTimes != 0
	if m.FailTimes > 0 {
		m.FailTimes--
	}
	err := m.SaveError
	m.mu.Unlock()

	if fail {
		if err == nil {
			err = fmt.Errorf("store unavailable")
		}
		return err
	}
	return m.MemoryPersister.SaveTurn(ctx, rec)
}

// WithFailures makes the next n saves fail. A negative n fails forever.
func (m *MockPersister) WithFailures(n int) *MockPersister {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailTimes = n
	return m
}

// GetSaveCalls returns the number of SaveTurn calls.
func (m *MockPersister) GetSaveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCalls
}

// Driver implements store.Persister.
func (m *MockPersister) Driver() string { return "mock" }

// =============================================================================
// MOCK DELIVERER
// =============================================================================

// Delivery records one delivered message.
type Delivery struct {
	SessionID string
	Role      string
	Text      string
}

// MockDeliverer records deliveries and can fail on demand.
type MockDeliverer struct {
	Deliveries []Delivery
	FailTimes  int

	calls int
	mu    sync.Mutex
}

// NewMockDeliverer creates a MockDeliverer.
func NewMockDeliverer() *MockDeliverer {
	return &MockDeliverer{}
}

// Deliver records the message.
func (m *MockDeliverer) Deliver(ctx context.Context, sessionID, role, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.FailTimes != 0 {
		if m.FailTimes > 0 {
			m.FailTimes--
		}
		return fmt.Errorf("channel unavailable")
	}
	m.Deliveries = append(m.Deliveries, Delivery{SessionID: sessionID, Role: role, Text: text})
	return nil
}

// For returns the deliveries of sessionID.
func (m *MockDeliverer) For(sessionID string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Delivery
	for _, d := range m.Deliveries {
		if d.SessionID == sessionID {
			out = append(out, d)
		}
	}
	return out
}

// GetCallCount returns the number of Deliver calls.
func (m *MockDeliverer) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements logging.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns the same logger; bound fields are not captured.
func (m *MockLogger) Bind(fields ...any) logging.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

// =============================================================================
// CONFIG HELPERS
// =============================================================================

// NewTestConfig returns a valid config tuned for fast tests: aggregation off,
// millisecond retries, no inbound limit.
func NewTestConfig() *config.CoreConfig {
	cfg := config.DefaultCoreConfig()
	cfg.AggregationWindowSeconds = 0
	cfg.RetryInitialMs = 1
	cfg.RetryMaxMs = 2
	cfg.InboundPerMinute = 0
	cfg.TurnTimeout = 5
	cfg.GenerationTimeout = 1
	return cfg
}

// NewAggregatingTestConfig is NewTestConfig with an aggregation window.
func NewAggregatingTestConfig(window time.Duration) *config.CoreConfig {
	cfg := NewTestConfig()
	cfg.AggregationWindowSeconds = window.Seconds()
	return cfg
}

// Transcript renders deliveries as "role: text" lines.
func Transcript(deliveries []Delivery) string {
	lines := make([]string, len(deliveries))
	for i, d := range deliveries {
		lines[i] = d.Role + ": " + d.Text
	}
	return strings.Join(lines, "\n")
}
