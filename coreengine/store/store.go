// Package store persists committed turns. Every backend is idempotent by turn
// id: saving the same turn twice keeps the first copy and reports no error.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

var (
	// ErrClosed is returned by a persister after Close.
	ErrClosed = errors.New("store closed")

	recordValidate = validator.New()
)

// Record is one committed turn.
type Record struct {
	TurnID         string             `json:"turn_id" validate:"required"`
	SessionID      string             `json:"session_id" validate:"required"`
	Provenance     ledger.Provenance  `json:"provenance" validate:"required"`
	Role           string             `json:"role,omitempty"`
	Stage          string             `json:"stage,omitempty"`
	Score          int                `json:"score"`
	TerminalReason string             `json:"terminal_reason"`
	Response       string             `json:"response,omitempty"`
	Utterances     []ledger.Utterance `json:"utterances"`
	State          map[string]any     `json:"state,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Validate checks the record before it is written.
func (r Record) Validate() error {
	if err := recordValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid turn record: %w", err)
	}
	return nil
}

// Persister stores committed turns.
type Persister interface {
	// SaveTurn stores rec. A record whose TurnID is already stored is ignored.
	SaveTurn(ctx context.Context, rec Record) error
	// LoadTurns returns the turns of a session in commit order.
	LoadTurns(ctx context.Context, sessionID string) ([]Record, error)
	// Driver names the backend for logs and metrics.
	Driver() string
	Close() error
}

// Open returns the persister selected by cfg.
func Open(cfg config.StoreConfig, logger logging.Logger) (Persister, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryPersister(), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "badger":
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.Logger = logger
		return OpenBadger(bc)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// =============================================================================
// MEMORY
// =============================================================================

// MemoryPersister keeps turns in process memory.
type MemoryPersister struct {
	mu       sync.RWMutex
	byID     map[string]struct{}
	sessions map[string][]Record
	closed   bool
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{
		byID:     make(map[string]struct{}),
		sessions: make(map[string][]Record),
	}
}

// SaveTurn implements Persister.
func (m *MemoryPersister) SaveTurn(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.byID[rec.TurnID]; ok {
		return nil
	}
	m.byID[rec.TurnID] = struct{}{}
	rec.Utterances = append([]ledger.Utterance(nil), rec.Utterances...)
	m.sessions[rec.SessionID] = append(m.sessions[rec.SessionID], rec)
	return nil
}

// LoadTurns implements Persister.
func (m *MemoryPersister) LoadTurns(ctx context.Context, sessionID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, len(m.sessions[sessionID]))
	copy(out, m.sessions[sessionID])
	return out, nil
}

// Sessions returns the ids of all sessions with stored turns, sorted.
func (m *MemoryPersister) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Driver implements Persister.
func (m *MemoryPersister) Driver() string { return "memory" }

// Close implements Persister.
func (m *MemoryPersister) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Persister = (*MemoryPersister)(nil)
