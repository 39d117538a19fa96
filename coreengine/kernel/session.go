package kernel

import (
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

const sessionQueueSize = 32

type turnResult struct {
	outcome *Outcome
	err     error
}

// job is one logical turn queued for a session worker.
type job struct {
	text       string
	count      int
	provenance ledger.Provenance
	waiters    []chan turnResult
}

func (j job) finish(res turnResult) {
	for _, w := range j.waiters {
		w <- res
	}
}

// session is the committed state of one conversation plus its worker queue.
// Turns of a session run one at a time on its worker; mu guards only the
// in-memory state and is never held across pipeline, persistence or
// delivery calls.
type session struct {
	id string

	mu           sync.Mutex
	ledger       *ledger.Ledger
	state        envelope.SessionState
	turns        int
	createdAt    time.Time
	lastActivity time.Time

	// addMu serializes aggregator writes for this session.
	addMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan turnResult

	sendMu sync.RWMutex
	closed bool
	jobs   chan job
	done   chan struct{}
}

func newSession(id string) *session {
	now := time.Now().UTC()
	return &session{
		id:           id,
		ledger:       ledger.New(),
		state:        envelope.NewSessionState(),
		createdAt:    now,
		lastActivity: now,
		waiters:      make(map[string]chan turnResult),
		jobs:         make(chan job, sessionQueueSize),
		done:         make(chan struct{}),
	}
}

// snapshot returns the committed ledger and state a turn starts from.
func (s *session) snapshot() ([]ledger.Utterance, envelope.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Entries(), s.state.Clone()
}

// commit makes the turn's ledger entries and state the session's own.
func (s *session) commit(env *envelope.TurnEnvelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.Append(env.Appended...)
	s.state = env.State
	s.turns++
	s.lastActivity = time.Now().UTC()
}

func (s *session) flagManualFollowUp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ManualFollowUp = true
}

func (s *session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *session) turnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// =============================================================================
// WAITERS
// =============================================================================

func (s *session) addWaiter(utteranceID string) chan turnResult {
	ch := make(chan turnResult, 1)
	s.waitMu.Lock()
	s.waiters[utteranceID] = ch
	s.waitMu.Unlock()
	return ch
}

func (s *session) removeWaiter(utteranceID string) {
	s.waitMu.Lock()
	delete(s.waiters, utteranceID)
	s.waitMu.Unlock()
}

// takeWaiters removes and returns the waiters of the given utterances.
func (s *session) takeWaiters(utterances []ledger.Utterance) []chan turnResult {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	out := make([]chan turnResult, 0, len(utterances))
	for _, u := range utterances {
		if ch, ok := s.waiters[u.ID]; ok {
			out = append(out, ch)
			delete(s.waiters, u.ID)
		}
	}
	return out
}

// failWaiters releases every remaining waiter with err.
func (s *session) failWaiters(err error) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	for id, ch := range s.waiters {
		ch <- turnResult{err: err}
		delete(s.waiters, id)
	}
}

// =============================================================================
// QUEUE
// =============================================================================

// close stops accepting jobs. The worker drains what is queued and exits.
func (s *session) close() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.jobs)
	return true
}

func (s *session) isClosed() bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	return s.closed
}
