// Package ledger provides the Utterance Ledger - an append-only, ordered log of
// utterances per session.
//
// Entries are value types. Once appended they are never mutated; every read
// returns a copy so callers cannot alter the log behind the ledger's back.
package ledger

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Provenance records where an utterance came from.
type Provenance string

const (
	// ProvenanceLive is text produced during this session.
	ProvenanceLive Provenance = "live"
	// ProvenanceImported is history loaded from an earlier channel. It seeds the
	// fact schema but never takes part in answer matching.
	ProvenanceImported Provenance = "imported"
	// ProvenanceSynthesized is text the orchestrator wrote for itself (handoff
	// summaries, routing notes). Never delivered.
	ProvenanceSynthesized Provenance = "synthesized"
)

// Valid reports whether p is a known provenance.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceLive, ProvenanceImported, ProvenanceSynthesized:
		return true
	}
	return false
}

// Author is the authoring party of an utterance. Role-authored utterances use
// the role name.
type Author string

const (
	AuthorCustomer Author = "customer"
	AuthorSystem   Author = "system" // bookkeeping only
)

// IsCustomer reports whether the customer wrote the utterance.
func (a Author) IsCustomer() bool { return a == AuthorCustomer }

// IsSystem reports whether the utterance is orchestrator bookkeeping.
func (a Author) IsSystem() bool { return a == AuthorSystem }

// IsRole reports whether a conversational role wrote the utterance.
func (a Author) IsRole() bool { return a != "" && a != AuthorCustomer && a != AuthorSystem }

// RoleAuthor returns the Author value used for a role's utterances.
func RoleAuthor(role string) Author { return Author(strings.TrimSpace(role)) }

// Utterance is a single immutable ledger entry.
type Utterance struct {
	ID         string     `json:"id"`
	TurnID     string     `json:"turn_id,omitempty"`
	Author     Author     `json:"author"`
	Text       string     `json:"text"`
	Provenance Provenance `json:"provenance"`
	Timestamp  time.Time  `json:"timestamp"`
}

// NewUtterance creates an utterance with a fresh ID and the current time.
func NewUtterance(author Author, text string, provenance Provenance) Utterance {
	return Utterance{
		ID:         uuid.New().String(),
		Author:     author,
		Text:       text,
		Provenance: provenance,
		Timestamp:  time.Now().UTC(),
	}
}

// IsLiveCustomer reports whether u is a live customer utterance, the only kind
// eligible for answer matching.
func (u Utterance) IsLiveCustomer() bool {
	return u.Author.IsCustomer() && u.Provenance == ProvenanceLive
}

// Ledger is the per-session append-only log.
type Ledger struct {
	entries []Utterance
	mu      sync.RWMutex
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make([]Utterance, 0, 16)}
}

// Append adds utterances to the end of the log. Missing IDs and timestamps are
// filled in. Returns the stored copies.
func (l *Ledger) Append(utterances ...Utterance) []Utterance {
	stored := make([]Utterance, 0, len(utterances))
	now := time.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, u := range utterances {
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		if u.Timestamp.IsZero() {
			u.Timestamp = now
		}
		if u.Provenance == "" {
			u.Provenance = ProvenanceLive
		}
		l.entries = append(l.entries, u)
		stored = append(stored, u)
	}
	return stored
}

// Entries returns a copy of the full log in order.
func (l *Ledger) Entries() []Utterance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Utterance, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Since returns a copy of the entries from index n onward.
func (l *Ledger) Since(n int) []Utterance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n < 0 {
		n = 0
	}
	if n >= len(l.entries) {
		return []Utterance{}
	}
	out := make([]Utterance, len(l.entries)-n)
	copy(out, l.entries[n:])
	return out
}

// Last returns the most recent entry matching keep.
func (l *Ledger) Last(keep func(Utterance) bool) (Utterance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if keep == nil || keep(l.entries[i]) {
			return l.entries[i], true
		}
	}
	return Utterance{}, false
}

// Recent returns up to n of the most recent entries in entries that satisfy
// keep, oldest first. n <= 0 means no limit.
func Recent(entries []Utterance, n int, keep func(Utterance) bool) []Utterance {
	picked := make([]Utterance, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if keep != nil && !keep(entries[i]) {
			continue
		}
		picked = append(picked, entries[i])
		if n > 0 && len(picked) == n {
			break
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}

// CustomerAuthored keeps customer utterances of any provenance.
func CustomerAuthored(u Utterance) bool { return u.Author.IsCustomer() }
