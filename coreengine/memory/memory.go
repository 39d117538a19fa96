// Package memory provides session-scoped role memory and the context isolator
// that builds each role's view of the ledger.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

// DefaultWindow is the number of ledger utterances a role sees.
const DefaultWindow = 8

// Handoff is the record of one role change.
type Handoff struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Reason    string        `json:"reason"`
	Facts     facts.FactSet `json:"facts"`
	Timestamp time.Time     `json:"timestamp"`
}

// Session holds per-role memory for one conversation. It is owned by the
// orchestrator's session and is not safe for concurrent use; turns work on a
// Clone and swap it in on commit.
type Session struct {
	activeRole string
	summaries  map[string]ledger.Utterance
	handoffs   []Handoff
}

// NewSession creates empty role memory.
func NewSession() *Session {
	return &Session{summaries: make(map[string]ledger.Utterance)}
}

// ActiveRole returns the role that acted last, or "".
func (s *Session) ActiveRole() string { return s.activeRole }

// Handoffs returns a copy of the handoff history.
func (s *Session) Handoffs() []Handoff {
	return append([]Handoff(nil), s.handoffs...)
}

// Activate makes role the active role. On a change from a previous role it
// synthesizes the handoff summary for role and returns it.
func (s *Session) Activate(role, reason string, fs facts.FactSet) (ledger.Utterance, bool) {
	prior := s.activeRole
	if prior == role {
		return ledger.Utterance{}, false
	}
	s.activeRole = role
	if prior == "" {
		return ledger.Utterance{}, false
	}
	return s.Handoff(prior, role, reason, fs), true
}

// Handoff synthesizes the summary utterance for next. Any earlier summary
// for next is replaced, so a role carries at most one.
func (s *Session) Handoff(prior, next, reason string, fs facts.FactSet) ledger.Utterance {
	summary := ledger.NewUtterance(ledger.AuthorSystem, SummaryText(prior, reason, fs), ledger.ProvenanceSynthesized)
	s.summaries[next] = summary
	s.handoffs = append(s.handoffs, Handoff{
		From:      prior,
		To:        next,
		Reason:    reason,
		Facts:     fs.Clone(),
		Timestamp: summary.Timestamp,
	})
	return summary
}

// Summary returns the handoff summary stored for role.
func (s *Session) Summary(role string) (ledger.Utterance, bool) {
	u, ok := s.summaries[role]
	return u, ok
}

// Clone returns an independent copy.
func (s *Session) Clone() *Session {
	out := &Session{
		activeRole: s.activeRole,
		summaries:  make(map[string]ledger.Utterance, len(s.summaries)),
		handoffs:   make([]Handoff, len(s.handoffs)),
	}
	for k, v := range s.summaries {
		out.summaries[k] = v
	}
	for i, h := range s.handoffs {
		h.Facts = h.Facts.Clone()
		out.handoffs[i] = h
	}
	return out
}

// Reset clears all role memory.
func (s *Session) Reset() {
	s.activeRole = ""
	s.summaries = make(map[string]ledger.Utterance)
	s.handoffs = nil
}

// ToMap converts role memory for wire and storage formats.
func (s *Session) ToMap() map[string]any {
	summaries := make(map[string]any, len(s.summaries))
	for role, u := range s.summaries {
		summaries[role] = u.Text
	}
	return map[string]any{
		"active_role": s.activeRole,
		"summaries":   summaries,
		"handoffs":    len(s.handoffs),
	}
}

// SummaryText renders the handoff summary for the receiving role.
func SummaryText(prior, reason string, fs facts.FactSet) string {
	known := fs.Summary()
	if known == "" {
		known = "none"
	}
	if reason == "" {
		reason = "routing"
	}
	return fmt.Sprintf("Handoff from %s (%s). Known facts: %s.", prior, reason, known)
}

// =============================================================================
// ISOLATOR
// =============================================================================

// RoleContext is one role's view of the conversation.
type RoleContext struct {
	Role    string
	Summary *ledger.Utterance
	Entries []ledger.Utterance
}

// Utterances returns the view in order: summary first, then the window.
func (c RoleContext) Utterances() []ledger.Utterance {
	out := make([]ledger.Utterance, 0, len(c.Entries)+1)
	if c.Summary != nil {
		out = append(out, *c.Summary)
	}
	return append(out, c.Entries...)
}

// Transcript renders the view as "author: text" lines for prompts.
func (c RoleContext) Transcript() string {
	var b strings.Builder
	for _, u := range c.Utterances() {
		author := string(u.Author)
		if u.Provenance == ledger.ProvenanceSynthesized {
			author = "handoff"
		}
		fmt.Fprintf(&b, "%s: %s\n", author, u.Text)
	}
	return b.String()
}

// Isolator filters the ledger per role.
type Isolator struct {
	Window int
}

// NewIsolator creates an Isolator. window <= 0 selects DefaultWindow.
func NewIsolator(window int) *Isolator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Isolator{Window: window}
}

// ViewFor keeps customer utterances (live and imported) and role's own prior
// utterances, drops everything else, and bounds the result to the newest
// Window entries. The handoff summary is not counted against the window.
func (i *Isolator) ViewFor(role string, entries []ledger.Utterance, sess *Session) RoleContext {
	window := i.Window
	if window <= 0 {
		window = DefaultWindow
	}
	own := ledger.RoleAuthor(role)

	kept := make([]ledger.Utterance, 0, window)
	for _, u := range entries {
		if u.Provenance == ledger.ProvenanceSynthesized {
			continue
		}
		if u.Author.IsCustomer() || u.Author == own {
			kept = append(kept, u)
		}
	}
	if len(kept) > window {
		kept = kept[len(kept)-window:]
	}

	rc := RoleContext{Role: role, Entries: kept}
	if sess != nil {
		if summary, ok := sess.Summary(role); ok {
			rc.Summary = &summary
		}
	}
	return rc
}
