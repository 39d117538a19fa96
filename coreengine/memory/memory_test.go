package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

func utter(author ledger.Author, text string, p ledger.Provenance) ledger.Utterance {
	return ledger.NewUtterance(author, text, p)
}

func TestViewFor_FiltersByAuthor(t *testing.T) {
	entries := []ledger.Utterance{
		utter(ledger.AuthorCustomer, "hola", ledger.ProvenanceImported),
		utter(ledger.RoleAuthor("engagement"), "¿tu nombre?", ledger.ProvenanceLive),
		utter(ledger.AuthorCustomer, "Ana", ledger.ProvenanceLive),
		utter(ledger.RoleAuthor("qualification"), "¿presupuesto?", ledger.ProvenanceLive),
		utter(ledger.AuthorSystem, "session_started", ledger.ProvenanceLive),
		utter(ledger.AuthorSystem, "Handoff from x", ledger.ProvenanceSynthesized),
	}

	rc := NewIsolator(8).ViewFor("engagement", entries, NewSession())

	require.Len(t, rc.Entries, 3)
	assert.Equal(t, "hola", rc.Entries[0].Text)
	assert.Equal(t, "¿tu nombre?", rc.Entries[1].Text)
	assert.Equal(t, "Ana", rc.Entries[2].Text)
	assert.Nil(t, rc.Summary)
}

func TestViewFor_WindowEvictsOldestAndExemptsSummary(t *testing.T) {
	var entries []ledger.Utterance
	for i := 0; i < 12; i++ {
		entries = append(entries, utter(ledger.AuthorCustomer, fmt.Sprintf("m%d", i), ledger.ProvenanceLive))
	}
	sess := NewSession()
	sess.Activate("engagement", "", facts.NewFactSet())
	_, changed := sess.Activate("qualification", "score_band", facts.FactSet{facts.KeyName: {Value: "Ana", Confidence: 0.8}})
	require.True(t, changed)

	rc := NewIsolator(4).ViewFor("qualification", entries, sess)

	require.Len(t, rc.Entries, 4)
	assert.Equal(t, "m8", rc.Entries[0].Text)
	assert.Equal(t, "m11", rc.Entries[3].Text)

	all := rc.Utterances()
	require.Len(t, all, 5)
	assert.Equal(t, ledger.ProvenanceSynthesized, all[0].Provenance)
	assert.Equal(t, "Handoff from engagement (score_band). Known facts: name=Ana.", all[0].Text)
}

func TestSession_ActivateSameRoleNoSummary(t *testing.T) {
	sess := NewSession()

	_, changed := sess.Activate("engagement", "", facts.NewFactSet())
	assert.False(t, changed, "first activation is not a handoff")

	_, changed = sess.Activate("engagement", "", facts.NewFactSet())
	assert.False(t, changed)
	assert.Equal(t, "engagement", sess.ActiveRole())
	assert.Empty(t, sess.Handoffs())
}

func TestSession_AtMostOneSummaryPerRole(t *testing.T) {
	sess := NewSession()
	sess.Activate("engagement", "", facts.NewFactSet())
	sess.Activate("qualification", "first", facts.NewFactSet())
	sess.Activate("engagement", "back", facts.NewFactSet())
	sess.Activate("qualification", "second", facts.NewFactSet())

	summary, ok := sess.Summary("qualification")
	require.True(t, ok)
	assert.Contains(t, summary.Text, "(second)")
	assert.Len(t, sess.Handoffs(), 3)
}

func TestSession_CloneIsIndependent(t *testing.T) {
	sess := NewSession()
	sess.Activate("engagement", "", facts.NewFactSet())

	clone := sess.Clone()
	clone.Activate("closing", "qualified", facts.NewFactSet())

	assert.Equal(t, "engagement", sess.ActiveRole())
	_, ok := sess.Summary("closing")
	assert.False(t, ok)
	assert.Equal(t, "closing", clone.ActiveRole())
}

func TestSession_Reset(t *testing.T) {
	sess := NewSession()
	sess.Activate("engagement", "", facts.NewFactSet())
	sess.Activate("support", "x", facts.NewFactSet())

	sess.Reset()

	assert.Empty(t, sess.ActiveRole())
	_, ok := sess.Summary("support")
	assert.False(t, ok)
}

func TestRoleContext_Transcript(t *testing.T) {
	summary := utter(ledger.AuthorSystem, "Handoff from engagement (x). Known facts: none.", ledger.ProvenanceSynthesized)
	rc := RoleContext{
		Role:    "qualification",
		Summary: &summary,
		Entries: []ledger.Utterance{utter(ledger.AuthorCustomer, "hola", ledger.ProvenanceLive)},
	}

	assert.Equal(t, "handoff: Handoff from engagement (x). Known facts: none.\ncustomer: hola\n", rc.Transcript())
}

func TestNewIsolator_Default(t *testing.T) {
	assert.Equal(t, DefaultWindow, NewIsolator(0).Window)
}
