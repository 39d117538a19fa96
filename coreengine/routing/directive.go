// Package routing provides the Routing Supervisor: score-band routing, the
// escalation protocol and once-per-turn commit delegation.
package routing

import (
	"time"
)

// RouteReason explains why a directive targets its role.
type RouteReason string

const (
	ReasonScoreBand             RouteReason = "score_band"
	ReasonBusinessAndGoal       RouteReason = "business_and_goal_known"
	ReasonQualified             RouteReason = "fully_qualified"
	ReasonQualificationRequired RouteReason = "qualification_required"
	ReasonStageEscalating       RouteReason = "stage_escalating"
	ReasonEscalated             RouteReason = "escalated"
	ReasonEscalationRejected    RouteReason = "escalation_rejected"
	ReasonEscalationLimit       RouteReason = "escalation_limit"
	ReasonHopLimit              RouteReason = "hop_limit"
)

// EscalationReason is the typed reason a role gives when handing control back.
type EscalationReason string

const (
	NeedsAppointment   EscalationReason = "needs_appointment"
	NeedsQualification EscalationReason = "needs_qualification"
	NeedsSupport       EscalationReason = "needs_support"
	CustomerConfused   EscalationReason = "customer_confused"
	WrongAgent         EscalationReason = "wrong_agent"
)

// Valid reports whether r is a known escalation reason.
func (r EscalationReason) Valid() bool {
	switch r {
	case NeedsAppointment, NeedsQualification, NeedsSupport, CustomerConfused, WrongAgent:
		return true
	}
	return false
}

// EscalationRequest is a role's request to be re-routed.
type EscalationRequest struct {
	From    string           `json:"from"`
	Reason  EscalationReason `json:"reason"`
	Summary string           `json:"summary,omitempty"`
}

// EscalationRecord is one entry of the session's escalation history.
type EscalationRecord struct {
	From      string           `json:"from"`
	To        string           `json:"to"`
	Reason    EscalationReason `json:"reason"`
	Accepted  bool             `json:"accepted"`
	Timestamp time.Time        `json:"timestamp"`
}

// EscalationContext is the per-session escalation state. AttemptCount only
// grows and stops at the cap.
type EscalationContext struct {
	AttemptCount int                `json:"attempt_count"`
	Limited      bool               `json:"limited"`
	History      []EscalationRecord `json:"history,omitempty"`
}

// Clone returns a deep copy.
func (e EscalationContext) Clone() EscalationContext {
	out := e
	if e.History != nil {
		out.History = append([]EscalationRecord(nil), e.History...)
	}
	return out
}

// ToMap converts the context for wire and storage formats.
func (e EscalationContext) ToMap() map[string]any {
	history := make([]any, len(e.History))
	for i, h := range e.History {
		history[i] = map[string]any{
			"from":      h.From,
			"to":        h.To,
			"reason":    string(h.Reason),
			"accepted":  h.Accepted,
			"timestamp": h.Timestamp.Format(time.RFC3339),
		}
	}
	return map[string]any{
		"attempt_count": e.AttemptCount,
		"limited":       e.Limited,
		"history":       history,
	}
}

// Directive tells the turn pipeline which role acts next.
type Directive struct {
	Target       string             `json:"target"`
	Reason       RouteReason        `json:"reason"`
	TaskSummary  string             `json:"task_summary"`
	AttemptCount int                `json:"attempt_count"`
	Escalation   *EscalationRequest `json:"escalation,omitempty"`
	// Terminal directives end the routing loop; the target may not escalate.
	Terminal bool `json:"terminal"`
	// Rejected marks an escalation that was refused because of the cap.
	Rejected bool `json:"rejected"`
}

// ToMap converts the directive for wire and storage formats.
func (d Directive) ToMap() map[string]any {
	m := map[string]any{
		"target":        d.Target,
		"reason":        string(d.Reason),
		"task_summary":  d.TaskSummary,
		"attempt_count": d.AttemptCount,
		"terminal":      d.Terminal,
		"rejected":      d.Rejected,
	}
	if d.Escalation != nil {
		m["escalation"] = map[string]any{
			"from":    d.Escalation.From,
			"reason":  string(d.Escalation.Reason),
			"summary": d.Escalation.Summary,
		}
	}
	return m
}
