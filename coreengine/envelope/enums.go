// Package envelope provides the TurnEnvelope: the working state of one turn,
// cloned from the session at turn start and committed only after the turn is
// persisted.
package envelope

// TerminalReason represents why a turn ended - exactly one per turn.
type TerminalReason string

const (
	// TerminalReasonResponded indicates a role produced the reply.
	TerminalReasonResponded TerminalReason = "responded"
	// TerminalReasonImported indicates history was seeded; nothing is delivered.
	TerminalReasonImported TerminalReason = "imported"
	// TerminalReasonEscalationLimit indicates the escalation cap forced fallback.
	TerminalReasonEscalationLimit TerminalReason = "escalation_limit"
	// TerminalReasonMaxRoleHopsExceeded indicates the supervisor/role loop was cut.
	TerminalReasonMaxRoleHopsExceeded TerminalReason = "max_role_hops_exceeded"
	// TerminalReasonGenerationFailed indicates retries were exhausted.
	TerminalReasonGenerationFailed TerminalReason = "generation_failed"
	// TerminalReasonCancelled indicates the caller's context ended the turn.
	TerminalReasonCancelled TerminalReason = "cancelled"
)

// IsFlagged reports whether the turn ended in a state that needs attention.
func (r TerminalReason) IsFlagged() bool {
	switch r {
	case TerminalReasonEscalationLimit, TerminalReasonMaxRoleHopsExceeded, TerminalReasonGenerationFailed:
		return true
	}
	return false
}

// StepStatus is the status of one pipeline step.
type StepStatus string

const (
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)
