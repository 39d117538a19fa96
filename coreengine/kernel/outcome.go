package kernel

import (
	"time"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/envelope"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
)

// Outcome is the committed result of one processed turn. Every caller whose
// utterance was merged into the same batch receives the same Outcome.
type Outcome struct {
	SessionID      string                  `json:"session_id"`
	TurnID         string                  `json:"turn_id"`
	Provenance     ledger.Provenance       `json:"provenance"`
	Role           string                  `json:"role,omitempty"`
	Text           string                  `json:"text,omitempty"`
	Stage          stage.Stage             `json:"stage,omitempty"`
	Score          int                     `json:"score"`
	RoleOutcome    string                  `json:"role_outcome,omitempty"`
	TerminalReason envelope.TerminalReason `json:"terminal_reason"`
	BatchCount     int                     `json:"batch_count"`
	RoleHops       int                     `json:"role_hops"`
	Facts          map[string]any          `json:"facts"`

	EscalationLimited bool `json:"escalation_limited"`
	HopLimited        bool `json:"hop_limited"`
	ManualFollowUp    bool `json:"manual_follow_up"`
	Delivered         bool `json:"delivered"`

	DurationMS int `json:"duration_ms"`
}

func newOutcome(env *envelope.TurnEnvelope) *Outcome {
	out := &Outcome{
		SessionID:         env.SessionID,
		TurnID:            env.TurnID,
		Provenance:        env.Provenance,
		Role:              env.ResponseRole,
		Text:              env.ResponseText,
		Stage:             env.State.Stage,
		Score:             env.State.Score.Score,
		RoleOutcome:       env.Outcome,
		BatchCount:        env.BatchCount,
		RoleHops:          env.RoleHopCount,
		Facts:             env.State.Facts.ToMap(),
		EscalationLimited: env.EscalationLimited,
		HopLimited:        env.HopLimited,
		ManualFollowUp:    env.ManualFollowUp,
	}
	if env.TerminalReason != nil {
		out.TerminalReason = *env.TerminalReason
	}
	return out
}

// Flagged reports whether the turn needs a person to look at the session.
func (o *Outcome) Flagged() bool {
	return o.ManualFollowUp || o.TerminalReason.IsFlagged()
}

// ToMap converts the outcome for wire formats.
func (o *Outcome) ToMap() map[string]any {
	return map[string]any{
		"session_id":         o.SessionID,
		"turn_id":            o.TurnID,
		"provenance":         string(o.Provenance),
		"role":               o.Role,
		"text":               o.Text,
		"stage":              string(o.Stage),
		"score":              o.Score,
		"role_outcome":       o.RoleOutcome,
		"terminal_reason":    string(o.TerminalReason),
		"batch_count":        o.BatchCount,
		"role_hops":          o.RoleHops,
		"facts":              o.Facts,
		"escalation_limited": o.EscalationLimited,
		"hop_limited":        o.HopLimited,
		"manual_follow_up":   o.ManualFollowUp,
		"delivered":          o.Delivered,
		"duration_ms":        o.DurationMS,
	}
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID      string             `json:"session_id"`
	State          map[string]any     `json:"state"`
	Ledger         []ledger.Utterance `json:"ledger"`
	ActiveRole     string             `json:"active_role"`
	PendingBatch   int                `json:"pending_batch"`
	Turns          int                `json:"turns"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
}

// ToMap converts the snapshot for wire formats.
func (s *Snapshot) ToMap() map[string]any {
	entries := make([]any, len(s.Ledger))
	for i, u := range s.Ledger {
		entries[i] = map[string]any{
			"id":         u.ID,
			"turn_id":    u.TurnID,
			"author":     string(u.Author),
			"text":       u.Text,
			"provenance": string(u.Provenance),
			"timestamp":  u.Timestamp.Format(time.RFC3339),
		}
	}
	return map[string]any{
		"session_id":       s.SessionID,
		"state":            s.State,
		"ledger":           entries,
		"active_role":      s.ActiveRole,
		"pending_batch":    s.PendingBatch,
		"turns":            s.Turns,
		"created_at":       s.CreatedAt.Format(time.RFC3339),
		"last_activity_at": s.LastActivityAt.Format(time.RFC3339),
	}
}
