package envelope

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/memory"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/scoring"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
)

// DefaultMaxRoleHops bounds supervisor/role round trips per turn.
const DefaultMaxRoleHops = 3

// ProcessingRecord represents a record of a single pipeline step.
type ProcessingRecord struct {
	Step        string     `json:"step"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int        `json:"duration_ms"`
	Status      StepStatus `json:"status"`
	Error       *string    `json:"error,omitempty"`
}

// SessionState is the committed per-session state a turn starts from.
type SessionState struct {
	Facts          facts.FactSet             `json:"facts"`
	Score          scoring.Record            `json:"score"`
	Escalation     routing.EscalationContext `json:"escalation"`
	Memory         *memory.Session           `json:"-"`
	TurnCount      int                       `json:"turn_count"`
	Stage          stage.Stage               `json:"stage"`
	ManualFollowUp bool                      `json:"manual_follow_up"`
}

// NewSessionState returns the state of a session before its first turn.
func NewSessionState() SessionState {
	return SessionState{
		Facts:  facts.NewFactSet(),
		Score:  scoring.Record{Score: scoring.MinScore},
		Memory: memory.NewSession(),
		Stage:  stage.Greeting,
	}
}

// Clone returns a deep copy.
func (s SessionState) Clone() SessionState {
	out := s
	out.Facts = s.Facts.Clone()
	out.Score = cloneRecord(s.Score)
	out.Escalation = s.Escalation.Clone()
	if s.Memory != nil {
		out.Memory = s.Memory.Clone()
	} else {
		out.Memory = memory.NewSession()
	}
	return out
}

// ToMap converts the state for wire and storage formats.
func (s SessionState) ToMap() map[string]any {
	m := map[string]any{
		"facts":            s.Facts.ToMap(),
		"score":            s.Score.ToMap(),
		"escalation":       s.Escalation.ToMap(),
		"turn_count":       s.TurnCount,
		"stage":            string(s.Stage),
		"manual_follow_up": s.ManualFollowUp,
	}
	if s.Memory != nil {
		m["memory"] = s.Memory.ToMap()
	}
	return m
}

// TurnEnvelope carries one turn through the pipeline.
type TurnEnvelope struct {
	// Identification
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`

	// Original Input
	RawInput   string            `json:"raw_input"`
	Provenance ledger.Provenance `json:"provenance"`
	BatchCount int               `json:"batch_count"`
	ReceivedAt time.Time         `json:"received_at"`

	// History is the committed ledger at turn start; Appended holds what this
	// turn adds. Nothing reaches the session ledger before commit.
	History  []ledger.Utterance `json:"-"`
	Appended []ledger.Utterance `json:"appended"`

	// Working state, cloned from the session
	State SessionState `json:"state"`

	// Products
	Captured      facts.FactSet       `json:"-"`
	PreviousStage stage.Stage         `json:"previous_stage"`
	Analysis      stage.Analysis      `json:"analysis"`
	Directives    []routing.Directive `json:"directives"`
	ActiveRole    string              `json:"active_role"`
	ResponseText  string              `json:"response_text"`
	ResponseRole  string              `json:"response_role"`
	Outcome       string              `json:"outcome"`

	// Bounds Tracking
	RoleHopCount   int             `json:"role_hop_count"`
	MaxRoleHops    int             `json:"max_role_hops"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty"`

	// Flags
	EscalationLimited bool `json:"escalation_limited"`
	HopLimited        bool `json:"hop_limited"`
	ManualFollowUp    bool `json:"manual_follow_up"`

	// Audit Trail
	ProcessingHistory []ProcessingRecord `json:"processing_history"`
	Errors            []map[string]any   `json:"errors"`

	// Timing
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Metadata
	Metadata map[string]any `json:"metadata"`
}

// NewTurnEnvelope creates an envelope for text arriving on sessionID.
func NewTurnEnvelope(sessionID, text string, provenance ledger.Provenance, history []ledger.Utterance, state SessionState) *TurnEnvelope {
	now := time.Now().UTC()
	if provenance == "" {
		provenance = ledger.ProvenanceLive
	}
	return &TurnEnvelope{
		TurnID:            "turn_" + uuid.New().String(),
		SessionID:         sessionID,
		RawInput:          text,
		Provenance:        provenance,
		BatchCount:        1,
		ReceivedAt:        now,
		History:           append([]ledger.Utterance(nil), history...),
		Appended:          []ledger.Utterance{},
		State:             state.Clone(),
		Captured:          facts.NewFactSet(),
		PreviousStage:     state.Stage,
		Directives:        []routing.Directive{},
		MaxRoleHops:       DefaultMaxRoleHops,
		ProcessingHistory: []ProcessingRecord{},
		Errors:            []map[string]any{},
		CreatedAt:         now,
		Metadata:          make(map[string]any),
	}
}

// =============================================================================
// Ledger View
// =============================================================================

// Append stages utterances for commit, stamping them with the turn id.
func (e *TurnEnvelope) Append(utterances ...ledger.Utterance) {
	for _, u := range utterances {
		u.TurnID = e.TurnID
		e.Appended = append(e.Appended, u)
	}
}

// Entries returns History followed by Appended.
func (e *TurnEnvelope) Entries() []ledger.Utterance {
	out := make([]ledger.Utterance, 0, len(e.History)+len(e.Appended))
	out = append(out, e.History...)
	return append(out, e.Appended...)
}

// IsLive reports whether the turn came from the live channel.
func (e *TurnEnvelope) IsLive() bool {
	return e.Provenance == ledger.ProvenanceLive
}

// =============================================================================
// Processing History
// =============================================================================

// RecordStepStart records the start of a pipeline step.
func (e *TurnEnvelope) RecordStepStart(step string) {
	e.ProcessingHistory = append(e.ProcessingHistory, ProcessingRecord{
		Step:      step,
		StartedAt: time.Now().UTC(),
		Status:    StepRunning,
	})
}

// RecordStepComplete records completion of the last running entry of step.
func (e *TurnEnvelope) RecordStepComplete(step string, status StepStatus, errorMsg *string) {
	for i := len(e.ProcessingHistory) - 1; i >= 0; i-- {
		entry := &e.ProcessingHistory[i]
		if entry.Step == step && entry.Status == StepRunning {
			now := time.Now().UTC()
			entry.CompletedAt = &now
			entry.Status = status
			entry.Error = errorMsg
			entry.DurationMS = int(now.Sub(entry.StartedAt).Milliseconds())
			break
		}
	}
}

// RecordError appends an error entry.
func (e *TurnEnvelope) RecordError(step string, err error) {
	e.Errors = append(e.Errors, map[string]any{
		"step":      step,
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// =============================================================================
// Control Flow
// =============================================================================

// RecordHop counts one supervisor/role round trip.
func (e *TurnEnvelope) RecordHop(d routing.Directive) {
	e.Directives = append(e.Directives, d)
	e.RoleHopCount++
}

// CanHop reports whether another round trip is allowed.
func (e *TurnEnvelope) CanHop() bool {
	if e.TerminalReason != nil {
		return false
	}
	return e.RoleHopCount < e.MaxRoleHops
}

// LastDirective returns the most recent directive.
func (e *TurnEnvelope) LastDirective() (routing.Directive, bool) {
	if len(e.Directives) == 0 {
		return routing.Directive{}, false
	}
	return e.Directives[len(e.Directives)-1], true
}

// Terminate records the terminal reason. The first reason wins.
func (e *TurnEnvelope) Terminate(reason TerminalReason) {
	if e.TerminalReason != nil {
		return
	}
	e.TerminalReason = &reason
	now := time.Now().UTC()
	e.CompletedAt = &now
}

// Terminated reports whether a terminal reason is set.
func (e *TurnEnvelope) Terminated() bool {
	return e.TerminalReason != nil
}

// TotalProcessingTimeMS returns the summed step durations.
func (e *TurnEnvelope) TotalProcessingTimeMS() int {
	total := 0
	for _, r := range e.ProcessingHistory {
		total += r.DurationMS
	}
	return total
}

// =============================================================================
// Clone - Deep Copy for State Rollback
// =============================================================================

// Clone creates a deep copy of the envelope.
func (e *TurnEnvelope) Clone() *TurnEnvelope {
	clone := *e
	clone.History = append([]ledger.Utterance(nil), e.History...)
	clone.Appended = append([]ledger.Utterance(nil), e.Appended...)
	clone.State = e.State.Clone()
	clone.Captured = e.Captured.Clone()
	clone.Analysis.ForbiddenActions = append([]string(nil), e.Analysis.ForbiddenActions...)
	clone.Analysis.Captured = e.Analysis.Captured.Clone()
	clone.Directives = append([]routing.Directive(nil), e.Directives...)
	clone.ProcessingHistory = append([]ProcessingRecord(nil), e.ProcessingHistory...)
	clone.Errors = make([]map[string]any, len(e.Errors))
	for i, m := range e.Errors {
		clone.Errors[i] = deepCopyAnyMap(m)
	}
	clone.Metadata = deepCopyAnyMap(e.Metadata)
	if e.TerminalReason != nil {
		r := *e.TerminalReason
		clone.TerminalReason = &r
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// ToResultDict converts the turn outcome for wire and storage formats.
func (e *TurnEnvelope) ToResultDict() map[string]any {
	directives := make([]any, len(e.Directives))
	for i, d := range e.Directives {
		directives[i] = d.ToMap()
	}
	appended := make([]any, len(e.Appended))
	for i, u := range e.Appended {
		appended[i] = map[string]any{
			"id":         u.ID,
			"author":     string(u.Author),
			"text":       u.Text,
			"provenance": string(u.Provenance),
			"timestamp":  u.Timestamp.Format(time.RFC3339),
		}
	}
	terminal := ""
	if e.TerminalReason != nil {
		terminal = string(*e.TerminalReason)
	}
	return map[string]any{
		"turn_id":            e.TurnID,
		"session_id":         e.SessionID,
		"raw_input":          e.RawInput,
		"provenance":         string(e.Provenance),
		"batch_count":        e.BatchCount,
		"response_text":      e.ResponseText,
		"response_role":      e.ResponseRole,
		"outcome":            e.Outcome,
		"active_role":        e.ActiveRole,
		"previous_stage":     string(e.PreviousStage),
		"analysis":           e.Analysis.ToMap(),
		"directives":         directives,
		"appended":           appended,
		"state":              e.State.ToMap(),
		"role_hop_count":     e.RoleHopCount,
		"terminal_reason":    terminal,
		"escalation_limited": e.EscalationLimited,
		"hop_limited":        e.HopLimited,
		"manual_follow_up":   e.ManualFollowUp,
		"processing_time_ms": e.TotalProcessingTimeMS(),
	}
}

func cloneRecord(r scoring.Record) scoring.Record {
	out := r
	if r.Breakdown != nil {
		out.Breakdown = make(map[string]int, len(r.Breakdown))
		for k, v := range r.Breakdown {
			out.Breakdown[k] = v
		}
	}
	return out
}

func deepCopyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = deepCopyValue(v)
	}
	return result
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyAnyMap(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = deepCopyValue(item)
		}
		return result
	case []string:
		return append([]string(nil), val...)
	default:
		return v // Primitives are copied by value
	}
}
