package commbus

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// Routing type names.
const (
	TypeSessionStarted         = "SessionStarted"
	TypeSessionEnded           = "SessionEnded"
	TypeTurnCompleted          = "TurnCompleted"
	TypeStageTransition        = "StageTransition"
	TypeRoleHandoff            = "RoleHandoff"
	TypeEscalationRejected     = "EscalationRejected"
	TypeManualFollowUpRequired = "ManualFollowUpRequired"
	TypeGetSessionSnapshot     = "GetSessionSnapshot"
	TypeHealthCheckRequest     = "HealthCheckRequest"
)

// =============================================================================
// SESSION LIFECYCLE EVENTS
// =============================================================================

// SessionStarted is emitted when the orchestrator creates a session.
type SessionStarted struct {
	SessionID string `json:"session_id"`
}

// Category implements the Message interface.
func (m *SessionStarted) Category() string { return string(MessageCategoryEvent) }

// SessionEnded is emitted when a session is closed or evicted.
type SessionEnded struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"` // "ended", "idle", "shutdown"
	Turns     int    `json:"turns"`
}

// Category implements the Message interface.
func (m *SessionEnded) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// TURN EVENTS
// =============================================================================

// TurnCompleted is emitted after a turn is committed.
// Subscribers: audit log, CRM sync, analytics.
type TurnCompleted struct {
	SessionID         string `json:"session_id"`
	TurnID            string `json:"turn_id"`
	Provenance        string `json:"provenance"`
	Role              string `json:"role,omitempty"`
	Stage             string `json:"stage,omitempty"`
	Score             int    `json:"score"`
	Outcome           string `json:"outcome,omitempty"`
	TerminalReason    string `json:"terminal_reason"`
	BatchCount        int    `json:"batch_count"`
	RoleHops          int    `json:"role_hops"`
	EscalationLimited bool   `json:"escalation_limited"`
	ManualFollowUp    bool   `json:"manual_follow_up"`
	Delivered         bool   `json:"delivered"`
	DurationMS        int    `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *TurnCompleted) Category() string { return string(MessageCategoryEvent) }

// StageTransition is emitted when a committed turn moves the funnel stage.
type StageTransition struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
}

// Category implements the Message interface.
func (m *StageTransition) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// ROUTING EVENTS
// =============================================================================

// RoleHandoff is emitted for every committed change of active role.
type RoleHandoff struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Reason    string `json:"reason"`
}

// Category implements the Message interface.
func (m *RoleHandoff) Category() string { return string(MessageCategoryEvent) }

// EscalationRejected is emitted when an escalation arrives with the attempt
// count already at the cap.
type EscalationRejected struct {
	SessionID    string `json:"session_id"`
	TurnID       string `json:"turn_id"`
	From         string `json:"from"`
	Reason       string `json:"reason"`
	AttemptCount int    `json:"attempt_count"`
}

// Category implements the Message interface.
func (m *EscalationRejected) Category() string { return string(MessageCategoryEvent) }

// ManualFollowUpRequired is emitted when a session needs a person: downstream
// retries were exhausted or the routing limits were hit.
type ManualFollowUpRequired struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Role      string `json:"role,omitempty"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *ManualFollowUpRequired) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// QUERIES
// =============================================================================

// GetSessionSnapshot asks the orchestrator for a read-only session view.
type GetSessionSnapshot struct {
	SessionID string `json:"session_id"`
}

// Category implements the Message interface.
func (m *GetSessionSnapshot) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetSessionSnapshot) IsQuery() {}

// HealthCheckRequest asks a component for its health.
type HealthCheckRequest struct {
	Component string `json:"component"`
}

// Category implements the Message interface.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the response to HealthCheckRequest.
type HealthCheckResponse struct {
	Component string         `json:"component"`
	Status    HealthStatus   `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *SessionStarted:
		return TypeSessionStarted
	case *SessionEnded:
		return TypeSessionEnded
	case *TurnCompleted:
		return TypeTurnCompleted
	case *StageTransition:
		return TypeStageTransition
	case *RoleHandoff:
		return TypeRoleHandoff
	case *EscalationRejected:
		return TypeEscalationRejected
	case *ManualFollowUpRequired:
		return TypeManualFollowUpRequired
	case *GetSessionSnapshot:
		return TypeGetSessionSnapshot
	case *HealthCheckRequest:
		return TypeHealthCheckRequest
	default:
		return "Unknown"
	}
}
