package config

import (
	"fmt"
	"strings"
)

// RoleKind is the routing slot a role fills.
type RoleKind string

const (
	KindEngagement    RoleKind = "engagement"    // Greets and collects name/business
	KindQualification RoleKind = "qualification" // Collects goal and budget
	KindClosing       RoleKind = "closing"       // Offers slots and books the call
	KindFallback      RoleKind = "fallback"      // Human handoff / support
)

// Kinds lists every kind a roster must fill, in routing order.
var Kinds = []RoleKind{KindEngagement, KindQualification, KindClosing, KindFallback}

// Action names a role may request from the generator.
const (
	ActionRespond     = "respond"
	ActionUseTemplate = "use_template"
	ActionEscalate    = "escalate"
	ActionLookupSlots = "lookup_slots"
)

// DefaultPromptTemplate is the role prompt. Every variable is always supplied
// by the prompt builder.
const DefaultPromptTemplate = `You are the {{.role}} assistant of a small marketing agency, chatting in Spanish with a prospective customer on a messaging app.
Your goal: {{.role_goal}}
Current stage: {{.stage}}. Task: {{.task_summary}}
Known facts: {{.facts}}
Lead score: {{.score}}/10
Pre-approved reply for this stage: {{.allowed_response}}
Never do any of the following:
{{.forbidden_actions}}
Allowed actions: {{.allowed_actions}}
Conversation so far:
{{.transcript}}
Reply with a single JSON object: {"action": "<allowed action>", "text": "<message for the customer>", "reason": "<escalation reason, only when escalating>"}`

// EscalationPolicy states whether and why a role may hand the conversation
// to another role.
type EscalationPolicy struct {
	CanEscalate bool     `json:"can_escalate" yaml:"can_escalate" koanf:"can_escalate"`
	Reasons     []string `json:"reasons,omitempty" yaml:"reasons,omitempty" koanf:"reasons" validate:"dive,oneof=needs_appointment needs_qualification needs_support customer_confused wrong_agent"`
}

// Allows reports whether the policy permits escalating for reason. An empty
// reason list permits every reason.
func (p EscalationPolicy) Allows(reason string) bool {
	if !p.CanEscalate {
		return false
	}
	if len(p.Reasons) == 0 {
		return true
	}
	for _, r := range p.Reasons {
		if r == reason {
			return true
		}
	}
	return false
}

// RoleConfig is the declarative role configuration.
type RoleConfig struct {
	// Identity
	Name string   `json:"name" yaml:"name" koanf:"name" validate:"required"`
	Kind RoleKind `json:"kind" yaml:"kind" koanf:"kind" validate:"oneof=engagement qualification closing fallback"`
	Goal string   `json:"goal" yaml:"goal" koanf:"goal"`

	// Prompting
	PromptTemplate string   `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty" koanf:"prompt_template"`
	AllowedActions []string `json:"allowed_actions" yaml:"allowed_actions" koanf:"allowed_actions" validate:"min=1,dive,required"`

	EscalationPolicy EscalationPolicy `json:"escalation_policy" yaml:"escalation_policy" koanf:"escalation_policy"`

	// LLM overrides
	Temperature float64 `json:"temperature" yaml:"temperature" koanf:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" koanf:"max_tokens" validate:"gte=0"`

	// Bounds
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds" koanf:"timeout_seconds" validate:"gte=0"`
	MaxRetries     int `json:"max_retries" yaml:"max_retries" koanf:"max_retries" validate:"gte=0"`
}

// Validate validates the role configuration and fills defaults.
func (c *RoleConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("RoleConfig.Name is required")
	}
	switch c.Name {
	case "customer", "system":
		return fmt.Errorf("role name '%s' is reserved", c.Name)
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = DefaultPromptTemplate
	}
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("role '%s': %w", c.Name, err)
	}
	if c.EscalationPolicy.CanEscalate && !c.HasAction(ActionEscalate) {
		return fmt.Errorf("role '%s' can_escalate=true but '%s' is not an allowed action", c.Name, ActionEscalate)
	}
	return nil
}

// HasAction reports whether action is in AllowedActions.
func (c *RoleConfig) HasAction(action string) bool {
	for _, a := range c.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// RosterConfig is the set of roles the supervisor routes between. Exactly
// one role fills each kind.
type RosterConfig struct {
	Roles []*RoleConfig `json:"roles" yaml:"roles" koanf:"roles"`
}

// NewRosterConfig creates an empty roster.
func NewRosterConfig() RosterConfig {
	return RosterConfig{Roles: make([]*RoleConfig, 0, len(Kinds))}
}

// AddRole validates and appends a role.
func (r *RosterConfig) AddRole(role *RoleConfig) error {
	if err := role.Validate(); err != nil {
		return err
	}
	r.Roles = append(r.Roles, role)
	return nil
}

// Validate checks unique names and that every kind is filled exactly once.
func (r *RosterConfig) Validate() error {
	names := make(map[string]bool)
	kinds := make(map[RoleKind]string)
	for _, role := range r.Roles {
		if role == nil {
			return fmt.Errorf("nil role in roster")
		}
		if err := role.Validate(); err != nil {
			return err
		}
		if names[role.Name] {
			return fmt.Errorf("duplicate role name: %s", role.Name)
		}
		names[role.Name] = true
		if other, ok := kinds[role.Kind]; ok {
			return fmt.Errorf("roles '%s' and '%s' both fill kind '%s'", other, role.Name, role.Kind)
		}
		kinds[role.Kind] = role.Name
	}
	for _, k := range Kinds {
		if _, ok := kinds[k]; !ok {
			return fmt.Errorf("no role fills kind '%s'", k)
		}
	}
	if fb := r.ForKind(KindFallback); fb != nil && fb.EscalationPolicy.CanEscalate {
		return fmt.Errorf("fallback role '%s' cannot escalate", fb.Name)
	}
	return nil
}

// GetRole gets a role config by name.
func (r *RosterConfig) GetRole(name string) *RoleConfig {
	for _, role := range r.Roles {
		if role.Name == name {
			return role
		}
	}
	return nil
}

// ForKind returns the role filling kind, or nil.
func (r *RosterConfig) ForKind(kind RoleKind) *RoleConfig {
	for _, role := range r.Roles {
		if role.Kind == kind {
			return role
		}
	}
	return nil
}

// Names returns role names in roster order.
func (r *RosterConfig) Names() []string {
	names := make([]string, len(r.Roles))
	for i, role := range r.Roles {
		names[i] = role.Name
	}
	return names
}

// DefaultRoster returns the four standard roles.
func DefaultRoster() RosterConfig {
	return RosterConfig{Roles: []*RoleConfig{
		{
			Name:           "engagement",
			Kind:           KindEngagement,
			Goal:           "greet the customer warmly and learn their name and type of business.",
			PromptTemplate: DefaultPromptTemplate,
			AllowedActions: []string{ActionRespond, ActionUseTemplate, ActionEscalate},
			EscalationPolicy: EscalationPolicy{
				CanEscalate: true,
				Reasons:     []string{"needs_qualification", "needs_appointment", "customer_confused", "wrong_agent"},
			},
			Temperature: 0.4,
			MaxTokens:   300,
			MaxRetries:  2,
		},
		{
			Name:           "qualification",
			Kind:           KindQualification,
			Goal:           "understand the customer's main goal and monthly budget.",
			PromptTemplate: DefaultPromptTemplate,
			AllowedActions: []string{ActionRespond, ActionUseTemplate, ActionEscalate},
			EscalationPolicy: EscalationPolicy{
				CanEscalate: true,
				Reasons:     []string{"needs_appointment", "needs_support", "customer_confused", "wrong_agent"},
			},
			Temperature: 0.3,
			MaxTokens:   300,
			MaxRetries:  2,
		},
		{
			Name:           "closing",
			Kind:           KindClosing,
			Goal:           "collect the customer's email and book a call in one of the available slots.",
			PromptTemplate: DefaultPromptTemplate,
			AllowedActions: []string{ActionRespond, ActionUseTemplate, ActionEscalate, ActionLookupSlots},
			EscalationPolicy: EscalationPolicy{
				CanEscalate: true,
				Reasons:     []string{"needs_qualification", "needs_support", "customer_confused", "wrong_agent"},
			},
			Temperature: 0.2,
			MaxTokens:   300,
			MaxRetries:  2,
		},
		{
			Name:           "support",
			Kind:           KindFallback,
			Goal:           "acknowledge the request and tell the customer a person from the team will follow up.",
			PromptTemplate: DefaultPromptTemplate,
			AllowedActions: []string{ActionRespond, ActionUseTemplate},
			Temperature:    0.2,
			MaxTokens:      200,
			MaxRetries:     1,
		},
	}}
}
