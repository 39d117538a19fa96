// Package agents provides the Role: the single conversational role driven by
// RoleConfig, plus the generator contract and prompt building it relies on.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
)

// =============================================================================
// ENUMS
// =============================================================================

// RoleOutcome is how a role produced its reply.
//
// Outcomes:
//
//	RESPONDED: generated text was used
//	TEMPLATED: the stage's pre-approved reply was used
//	ACTION: a registered action produced the reply
//	ESCALATED: the role asked the supervisor for another role
//	FALLBACK: generation failed; a generic reply was used
type RoleOutcome string

const (
	RoleOutcomeResponded RoleOutcome = "responded"
	RoleOutcomeTemplated RoleOutcome = "templated"
	RoleOutcomeAction    RoleOutcome = "action"
	RoleOutcomeEscalated RoleOutcome = "escalated"
	RoleOutcomeFallback  RoleOutcome = "fallback"
)

// RoleOutcomeFromString parses an outcome string.
func RoleOutcomeFromString(value string) (RoleOutcome, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "responded":
		return RoleOutcomeResponded, nil
	case "templated":
		return RoleOutcomeTemplated, nil
	case "action":
		return RoleOutcomeAction, nil
	case "escalated":
		return RoleOutcomeEscalated, nil
	case "fallback":
		return RoleOutcomeFallback, nil
	default:
		return "", fmt.Errorf("invalid role outcome '%s'. Must be one of: responded, templated, action, escalated, fallback", value)
	}
}

// IsDeliverable reports whether the outcome carries customer-facing text.
func (o RoleOutcome) IsDeliverable() bool {
	return o != RoleOutcomeEscalated
}

// IsDegraded reports whether the outcome needs manual follow-up.
func (o RoleOutcome) IsDegraded() bool {
	return o == RoleOutcomeFallback
}

// =============================================================================
// GENERATION
// =============================================================================

// Generation is a generator's reply: free text or an action request.
type Generation struct {
	Action string `json:"action"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
	Raw    string `json:"-"`
}

// ParseGeneration reads a generator reply. A JSON object (possibly embedded
// in prose) is read as {action, text, reason}; anything else is plain text
// to respond with.
func ParseGeneration(raw string) (Generation, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Generation{}, fmt.Errorf("empty generation")
	}

	obj, err := extractAndParseJSON(trimmed)
	if err != nil {
		return Generation{Action: config.ActionRespond, Text: trimmed, Raw: raw}, nil
	}

	g := Generation{Raw: raw}
	g.Action, _ = obj["action"].(string)
	g.Text, _ = obj["text"].(string)
	g.Reason, _ = obj["reason"].(string)
	g.Action = strings.ToLower(strings.TrimSpace(g.Action))
	g.Text = strings.TrimSpace(g.Text)
	g.Reason = strings.ToLower(strings.TrimSpace(g.Reason))

	if g.Action == "" {
		if g.Text == "" {
			return Generation{}, fmt.Errorf("generation has neither action nor text")
		}
		g.Action = config.ActionRespond
	}
	return g, nil
}

// Helper functions

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func extractAndParseJSON(text string) (map[string]any, error) {
	// Try direct parse first
	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil {
		return result, nil
	}

	// Try to find JSON object in text
	start := -1
	braceCount := 0
	for i, c := range text {
		if c == '{' {
			if start == -1 {
				start = i
			}
			braceCount++
		} else if c == '}' && start != -1 {
			braceCount--
			if braceCount == 0 && start != -1 {
				jsonStr := text[start : i+1]
				if err := json.Unmarshal([]byte(jsonStr), &result); err == nil {
					return result, nil
				}
				start = -1
			}
		}
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}
