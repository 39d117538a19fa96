// Package tools provides the registry of actions a role may request.
//
// respond, use_template and escalate are built in: response assembly and the
// supervisor handle them. Everything else is registered here with a handler.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/stage"
)

var (
	// ErrActionNotFound is returned for unregistered action names.
	ErrActionNotFound = errors.New("action not found")
	// ErrActionNotAllowed is returned when a role requests an action outside
	// its allowed list.
	ErrActionNotAllowed = errors.New("action not allowed")
)

// ActionHandler executes an action.
type ActionHandler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ActionDefinition defines an action's metadata and handler.
type ActionDefinition struct {
	Name        string
	Description string
	Handler     ActionHandler
}

var builtins = map[string]string{
	config.ActionRespond:     "reply to the customer with your own text",
	config.ActionUseTemplate: "send the pre-approved reply for the current stage",
	config.ActionEscalate:    "hand the conversation to another team member; set reason",
}

// IsBuiltin reports whether name is handled outside the executor.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

// ActionExecutor executes registered actions by name.
type ActionExecutor struct {
	actions map[string]*ActionDefinition
	mu      sync.RWMutex
}

// NewActionExecutor creates a new ActionExecutor.
func NewActionExecutor() *ActionExecutor {
	return &ActionExecutor{
		actions: make(map[string]*ActionDefinition),
	}
}

// Register registers an action. Built-in names cannot be registered.
func (e *ActionExecutor) Register(def *ActionDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("action name is required")
	}
	if IsBuiltin(def.Name) {
		return fmt.Errorf("action '%s' is built in", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("action handler is required for '%s'", def.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.actions[def.Name] = def
	return nil
}

// Execute runs action name on behalf of a role whose allowed list is allowed.
func (e *ActionExecutor) Execute(ctx context.Context, allowed []string, name string, params map[string]any) (map[string]any, error) {
	if !contains(allowed, name) {
		return nil, fmt.Errorf("%w: %s", ErrActionNotAllowed, name)
	}

	e.mu.RLock()
	def, exists := e.actions[name]
	e.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return def.Handler(ctx, params)
}

// Has checks if an action is registered or built in.
func (e *ActionExecutor) Has(name string) bool {
	if IsBuiltin(name) {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.actions[name]
	return exists
}

// List returns registered action names, sorted.
func (e *ActionExecutor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetDefinition gets an action definition by name.
func (e *ActionExecutor) GetDefinition(name string) *ActionDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.actions[name]
}

// Describe renders "name: description" lines for the allowed actions that
// are available, in allowed order. Used in role prompts.
func (e *ActionExecutor) Describe(allowed []string) string {
	var b strings.Builder
	for _, name := range allowed {
		desc, ok := builtins[name]
		if !ok {
			def := e.GetDefinition(name)
			if def == nil {
				continue
			}
			desc = def.Description
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

// ActionRegistry is an interface for action registration and lookup.
type ActionRegistry interface {
	Register(def *ActionDefinition) error
	Execute(ctx context.Context, allowed []string, name string, params map[string]any) (map[string]any, error)
	Has(name string) bool
	List() []string
	Describe(allowed []string) string
}

// Ensure ActionExecutor implements ActionRegistry
var _ ActionRegistry = (*ActionExecutor)(nil)

// =============================================================================
// STANDARD ACTIONS
// =============================================================================

// LookupSlots returns the lookup_slots action over a fixed slot list. The
// result carries "slots" and a customer-facing "text".
func LookupSlots(slots []string) *ActionDefinition {
	offered := append([]string(nil), slots...)
	return &ActionDefinition{
		Name:        config.ActionLookupSlots,
		Description: "list the appointment slots available for a call",
		Handler: func(ctx context.Context, params map[string]any) (map[string]any, error) {
			if len(offered) == 0 {
				return nil, fmt.Errorf("no slots configured")
			}
			return map[string]any{
				"slots": append([]string(nil), offered...),
				"text":  "Estos son los horarios disponibles para una llamada: " + stage.FormatSlots(offered) + ". ¿Cuál prefieres?",
			}, nil
		},
	}
}

// NewStandardExecutor returns an executor with the standard actions registered.
func NewStandardExecutor(slots []string) *ActionExecutor {
	e := NewActionExecutor()
	_ = e.Register(LookupSlots(slots))
	return e
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
