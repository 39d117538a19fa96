package agents

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/prompts"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
)

// PromptVariables are the variables every role prompt template receives.
var PromptVariables = []string{
	"role",
	"role_goal",
	"stage",
	"task_summary",
	"facts",
	"score",
	"allowed_response",
	"forbidden_actions",
	"allowed_actions",
	"transcript",
}

// PromptBuilder renders role prompts. Parsed templates are cached by text.
type PromptBuilder struct {
	mu        sync.RWMutex
	templates map[string]prompts.PromptTemplate
}

// NewPromptBuilder creates a PromptBuilder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{templates: make(map[string]prompts.PromptTemplate)}
}

// Build renders text with values. Missing variables render as empty strings.
func (b *PromptBuilder) Build(text string, values map[string]any) (string, error) {
	if strings.TrimSpace(text) == "" {
		text = config.DefaultPromptTemplate
	}
	full := make(map[string]any, len(PromptVariables))
	for _, v := range PromptVariables {
		full[v] = ""
	}
	for k, v := range values {
		full[k] = v
	}

	out, err := b.template(text).Format(full)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return out, nil
}

func (b *PromptBuilder) template(text string) prompts.PromptTemplate {
	b.mu.RLock()
	tmpl, ok := b.templates[text]
	b.mu.RUnlock()
	if ok {
		return tmpl
	}

	tmpl = prompts.NewPromptTemplate(text, PromptVariables)
	b.mu.Lock()
	b.templates[text] = tmpl
	b.mu.Unlock()
	return tmpl
}

// promptValues collects the template values for one role run.
func promptValues(cfg *config.RoleConfig, in Input, actions string) map[string]any {
	factSummary := in.Facts.Summary()
	if factSummary == "" {
		factSummary = "none yet"
	}
	forbidden := make([]string, len(in.Analysis.ForbiddenActions))
	for i, f := range in.Analysis.ForbiddenActions {
		forbidden[i] = "- " + f
	}
	return map[string]any{
		"role":              cfg.Name,
		"role_goal":         cfg.Goal,
		"stage":             string(in.Analysis.Stage),
		"task_summary":      in.Directive.TaskSummary,
		"facts":             factSummary,
		"score":             in.Score.Score,
		"allowed_response":  in.Analysis.AllowedResponse,
		"forbidden_actions": strings.Join(forbidden, "\n"),
		"allowed_actions":   actions,
		"transcript":        strings.TrimRight(in.Context.Transcript(), "\n"),
	}
}
