package agents

import (
	"context"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
)

// Request is one generation call.
type Request struct {
	Role           string
	Prompt         string
	AllowedActions []string
	Temperature    float64
	MaxTokens      int
}

// Generator produces a reply or an action request for a prompt.
type Generator interface {
	Generate(ctx context.Context, req Request) (Generation, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (Generation, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (Generation, error) {
	return f(ctx, req)
}

// TemplateGenerator always asks for the stage's pre-approved reply. It is the
// generator used when no model is configured.
type TemplateGenerator struct{}

// Generate returns a use_template request.
func (TemplateGenerator) Generate(ctx context.Context, req Request) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return Generation{}, err
	}
	return Generation{Action: config.ActionUseTemplate}, nil
}
