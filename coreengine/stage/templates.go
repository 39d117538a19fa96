package stage

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

// Template variables available to every stage template.
var templateVariables = []string{"name", "business_type", "goal", "budget", "email", "slots", "slot"}

// defaultTemplates are the pre-approved responses per stage. Each question
// carries the marker phrase its stage is recognised by.
var defaultTemplates = map[Stage]string{
	Greeting:           `{{if .name}}¡Hola {{.name}}! Gracias por escribirnos.{{else}}¡Hola! Gracias por escribirnos. ¿Cuál es tu nombre?{{end}}`,
	AwaitName:          `Antes de seguir, ¿cuál es tu nombre?`,
	AwaitBusiness:      `Mucho gusto{{if .name}}, {{.name}}{{end}}. ¿Qué tipo de negocio tienes?`,
	AwaitGoal:          `¿Qué te gustaría lograr{{if .business_type}} con tu {{.business_type}}{{end}}? Cuéntame tu objetivo principal.`,
	AwaitBudget:        `Para proponerte algo a medida, ¿cuál es tu presupuesto mensual aproximado?`,
	AwaitEmail:         `Perfecto. ¿A qué correo te envío la propuesta?`,
	OfferingSlots:      `Estos son los horarios disponibles para una llamada: {{.slots}}. ¿Cuál prefieres?`,
	AwaitSlotSelection: `¿Cuál de estos horarios disponibles te queda mejor? {{.slots}}`,
	Confirming:         `Anoto la llamada para {{.slot}}. ¿Confirmas la cita?`,
	Completed:          `¡Listo{{if .name}}, {{.name}}{{end}}! Tu llamada quedó agendada para {{.slot}}. Te enviaremos los detalles.`,
	Escalating:         `Entiendo. Te comunico con una persona de nuestro equipo para ayudarte.`,
}

// plainFallbacks are used when a template fails to render.
var plainFallbacks = map[Stage]string{
	Greeting:           "¡Hola! Gracias por escribirnos. ¿Cuál es tu nombre?",
	AwaitName:          "Antes de seguir, ¿cuál es tu nombre?",
	AwaitBusiness:      "¿Qué tipo de negocio tienes?",
	AwaitGoal:          "¿Qué te gustaría lograr? Cuéntame tu objetivo principal.",
	AwaitBudget:        "¿Cuál es tu presupuesto mensual aproximado?",
	AwaitEmail:         "¿A qué correo te envío la propuesta?",
	OfferingSlots:      "Te comparto los horarios disponibles para una llamada.",
	AwaitSlotSelection: "¿Cuál de los horarios disponibles te queda mejor?",
	Confirming:         "¿Confirmas la cita?",
	Completed:          "¡Listo! Tu llamada quedó agendada.",
	Escalating:         "Te comunico con una persona de nuestro equipo.",
}

// Templates renders stage responses with langchaingo prompt templates.
type Templates struct {
	byStage map[Stage]prompts.PromptTemplate
}

// DefaultTemplates returns the built-in Spanish templates.
func DefaultTemplates() *Templates {
	t := &Templates{byStage: make(map[Stage]prompts.PromptTemplate, len(defaultTemplates))}
	for s, text := range defaultTemplates {
		t.byStage[s] = prompts.NewPromptTemplate(text, templateVariables)
	}
	return t
}

// Override replaces the template of one stage. Go template syntax with the
// variables name, business_type, goal, budget, email, slots and slot.
func (t *Templates) Override(s Stage, text string) error {
	if !s.Valid() {
		return fmt.Errorf("unknown stage %q", s)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty template for stage %s", s)
	}
	t.byStage[s] = prompts.NewPromptTemplate(text, templateVariables)
	return nil
}

// Render formats the template of s with the collected data. A render error
// falls back to the plain text of the stage.
func (t *Templates) Render(s Stage, data Collected, slots []string) string {
	tmpl, ok := t.byStage[s]
	if !ok {
		return plainFallbacks[s]
	}
	out, err := tmpl.Format(data.templateValues(slots))
	if err != nil {
		return plainFallbacks[s]
	}
	return strings.TrimSpace(out)
}

// FormatSlots renders slot labels as a numbered list.
func FormatSlots(slots []string) string {
	parts := make([]string, len(slots))
	for i, s := range slots {
		parts[i] = fmt.Sprintf("%d) %s", i+1, s)
	}
	return strings.Join(parts, ", ")
}
