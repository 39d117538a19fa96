package stage

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/facts"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

// CapturedConfidence is the confidence of an answer accepted because it
// replied to the question just asked.
const CapturedConfidence = 0.8

const maxNameAnswerWords = 4

// DefaultSlots are offered when no slots are configured.
var DefaultSlots = []string{"Lunes 10:00", "Martes 16:00", "Jueves 11:00"}

// Collected is the data gathered so far, as seen by the stage machine.
type Collected struct {
	Name         string `json:"name,omitempty"`
	BusinessType string `json:"business_type,omitempty"`
	Goal         string `json:"goal,omitempty"`
	Budget       string `json:"budget,omitempty"`
	Email        string `json:"email,omitempty"`
	SlotsOffered bool   `json:"slots_offered"`
	Slot         string `json:"slot,omitempty"`
	Confirmed    bool   `json:"confirmed"`
	Booked       bool   `json:"booked"`
}

// ToMap converts collected data for wire and storage formats.
func (c Collected) ToMap() map[string]any {
	return map[string]any{
		"name":          c.Name,
		"business_type": c.BusinessType,
		"goal":          c.Goal,
		"budget":        c.Budget,
		"email":         c.Email,
		"slots_offered": c.SlotsOffered,
		"slot":          c.Slot,
		"confirmed":     c.Confirmed,
		"booked":        c.Booked,
	}
}

func (c Collected) templateValues(slots []string) map[string]any {
	return map[string]any{
		"name":          c.Name,
		"business_type": c.BusinessType,
		"goal":          c.Goal,
		"budget":        c.Budget,
		"email":         c.Email,
		"slots":         FormatSlots(slots),
		"slot":          c.Slot,
	}
}

// Analysis is the output of one analyzer run.
type Analysis struct {
	Stage            Stage         `json:"stage"`
	CollectedData    Collected     `json:"collected_data"`
	Captured         facts.FactSet `json:"-"`
	NextAction       NextAction    `json:"next_action"`
	AllowedResponse  string        `json:"allowed_response"`
	ForbiddenActions []string      `json:"forbidden_actions"`
	LastQuestion     Stage         `json:"last_question,omitempty"`
	EscalationCue    Cue           `json:"escalation_cue,omitempty"`
}

// ToMap converts the analysis for wire and storage formats.
func (a Analysis) ToMap() map[string]any {
	forbidden := make([]any, len(a.ForbiddenActions))
	for i, f := range a.ForbiddenActions {
		forbidden[i] = f
	}
	return map[string]any{
		"stage":             string(a.Stage),
		"collected_data":    a.CollectedData.ToMap(),
		"next_action":       string(a.NextAction),
		"allowed_response":  a.AllowedResponse,
		"forbidden_actions": forbidden,
		"last_question":     string(a.LastQuestion),
		"escalation_cue":    string(a.EscalationCue),
	}
}

// Analyzer is the conversation enforcer. It replays the ledger on every call
// and keeps no state between calls.
type Analyzer struct {
	Slots     []string
	Templates *Templates
}

// NewAnalyzer creates an Analyzer offering the given slots. Empty slots
// select DefaultSlots.
func NewAnalyzer(slots []string) *Analyzer {
	if len(slots) == 0 {
		slots = DefaultSlots
	}
	return &Analyzer{Slots: append([]string(nil), slots...), Templates: DefaultTemplates()}
}

// replay is the state accumulated while walking the ledger.
type replay struct {
	greeted      bool
	lastQuestion Stage
	captured     facts.FactSet
	slotsOffered bool
	slot         string
	confirmed    bool
	booked       bool
	lastCustomer string
}

// Analyze classifies the session from its ledger and fact set. The fact set
// is not modified; answers captured from replies are returned in
// Analysis.Captured for the caller to merge.
func (a *Analyzer) Analyze(entries []ledger.Utterance, fs facts.FactSet) Analysis {
	r := replay{captured: facts.NewFactSet()}

	for _, u := range entries {
		switch {
		case u.Author.IsRole() && u.Provenance == ledger.ProvenanceLive:
			r.greeted = true
			if q, ok := ClassifyQuestion(u.Text); ok {
				r.lastQuestion = q
				switch q {
				case AwaitSlotSelection:
					r.slotsOffered = true
				case Completed:
					r.booked = true
				}
			}
		case u.IsLiveCustomer():
			r.lastCustomer = u.Text
			if r.lastQuestion != "" && a.capture(&r, u.Text) {
				r.lastQuestion = ""
			}
		}
	}

	merged := fs.Merge(r.captured)
	data := Collected{
		Name:         merged.Value(facts.KeyName),
		Goal:         merged.Value(facts.KeyGoal),
		Budget:       merged.Value(facts.KeyBudget),
		Email:        merged.Value(facts.KeyEmail),
		SlotsOffered: r.slotsOffered,
		Slot:         r.slot,
		Confirmed:    r.confirmed,
		Booked:       r.booked,
	}
	if merged.IsSpecificBusiness() {
		data.BusinessType = merged.Value(facts.KeyBusinessType)
	}

	cue, escalating := DetectEscalation(r.lastCustomer)

	var st Stage
	switch {
	case escalating:
		st = Escalating
	case !r.greeted:
		st = Greeting
	default:
		st = firstMissing(data)
	}

	return Analysis{
		Stage:            st,
		CollectedData:    data,
		Captured:         r.captured,
		NextAction:       NextActionFor(st),
		AllowedResponse:  a.respond(st, data),
		ForbiddenActions: append([]string(nil), ForbiddenActions...),
		LastQuestion:     r.lastQuestion,
		EscalationCue:    cue,
	}
}

// firstMissing returns the first funnel stage whose data is not collected.
func firstMissing(c Collected) Stage {
	if c.Booked {
		return Completed
	}
	steps := []struct {
		stage Stage
		have  bool
	}{
		{AwaitName, c.Name != ""},
		{AwaitBusiness, c.BusinessType != ""},
		{AwaitGoal, c.Goal != ""},
		{AwaitBudget, c.Budget != ""},
		{AwaitEmail, c.Email != ""},
		{OfferingSlots, c.SlotsOffered},
		{AwaitSlotSelection, c.Slot != ""},
		{Confirming, c.Confirmed},
	}
	for _, s := range steps {
		if !s.have {
			return s.stage
		}
	}
	return Completed
}

func (a *Analyzer) respond(st Stage, data Collected) string {
	tmpl := a.Templates
	if tmpl == nil {
		tmpl = DefaultTemplates()
	}
	out := tmpl.Render(st, data, a.Slots)
	// A greeting for a customer whose name is already known goes straight
	// to the next question.
	if st == Greeting && data.Name != "" {
		if next := firstMissing(data); next != Completed {
			out += " " + tmpl.Render(next, data, a.Slots)
		}
	}
	return out
}

// =============================================================================
// QUESTION CLASSIFICATION
// =============================================================================

var questionMarkers = map[Stage][]string{
	AwaitName: {
		"tu nombre", "cómo te llamas", "como te llamas", "con quién tengo el gusto",
		"your name", "who am i speaking",
	},
	AwaitBusiness: {
		"tipo de negocio", "a qué te dedicas", "a que te dedicas", "qué negocio tienes",
		"your business", "kind of business", "what do you do",
	},
	AwaitGoal: {
		"objetivo", "qué te gustaría lograr", "que te gustaría lograr",
		"your goal", "like to achieve",
	},
	AwaitBudget: {"presupuesto", "budget"},
	AwaitEmail:  {"correo", "email", "e-mail"},
	AwaitSlotSelection: {
		"horarios disponibles", "horario disponible", "available times", "available slots",
	},
	Confirming: {"confirmas", "¿confirmamos", "can you confirm", "do you confirm"},
	Completed:  {"quedó agendada", "quedo agendada", "está agendada", "is booked", "is scheduled"},
}

// ClassifyQuestion returns the stage whose question text asks. When several
// markers occur the one appearing last wins.
func ClassifyQuestion(text string) (Stage, bool) {
	lower := strings.ToLower(text)
	best, bestAt, bestLen := Stage(""), -1, 0
	for st, markers := range questionMarkers {
		for _, m := range markers {
			at := strings.LastIndex(lower, m)
			if at < 0 {
				continue
			}
			// Longer markers win ties at the same position.
			if at > bestAt || (at == bestAt && len(m) > bestLen) {
				best, bestAt, bestLen = st, at, len(m)
			}
		}
	}
	return best, bestAt >= 0
}

// =============================================================================
// ANSWER CAPTURE
// =============================================================================

// capture matches a live customer reply against the question just asked.
// It reports whether the reply answered it.
func (a *Analyzer) capture(r *replay, text string) bool {
	if _, escalating := DetectEscalation(text); escalating {
		return false
	}
	switch r.lastQuestion {
	case AwaitName:
		name, ok := NameAnswer(text)
		if ok {
			r.captured.Set(facts.KeyName, facts.Fact{Value: name, Confidence: CapturedConfidence})
		}
		return ok
	case AwaitBusiness:
		if v, _, ok := facts.MatchField(facts.KeyBusinessType, text); ok {
			r.captured.Set(facts.KeyBusinessType, facts.Fact{Value: v, Confidence: CapturedConfidence})
			return true
		}
		v, ok := businessAnswer(text)
		if ok {
			r.captured.Set(facts.KeyBusinessType, facts.Fact{Value: v, Confidence: CapturedConfidence})
		}
		return ok
	case AwaitGoal:
		if v, _, ok := facts.MatchField(facts.KeyGoal, text); ok {
			r.captured.Set(facts.KeyGoal, facts.Fact{Value: v, Confidence: CapturedConfidence})
			return true
		}
		v, ok := goalAnswer(text)
		if ok {
			r.captured.Set(facts.KeyGoal, facts.Fact{Value: v, Confidence: CapturedConfidence})
		}
		return ok
	case AwaitBudget:
		v, ok := facts.ParseBareBudget(text)
		if !ok {
			v, _, ok = facts.MatchField(facts.KeyBudget, text)
		}
		if ok {
			r.captured.Set(facts.KeyBudget, facts.Fact{Value: v, Confidence: CapturedConfidence})
		}
		return ok
	case AwaitEmail:
		v, _, ok := facts.MatchField(facts.KeyEmail, text)
		if ok {
			r.captured.Set(facts.KeyEmail, facts.Fact{Value: v, Confidence: CapturedConfidence})
		}
		return ok
	case AwaitSlotSelection:
		slot, ok := MatchSlot(text, a.Slots)
		if ok {
			r.slot = slot
		}
		return ok
	case Confirming:
		if r.slot == "" {
			return false
		}
		ok := IsAffirmative(text)
		if ok {
			r.confirmed = true
		}
		return ok
	}
	return false
}

var (
	greetingWords = map[string]bool{
		"hola": true, "buenas": true, "buenos": true, "dias": true, "tardes": true, "noches": true,
		"hi": true, "hello": true, "hey": true, "saludos": true, "good": true, "morning": true,
		"afternoon": true, "evening": true,
	}
	nameIntro  = regexp.MustCompile(`(?i)^(?:me llamo|mi nombre es|soy|my name is|i am|i'm|this is|call me)\s+`)
	answerTrim = "¡!¿?.,;:\"' "
)

// NameAnswer accepts a reply to the name question. Bare greetings,
// placeholders, replies with digits or '@', long replies, business answers
// and occupations are rejected. A reply that introduces itself ("soy ...")
// is judged by the name extractor alone.
func NameAnswer(text string) (string, bool) {
	cleaned := strings.Trim(strings.TrimSpace(text), answerTrim)
	if cleaned == "" || strings.ContainsAny(text, "@?¿") || strings.IndexFunc(cleaned, unicode.IsDigit) >= 0 {
		return "", false
	}
	if _, _, ok := facts.MatchField(facts.KeyBusinessType, cleaned); ok {
		return "", false
	}
	if v, _, ok := facts.MatchField(facts.KeyName, text); ok {
		return v, true
	}

	words := strings.FieldsFunc(cleaned, func(r rune) bool {
		return unicode.IsSpace(r) || r == ','
	})
	for len(words) > 0 && greetingWords[fold(strings.Trim(words[0], answerTrim))] {
		words = words[1:]
	}
	if len(words) == 0 || len(words) > maxNameAnswerWords {
		return "", false
	}
	if nameIntro.MatchString(strings.Join(words, " ")) {
		return "", false
	}
	for _, w := range words {
		if !isWordOfLetters(strings.Trim(w, answerTrim)) {
			return "", false
		}
	}
	candidate := strings.Trim(strings.Join(words, " "), answerTrim)
	folded := fold(candidate)
	if facts.IsPlaceholder(candidate) || yesWords[folded] || noWords[folded] || !facts.PlausibleName(candidate) {
		return "", false
	}
	return facts.TitleCase(candidate), true
}

var leadingArticles = regexp.MustCompile(`(?i)^(?:tengo\s+)?(?:un|una|el|la|mi|a|an|my)\s+`)

func businessAnswer(text string) (string, bool) {
	cleaned := strings.Trim(strings.TrimSpace(text), answerTrim)
	if cleaned == "" || strings.ContainsAny(text, "@?¿") || strings.IndexFunc(cleaned, unicode.IsDigit) >= 0 {
		return "", false
	}
	cleaned = strings.ToLower(leadingArticles.ReplaceAllString(cleaned, ""))
	words := strings.Fields(cleaned)
	if len(words) == 0 || len(words) > 5 || facts.IsPlaceholder(cleaned) {
		return "", false
	}
	if dismissive(cleaned) {
		return "", false
	}
	return cleaned, true
}

func goalAnswer(text string) (string, bool) {
	cleaned := strings.Trim(strings.TrimSpace(text), answerTrim)
	if utf8.RuneCountInString(cleaned) < 3 || strings.ContainsAny(text, "?¿") {
		return "", false
	}
	if dismissive(cleaned) || greetingWords[fold(cleaned)] {
		return "", false
	}
	return cleaned, true
}

// dismissive reports a reply that declines or dodges rather than answers.
func dismissive(text string) bool {
	folded := fold(text)
	if yesWords[folded] {
		return true
	}
	tokens := strings.Fields(folded)
	if len(tokens) > 0 && noWords[strings.Trim(tokens[0], answerTrim)] {
		return true
	}
	for _, p := range []string{"no se", "no lo se", "don't know", "dont know", "ni idea"} {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

func isWordOfLetters(w string) bool {
	if w == "" {
		return false
	}
	for _, r := range w {
		if !unicode.IsLetter(r) && r != '-' && r != '\'' && r != '.' {
			return false
		}
	}
	return true
}

// =============================================================================
// SLOTS AND CONFIRMATION
// =============================================================================

var (
	slotIndex = regexp.MustCompile(`^(?:opcion|option|la|el|numero|number|#)?\s*(\d{1,2})$`)
	ordinals  = map[string]int{
		"primer": 0, "primero": 0, "primera": 0, "first": 0,
		"segundo": 1, "segunda": 1, "second": 1,
		"tercer": 2, "tercero": 2, "tercera": 2, "third": 2,
		"cuarto": 3, "cuarta": 3, "fourth": 3,
	}
	weekdays = []string{
		"lunes", "martes", "miercoles", "jueves", "viernes", "sabado", "domingo",
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	}
)

// MatchSlot resolves a reply to one of the offered slots by number, ordinal,
// label or weekday. Ambiguous replies match nothing.
func MatchSlot(text string, slots []string) (string, bool) {
	if len(slots) == 0 {
		return "", false
	}
	reply := strings.Trim(fold(text), answerTrim)
	if reply == "" {
		return "", false
	}

	if m := slotIndex.FindStringSubmatch(reply); m != nil {
		n := 0
		for _, r := range m[1] {
			n = n*10 + int(r-'0')
		}
		if n >= 1 && n <= len(slots) {
			return slots[n-1], true
		}
		return "", false
	}

	tokens := strings.FieldsFunc(reply, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	for _, tok := range tokens {
		if i, ok := ordinals[tok]; ok && i < len(slots) {
			return slots[i], true
		}
		if (tok == "ultimo" || tok == "ultima" || tok == "last") && len(slots) > 0 {
			return slots[len(slots)-1], true
		}
	}

	if slot, ok := uniqueSlot(slots, func(label string) bool {
		return strings.Contains(reply, label)
	}); ok {
		return slot, true
	}

	return uniqueSlot(slots, func(label string) bool {
		for _, day := range weekdays {
			if strings.Contains(label, day) && containsWord(tokens, day) {
				return true
			}
		}
		return false
	})
}

func uniqueSlot(slots []string, match func(label string) bool) (string, bool) {
	found := ""
	count := 0
	for _, s := range slots {
		if match(fold(s)) {
			found = s
			count++
		}
	}
	return found, count == 1
}

func containsWord(tokens []string, word string) bool {
	for _, t := range tokens {
		if t == word {
			return true
		}
	}
	return false
}

var (
	yesWords = map[string]bool{
		"si": true, "claro": true, "confirmo": true, "confirmado": true, "ok": true, "okay": true,
		"dale": true, "perfecto": true, "correcto": true, "vale": true, "listo": true,
		"adelante": true, "yes": true, "yep": true, "sure": true, "confirmed": true,
	}
	yesPhrases = []string{"de acuerdo", "por supuesto", "me parece bien", "sounds good"}
	noWords    = map[string]bool{
		"no": true, "nop": true, "nope": true, "cancelar": true, "cancela": true, "cambiar": true,
		"otro": true, "otra": true, "not": true, "cancel": true,
	}
)

// IsAffirmative reports whether a reply confirms. Any negative word wins.
func IsAffirmative(text string) bool {
	folded := fold(text)
	tokens := strings.FieldsFunc(folded, func(r rune) bool { return !unicode.IsLetter(r) })
	yes := false
	for _, t := range tokens {
		if noWords[t] {
			return false
		}
		if yesWords[t] {
			yes = true
		}
	}
	if yes {
		return true
	}
	for _, p := range yesPhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

// =============================================================================
// ESCALATION CUES
// =============================================================================

// Cue is why a customer utterance moves the session to Escalating.
type Cue string

const (
	CueHumanRequested Cue = "human_requested"
	CueConfused       Cue = "customer_confused"
)

// cuePatterns run over folded text. A human request needs intent phrasing
// ("hablar con un asesor", "talk to a human") so that business answers such
// as "recursos humanos" or "agente inmobiliario" never escalate.
var cuePatterns = []struct {
	cue     Cue
	pattern *regexp.Regexp
}{
	{CueHumanRequested, regexp.MustCompile(`\b(?:` +
		`(?:hablar|hable|habla|comunicarme|comunicar|contactar|pasar|pasarme|pasame|paseme|atienda|atender)\s+(?:con\s+)?(?:un|una|el|la|algun|alguna)?\s*(?:humano|persona|asesor|asesora|agente|operador|operadora|representante|ejecutivo|ejecutiva|alguien)` +
		`|(?:quiero|quisiera|necesito|prefiero|pido|dame|deme)\s+(?:a\s+|con\s+)?(?:un|una)\s+(?:humano|persona real|asesor|asesora|agente|operador|operadora|representante)` +
		`|persona real` +
		`|(?:talk|speak|chat)\s+(?:to|with)\s+(?:a|an|the|some)?\s*(?:human|person|agent|representative|operator|someone|somebody)` +
		`|(?:want|need|get me|give me|connect me to|connect me with|transfer me to)\s+(?:a|an)\s+(?:human|real person|agent|representative|operator)` +
		`|real person` +
		`)\b`)},
	{CueConfused, regexp.MustCompile(`\b(?:` +
		`no entiendo|no entendi|no comprendo|confundido|confundida|estoy perdido|estoy perdida` +
		`|don't understand|dont understand|confused|i'm lost|im lost` +
		`)\b`)},
}

// DetectEscalation reports whether text asks for a human or states confusion.
func DetectEscalation(text string) (Cue, bool) {
	folded := fold(text)
	if folded == "" {
		return "", false
	}
	folded = strings.ReplaceAll(folded, "human resources", "hr")
	for _, c := range cuePatterns {
		if c.pattern.MatchString(folded) {
			return c.cue, true
		}
	}
	return "", false
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u",
	"’", "'",
)

// fold lower-cases and strips Spanish accents (ñ is kept).
func fold(s string) string {
	return accentFolder.Replace(strings.ToLower(strings.TrimSpace(s)))
}
