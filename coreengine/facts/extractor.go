package facts

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

const (
	baseConfidence        = 0.6
	recurrenceBonus       = 0.2
	longSpanPenalty       = 0.1
	longSpanRunes         = 40
	defaultRecentWindow   = 6
	minPhoneDigits        = 8
	maxPhoneDigits        = 15
	maxNameWords          = 3
	minGoalRunes          = 3
	minSuffixRunes        = 6
	budgetPeriodLookahead = 30
)

// matcher is one ordered pattern for a field. The capture group holds the
// candidate; normalize turns it into the stored value or rejects it.
type matcher struct {
	re        *regexp.Regexp
	group     int
	normalize func(m []string, text string, loc []int) (string, bool)
	// bareIntro marks name patterns whose lead-in ("soy", "i'm") also
	// introduces occupations, states and goals.
	bareIntro bool
}

// Extractor derives facts from customer text with ordered pattern matchers.
// First match per field wins. It never mutates its inputs.
type Extractor struct {
	// RecentWindow bounds how many earlier customer utterances are searched
	// for fields the current text does not supply.
	RecentWindow int
}

// NewExtractor creates an Extractor with the default context window.
func NewExtractor() *Extractor {
	return &Extractor{RecentWindow: defaultRecentWindow}
}

// Extract returns the facts found in current, falling back to recent
// customer-authored utterances (newest first) for fields current lacks.
// Ambiguous or missing fields are simply absent from the result.
func (e *Extractor) Extract(current string, recent []ledger.Utterance) FactSet {
	window := e.RecentWindow
	if window <= 0 {
		window = defaultRecentWindow
	}

	contexts := []string{current}
	prior := ledger.Recent(recent, window, ledger.CustomerAuthored)
	for i := len(prior) - 1; i >= 0; i-- {
		if text := strings.TrimSpace(prior[i].Text); text != "" {
			contexts = append(contexts, text)
		}
	}

	out := NewFactSet()
	for _, key := range Keys {
		for source, text := range contexts {
			value, span, ok := MatchField(key, text)
			if !ok {
				continue
			}
			out.Set(key, Fact{Value: value, Confidence: confidence(span, source, contexts)})
			break
		}
	}
	return out
}

// MatchField runs the ordered matchers of one field against text. It returns
// the normalized value and the raw matched span.
func MatchField(key Key, text string) (value, span string, ok bool) {
	if strings.TrimSpace(text) == "" {
		return "", "", false
	}
	for _, m := range fieldMatchers[key] {
		loc := m.re.FindStringSubmatchIndex(text)
		if loc == nil || loc[2*m.group] < 0 {
			continue
		}
		groups := submatches(text, loc)
		v, ok := m.normalize(groups, text, loc)
		if !ok {
			continue
		}
		if key == KeyName && !acceptName(v, groups, text, m.bareIntro) {
			continue
		}
		return v, groups[m.group], true
	}
	return "", "", false
}

func confidence(span string, source int, contexts []string) float64 {
	c := baseConfidence
	needle := strings.ToLower(strings.TrimSpace(span))
	if needle != "" {
		for i, text := range contexts {
			if i != source && strings.Contains(strings.ToLower(text), needle) {
				c += recurrenceBonus
				break
			}
		}
	}
	if utf8.RuneCountInString(span) > longSpanRunes {
		c -= longSpanPenalty
	}
	return clamp01(c)
}

func submatches(text string, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return out
}

// =============================================================================
// PATTERNS
// =============================================================================

const (
	letters   = `\p{L}`
	nameWords = letters + `+(?:\s+` + letters + `+){0,2}`
)

var fieldMatchers = map[Key][]matcher{
	KeyEmail: {
		{re: regexp.MustCompile(`([A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,})`), group: 1, normalize: normalizeEmail},
	},
	KeyPhone: {
		{re: regexp.MustCompile(`(\+?\d[\d\s().\-]{7,}\d)`), group: 1, normalize: normalizePhone},
	},
	KeyBudget: {
		{re: regexp.MustCompile(`(?i)(?:presupuesto|budget|invertir|inversi[oó]n|gastar|pagar|spend|invest|afford)[^\d\n]{0,30}?(\d[\d.,]*)(?:\s*(k|mil)\b)?`), group: 1, normalize: normalizeBudgetMatch},
		{re: regexp.MustCompile(`(?i)(?:us\$|\$|€|usd\s?|eur\s?)\s*(\d[\d.,]*)(?:\s*(k|mil)\b)?`), group: 1, normalize: normalizeBudgetMatch},
		{re: regexp.MustCompile(`(?i)(\d[\d.,]*)(?:\s*(k|mil)\b)?\s*(?:d[oó]lares|dollars|euros|usd|eur|pesos|bucks)`), group: 1, normalize: normalizeBudgetMatch},
		{re: regexp.MustCompile(`(?i)(\d[\d.,]*)(?:\s*(k|mil)\b)?\s*(?:al|por|a|per|/|cada)\s*(?:mes|month|a[ñn]o|year)`), group: 1, normalize: normalizeBudgetMatch},
		{re: regexp.MustCompile(`(?i)(\d[\d.,]*)(?:\s*(k|mil)\b)?\s*(?:mensual(?:es)?|monthly|anual(?:es)?|yearly)`), group: 1, normalize: normalizeBudgetMatch},
	},
	KeyName: {
		{re: regexp.MustCompile(`(?i)(?:^|[^` + letters + `])(?:me llamo|mi nombre es|my name is|call me)\s+(` + nameWords + `)`), group: 1, normalize: normalizeName},
		{re: regexp.MustCompile(`(?i)(?:^|[^` + letters + `])(?:soy|i am|i'm|this is)\s+(` + nameWords + `)`), group: 1, normalize: normalizeName, bareIntro: true},
	},
	KeyBusinessType: {
		{re: regexp.MustCompile(`(?i)(?:mi negocio es|mi empresa es|my business is|my company is|soy due[ñn][oa] de|owner of|trabajo en|work at)\s+(?:un|una|el|la|a|an|my|mi)?\s*(` + letters + `+(?:\s+(?:de|of)\s+` + letters + `+)?)`), group: 1, normalize: normalizeBusiness},
		{re: regexp.MustCompile(`(?i)(?:negocio|empresa|business|company|tienda|store)\s+(?:de|of)\s+(` + letters + `+(?:\s+` + letters + `+)?)`), group: 1, normalize: normalizeBusinessPhrase},
		{re: regexp.MustCompile(`(?i)(?:^|[^` + letters + `])(restaurantes?|restaurant|cafeter[ií]a|caf[eé]|panader[ií]a|bakery|pizzer[ií]a|gimnasio|gym|cl[ií]nica(?:\s+dental)?|clinic|consultorio|dentista|sal[oó]n de belleza|peluquer[ií]a|barber[ií]a|spa|hotel|hostal|inmobiliaria|real estate|agencia(?:\s+de\s+` + letters + `+)?|agency|taller(?:\s+mec[aá]nico)?|ferreter[ií]a|farmacia|pharmacy|veterinaria|academia|escuela|school|boutique|florer[ií]a|e-?commerce|tienda en l[ií]nea|online store|consultor[ií]a|bar)(?:$|[^` + letters + `])`), group: 1, normalize: normalizeBusiness},
		{re: regexp.MustCompile(`(?i)(?:^|[^` + letters + `])(?:tengo|tenemos|manejo|administro|dirijo|i have|i own|i run|we have|we own|we run)\s+(?:un|una|el|la|a|an|my|mi)\s+(` + letters + `+(?:\s+(?:de|of)\s+` + letters + `+)?)`), group: 1, normalize: normalizeBusiness},
	},
	KeyGoal: {
		{re: regexp.MustCompile(`(?i)(?:mi objetivo es|nuestro objetivo es|mi meta es|my goal is|our goal is|the goal is)\s+([^.!?\n]{3,80})`), group: 1, normalize: normalizeGoal},
		{re: regexp.MustCompile(`(?i)(?:estoy|estamos|i am|i'm|we are|we're)\s+((?:perdiendo|losing)\s+[^.!?\n]{2,60})`), group: 1, normalize: normalizeGoal},
		{re: regexp.MustCompile(`(?i)(?:problema es|problem is)\s+(?:que\s+|that\s+)?([^.!?\n]{3,80})`), group: 1, normalize: normalizeGoal},
		{re: regexp.MustCompile(`(?i)(?:quiero|queremos|quisiera|necesito|necesitamos|busco|buscamos|me gustar[ií]a|i want to|we want to|i need to|we need to|i need|we need|looking to|i'd like to|trying to)\s+([^.!?\n]{3,80})`), group: 1, normalize: normalizeGoal},
		{re: regexp.MustCompile(`(?i)((?:conseguir|atraer|aumentar|incrementar|get|attract|increase|grow)\s+(?:m[aá]s\s+|more\s+)?(?:clientes|customers|reservas|reservations|ventas|sales|leads|citas|pacientes|patients)[^.!?\n]{0,40})`), group: 1, normalize: normalizeGoal},
	},
}

// =============================================================================
// NORMALIZERS
// =============================================================================

func normalizeEmail(m []string, _ string, _ []int) (string, bool) {
	return strings.ToLower(strings.Trim(m[1], ".")), true
}

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func normalizePhone(m []string, _ string, _ []int) (string, bool) {
	raw := strings.TrimSpace(m[1])
	if datePattern.MatchString(raw) {
		return "", false
	}
	var b strings.Builder
	if strings.HasPrefix(raw, "+") {
		b.WriteByte('+')
	}
	digits := 0
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			digits++
		}
	}
	if digits < minPhoneDigits || digits > maxPhoneDigits {
		return "", false
	}
	return b.String(), true
}

var nameStopwords = map[string]bool{
	"el": true, "la": true, "los": true, "las": true, "un": true, "una": true, "de": true, "del": true,
	"que": true, "muy": true, "bien": true, "aqui": true, "aquí": true, "interesado": true,
	"interesada": true, "buscando": true, "dueño": true, "dueña": true, "owner": true, "the": true,
	"a": true, "an": true, "interested": true, "looking": true, "from": true, "here": true,
	"good": true, "fine": true, "ok": true, "okay": true, "sure": true, "nuevo": true, "nueva": true,
	"new": true, "cliente": true, "customer": true, "en": true, "con": true, "para": true,
	"y": true, "and": true, "tengo": true, "not": true, "no": true, "yes": true, "si": true, "sí": true,
	"hola": true, "hello": true, "hi": true, "gracias": true, "thanks": true, "de la": true,
	"dentista": true, "doctor": true, "doctora": true, "médico": true, "medico": true,
	"abogado": true, "abogada": true, "contador": true, "contadora": true, "coach": true,
	"going": true, "trying": true, "calling": true, "writing": true, "escribiendo": true,
	"but": true, "pero": true, "also": true, "también": true, "tambien": true, "just": true,
	"solo": true, "sólo": true, "your": true, "tu": true, "su": true, "mi": true, "my": true,
	"back": true, "later": true, "tomorrow": true, "now": true, "mañana": true, "ahora": true,
}

func normalizeName(m []string, _ string, _ []int) (string, bool) {
	words := strings.Fields(m[1])
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if nameStopwords[strings.ToLower(w)] {
			break
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 || len(kept) > maxNameWords {
		return "", false
	}
	return TitleCase(strings.Join(kept, " ")), true
}

// =============================================================================
// NAME PLAUSIBILITY
// =============================================================================

// nonNameWords are occupations and states that follow "soy" or "i'm" but are
// never a person's name. Keys are folded.
var nonNameWords = map[string]bool{
	"urgent": true, "urgente": true, "interested": true, "excited": true, "worried": true,
	"happy": true, "ready": true, "busy": true, "sorry": true, "confused": true, "lost": true,
	"new": true, "here": true, "feliz": true, "listo": true, "lista": true, "nuevo": true,
	"nueva": true, "casado": true, "casada": true, "autonomo": true, "autonoma": true,
	"freelance": true, "freelancer": true, "medico": true, "medica": true, "doctor": true,
	"doctora": true, "abogado": true, "abogada": true, "arquitecto": true, "arquitecta": true,
	"profesor": true, "profesora": true, "maestro": true, "maestra": true, "director": true,
	"directora": true, "dueno": true, "duena": true, "propietario": true, "propietaria": true,
	"socio": true, "socia": true, "coach": true, "chef": true, "owner": true, "founder": true,
	"ceo": true, "manager": true, "designer": true, "developer": true, "teacher": true,
	"engineer": true, "nurse": true, "realtor": true, "agent": true, "student": true,
	"writer": true, "consultant": true, "dentist": true, "lawyer": true, "photographer": true,
	"therapist": true, "nutritionist": true, "trainer": true, "plumber": true,
	"electrician": true, "accountant": true,
}

// nonNameSuffixes mark occupations (-ista, -ógrafo, -dor), participles and
// gerunds. Only the first word of a candidate is checked.
var nonNameSuffixes = []string{
	"ista", "ografo", "ografa", "ologo", "ologa", "ero", "era", "dor", "dora",
	"ante", "ente", "ing",
}

// nameSuffixExceptions are given names and surnames that end in one of
// nonNameSuffixes.
var nameSuffixExceptions = map[string]bool{
	"salvador": true, "isidora": true, "teodora": true, "vicente": true, "clemente": true,
	"bautista": true, "rivera": true, "herrera": true, "romero": true, "guerrero": true,
	"ferrera": true, "pereira": true, "sterling": true, "irving": true,
}

var nameFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u",
)

// PlausibleName reports whether candidate can be a person's name. It rejects
// occupations, gerunds, common adjectives and business types.
func PlausibleName(candidate string) bool {
	words := strings.Fields(strings.ToLower(candidate))
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if nonNameWords[nameFolder.Replace(w)] {
			return false
		}
	}
	first := nameFolder.Replace(words[0])
	if utf8.RuneCountInString(first) >= minSuffixRunes && !nameSuffixExceptions[first] {
		for _, suffix := range nonNameSuffixes {
			if strings.HasSuffix(first, suffix) {
				return false
			}
		}
	}
	if _, _, ok := MatchField(KeyBusinessType, candidate); ok {
		return false
	}
	return true
}

// acceptName vets a normalized name match. After a bare intro the candidate
// must be capitalised when the text uses mixed case, and the whole phrase
// must not read as a goal ("i'm losing customers").
func acceptName(value string, groups []string, text string, bareIntro bool) bool {
	if !PlausibleName(value) {
		return false
	}
	if !bareIntro {
		return true
	}
	if mixedCase(text) {
		r, _ := utf8.DecodeRuneInString(strings.TrimSpace(groups[1]))
		if !unicode.IsUpper(r) {
			return false
		}
	}
	_, _, isGoal := MatchField(KeyGoal, groups[0])
	return !isGoal
}

func mixedCase(s string) bool {
	var upper, lower bool
	for _, r := range s {
		upper = upper || unicode.IsUpper(r)
		lower = lower || unicode.IsLower(r)
	}
	return upper && lower
}

var businessStopwords = map[string]bool{
	"problema": true, "pregunta": true, "duda": true, "idea": true, "presupuesto": true,
	"tiempo": true, "dinero": true, "interés": true, "interes": true, "cita": true,
	"nombre": true, "correo": true, "email": true, "budget": true, "question": true,
	"problem": true, "doubt": true, "time": true, "money": true, "appointment": true,
	"hijo": true, "hija": true, "hijos": true, "años": true, "meses": true, "clientes": true,
	"customers": true, "poco": true, "little": true, "lot": true, "montón": true, "monton": true,
	"que": true, "cuenta": true, "account": true, "minuto": true, "minute": true,
}

func normalizeBusiness(m []string, _ string, _ []int) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(m[1]))
	if v == "" || IsPlaceholder(v) {
		return "", false
	}
	first := strings.Fields(v)[0]
	if businessStopwords[first] || IsPlaceholder(first) {
		return "", false
	}
	return v, true
}

// normalizeBusinessPhrase keeps the head noun ("negocio de comida" -> "comida")
// and rejects placeholders such as "empresa de algo".
func normalizeBusinessPhrase(m []string, text string, loc []int) (string, bool) {
	words := strings.Fields(strings.ToLower(m[1]))
	if len(words) == 0 {
		return "", false
	}
	if len(words) > 1 && nameStopwords[words[1]] {
		words = words[:1]
	}
	return normalizeBusiness([]string{m[0], strings.Join(words, " ")}, text, loc)
}

var goalRejectPrefixes = []string{
	"hablar", "talk", "speak", "agendar", "schedule", "book", "saber tu", "know your",
	"un humano", "a human", "una persona", "a person",
}

func normalizeGoal(m []string, _ string, _ []int) (string, bool) {
	v := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[1]), ",;:"))
	if utf8.RuneCountInString(v) < minGoalRunes {
		return "", false
	}
	lower := strings.ToLower(v)
	for _, p := range goalRejectPrefixes {
		if strings.HasPrefix(lower, p) {
			return "", false
		}
	}
	if IsPlaceholder(lower) {
		return "", false
	}
	return v, true
}

// =============================================================================
// BUDGET
// =============================================================================

var (
	thousandsPattern = regexp.MustCompile(`^\d{1,3}([.,]\d{3})+$`)
	periodPattern    = regexp.MustCompile(`(?i)^\s*(?:usd|eur|d[oó]lares|dollars|euros|pesos)?\s*(?:(?:al|por|a|per|/|cada)\s*)?(mes|month|mensual(?:es)?|monthly|a[ñn]o|year|anual(?:es)?|yearly|annually)`)
	bareBudget       = regexp.MustCompile(`(?i)^\s*(?:unos|unas|como|aprox\.?|aproximadamente|about|around|alrededor de|m[aá]s o menos)?\s*(?:us\$|\$|€)?\s*(\d[\d.,]*)(?:\s*(k|mil)\b)?\s*(?:usd|eur|d[oó]lares|dollars|euros|pesos)?\s*(?:(?:(?:al|por|a|per|/|cada)\s*(?:mes|month|a[ñn]o|year))|mensual(?:es)?|monthly|anual(?:es)?|yearly)?\s*[.!]*\s*$`)
)

func normalizeBudgetMatch(m []string, text string, loc []int) (string, bool) {
	amount, ok := parseAmount(m[1], m[2])
	if !ok || amount <= 0 {
		return "", false
	}
	end := loc[1]
	tail := text[end:]
	if len(tail) > budgetPeriodLookahead {
		tail = tail[:budgetPeriodLookahead]
	}
	// The period word may already be inside the match.
	matched := text[loc[2]:end]
	period := detectPeriod(tail)
	if period == "" {
		period = detectPeriodIn(matched)
	}
	return formatBudget(amount, period), true
}

// ParseBareBudget accepts a reply that is only an amount, such as "300",
// "$1.500" or "300 al mes". Used when the last question asked was the budget.
func ParseBareBudget(text string) (string, bool) {
	loc := bareBudget.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", false
	}
	groups := submatches(text, loc)
	amount, ok := parseAmount(groups[1], groups[2])
	if !ok || amount <= 0 {
		return "", false
	}
	return formatBudget(amount, detectPeriodIn(text[loc[3]:])), true
}

func parseAmount(raw, multiplier string) (float64, bool) {
	s := strings.TrimRight(strings.ReplaceAll(raw, " ", ""), ".,")
	if s == "" {
		return 0, false
	}
	if thousandsPattern.MatchString(s) {
		s = strings.NewReplacer(".", "", ",", "").Replace(s)
	} else {
		s = strings.ReplaceAll(s, ",", ".")
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(multiplier) {
	case "k", "mil":
		n *= 1000
	}
	return n, true
}

func detectPeriod(tail string) string {
	m := periodPattern.FindStringSubmatch(tail)
	if m == nil {
		return ""
	}
	return periodOf(m[1])
}

var periodWord = regexp.MustCompile(`(?i)(mes|month|mensual(?:es)?|monthly|a[ñn]o|year|anual(?:es)?|yearly|annually)`)

func detectPeriodIn(s string) string {
	m := periodWord.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return periodOf(m[1])
}

func periodOf(word string) string {
	w := strings.ToLower(word)
	switch {
	case strings.HasPrefix(w, "mes"), strings.HasPrefix(w, "month"), strings.HasPrefix(w, "mensual"):
		return "month"
	default:
		return "year"
	}
}

func formatBudget(amount float64, period string) string {
	v := strconv.FormatFloat(amount, 'f', -1, 64)
	if period != "" {
		return v + "/" + period
	}
	return v
}

// TitleCase upper-cases the first letter of each word and lower-cases the rest.
func TitleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
