// Package facts provides the fixed qualification fact schema and the pattern
// based Fact Extractor.
package facts

import (
	"strconv"
	"strings"
)

// Key names one slot of the fixed fact schema.
type Key string

const (
	KeyName         Key = "name"
	KeyBusinessType Key = "business_type"
	KeyBudget       Key = "budget"
	KeyGoal         Key = "goal"
	KeyEmail        Key = "email"
	KeyPhone        Key = "phone"
)

// Keys lists the schema in extraction order.
var Keys = []Key{KeyEmail, KeyPhone, KeyBudget, KeyName, KeyBusinessType, KeyGoal}

// Valid reports whether k belongs to the schema.
func (k Key) Valid() bool {
	for _, known := range Keys {
		if k == known {
			return true
		}
	}
	return false
}

// Fact is one extracted value with its confidence in [0,1].
type Fact struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Empty reports whether the fact carries no value.
func (f Fact) Empty() bool { return strings.TrimSpace(f.Value) == "" }

// FactSet maps schema keys to facts. Absent keys are unknown.
type FactSet map[Key]Fact

// NewFactSet creates an empty fact set.
func NewFactSet() FactSet { return make(FactSet) }

// Get returns the fact for k if it holds a value.
func (fs FactSet) Get(k Key) (Fact, bool) {
	f, ok := fs[k]
	if !ok || f.Empty() {
		return Fact{}, false
	}
	return f, true
}

// Value returns the value for k or "".
func (fs FactSet) Value(k Key) string {
	f, _ := fs.Get(k)
	return f.Value
}

// Has reports whether k holds a value.
func (fs FactSet) Has(k Key) bool {
	_, ok := fs.Get(k)
	return ok
}

// Set stores a fact. Unknown keys and empty values are ignored.
func (fs FactSet) Set(k Key, f Fact) {
	if !k.Valid() || f.Empty() {
		return
	}
	f.Value = strings.TrimSpace(f.Value)
	f.Confidence = clamp01(f.Confidence)
	fs[k] = f
}

// Clone returns an independent copy.
func (fs FactSet) Clone() FactSet {
	out := make(FactSet, len(fs))
	for k, v := range fs {
		out[k] = v
	}
	return out
}

// Merge returns the union of fs and next. A value from next fills a key that is
// empty in fs; a populated key in fs is never overwritten, neither by an empty
// value nor by a different one.
func (fs FactSet) Merge(next FactSet) FactSet {
	out := fs.Clone()
	for k, f := range next {
		if f.Empty() || out.Has(k) {
			continue
		}
		out.Set(k, f)
	}
	return out
}

// Populated returns the populated keys in schema order.
func (fs FactSet) Populated() []Key {
	keys := make([]Key, 0, len(fs))
	for _, k := range Keys {
		if fs.Has(k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Equal reports whether both sets hold the same values.
func (fs FactSet) Equal(other FactSet) bool {
	for _, k := range Keys {
		if fs.Value(k) != other.Value(k) {
			return false
		}
	}
	return true
}

// ToMap converts the set to a plain map for wire and storage formats.
func (fs FactSet) ToMap() map[string]any {
	out := make(map[string]any, len(fs))
	for _, k := range fs.Populated() {
		f := fs[k]
		out[string(k)] = map[string]any{
			"value":      f.Value,
			"confidence": f.Confidence,
		}
	}
	return out
}

// FromMap builds a fact set from the ToMap shape. Plain string values are
// accepted with confidence 1.
func FromMap(m map[string]any) FactSet {
	fs := NewFactSet()
	for raw, v := range m {
		k := Key(raw)
		switch val := v.(type) {
		case string:
			fs.Set(k, Fact{Value: val, Confidence: 1})
		case map[string]any:
			value, _ := val["value"].(string)
			conf, _ := val["confidence"].(float64)
			fs.Set(k, Fact{Value: value, Confidence: conf})
		}
	}
	return fs
}

// Summary renders populated facts as "key=value" pairs in schema order.
func (fs FactSet) Summary() string {
	parts := make([]string, 0, len(fs))
	for _, k := range fs.Populated() {
		parts = append(parts, string(k)+"="+fs[k].Value)
	}
	return strings.Join(parts, "; ")
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

var placeholders = map[string]bool{
	"business": true, "negocio": true, "empresa": true, "company": true,
	"none": true, "nada": true, "ninguno": true, "ninguna": true, "n/a": true,
	"na": true, "algo": true, "something": true, "no se": true, "no sé": true,
	"nothing": true, "varios": true, "stuff": true,
}

// IsPlaceholder reports whether v is a generic filler word rather than an answer.
func IsPlaceholder(v string) bool {
	return placeholders[strings.ToLower(strings.TrimSpace(v))]
}

// IsSpecificBusiness reports whether fs holds a business type that is not a
// placeholder.
func (fs FactSet) IsSpecificBusiness() bool {
	v := fs.Value(KeyBusinessType)
	return v != "" && !IsPlaceholder(v)
}

// BudgetAmount parses the numeric amount of a normalized budget value such as
// "300/month" or "1500".
func BudgetAmount(value string) (float64, bool) {
	amount := strings.TrimSpace(value)
	if i := strings.Index(amount, "/"); i >= 0 {
		amount = amount[:i]
	}
	if amount == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
