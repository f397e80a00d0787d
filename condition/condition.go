/*
Package condition provides the predicate language shared by eligibility rules
and budget policies.

PURPOSE:
  Answers one question: "does this employee profile match this condition?"
  The same evaluator backs two policy types (benefit eligibility rules and
  budget policy target filters), so it is pure, total and deterministic.
  It never returns an error and never panics; a condition it cannot make
  sense of simply does not match.

TWO SHAPES:
  Compound:
    {"match_all": [{"field": "grade", "operator": "in", "value": ["senior"]},
                   {"field": "tenure_months", "operator": "gte", "value": 12}]}

  Flat shorthand:
    {"grade": ["senior", "lead"], "location": "Moscow", "min_tenure": 12}

  The shape is decided ONCE when the condition is parsed (see parse.go).
  Evaluation never re-inspects raw JSON.

SEMANTICS:
  nil / {}                 -> true (open access)
  match_all: []            -> true
  match_all: [c1, c2, ...] -> c1 AND c2 AND ...
  flat {k1: v1, k2: v2}    -> every key must hold
    min_tenure: V          -> tenure_months >= V
    key: [a, b]            -> profile[key] in [a, b]
    key: a                 -> profile[key] == a
  missing profile field    -> false
  unknown operator         -> false

SEE ALSO:
  - parse.go: JSON to Condition
  - compare.go: value coercion and comparison
  - eligibility/eligibility.go, budget/resolver.go: the two consumers
*/
package condition

// =============================================================================
// PROFILE - Read-only employee snapshot
// =============================================================================

// Profile is the employee attributes conditions are evaluated against.
type Profile struct {
	Grade        string
	TenureMonths int
	Location     string
	LegalEntity  string
	Extra        map[string]any
}

// Well-known profile fields.
const (
	FieldGrade        = "grade"
	FieldTenureMonths = "tenure_months"
	FieldLocation     = "location"
	FieldLegalEntity  = "legal_entity"

	// KeyMinTenure is the flat-form shorthand for tenure_months >= V.
	KeyMinTenure = "min_tenure"
)

// Lookup returns the value of a profile field. Empty string attributes are
// reported as missing.
func (p Profile) Lookup(field string) (any, bool) {
	switch field {
	case FieldGrade:
		return nonEmpty(p.Grade)
	case FieldTenureMonths:
		return p.TenureMonths, true
	case FieldLocation:
		return nonEmpty(p.Location)
	case FieldLegalEntity:
		return nonEmpty(p.LegalEntity)
	}
	if p.Extra == nil {
		return nil, false
	}
	v, ok := p.Extra[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func nonEmpty(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

// =============================================================================
// CONDITION - Tagged variant, decided at parse time
// =============================================================================

// Condition is one of MatchAll, Flat or Malformed. A nil Condition is open
// access and matches every profile.
type Condition interface {
	matches(p Profile) bool
}

// Operator is a FieldCondition comparison.
type Operator string

const (
	OpEq  Operator = "eq"
	OpIn  Operator = "in"
	OpGte Operator = "gte"
	OpLte Operator = "lte"
)

// FieldCondition compares one profile field against a value.
type FieldCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// MatchAll is the compound form: every FieldCondition must hold.
type MatchAll []FieldCondition

// Flat is the shorthand form: field -> scalar, array, or the min_tenure key.
type Flat map[string]any

// Malformed is what Parse produces for input it cannot interpret.
// It never matches.
type Malformed struct {
	Reason string
	Raw    []byte
}

// Evaluate reports whether the profile satisfies the condition.
func Evaluate(p Profile, c Condition) bool {
	if c == nil {
		return true
	}
	return c.matches(p)
}

func (m MatchAll) matches(p Profile) bool {
	for _, fc := range m {
		if !fc.matches(p) {
			return false
		}
	}
	return true
}

func (fc FieldCondition) matches(p Profile) bool {
	actual, ok := p.Lookup(fc.Field)
	if !ok {
		return false
	}
	switch fc.Operator {
	case OpEq:
		return equal(actual, fc.Value)
	case OpIn:
		return member(actual, fc.Value)
	case OpGte:
		cmp, ok := compareNumbers(actual, fc.Value)
		return ok && cmp >= 0
	case OpLte:
		cmp, ok := compareNumbers(actual, fc.Value)
		return ok && cmp <= 0
	default:
		return false
	}
}

func (f Flat) matches(p Profile) bool {
	for key, want := range f {
		if key == KeyMinTenure {
			cmp, ok := compareNumbers(p.TenureMonths, want)
			if !ok || cmp < 0 {
				return false
			}
			continue
		}

		actual, ok := p.Lookup(key)
		if !ok {
			return false
		}
		if isList(want) {
			if !member(actual, want) {
				return false
			}
			continue
		}
		if !equal(actual, want) {
			return false
		}
	}
	return true
}

func (Malformed) matches(Profile) bool { return false }
