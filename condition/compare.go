package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VALUE COERCION
// =============================================================================
// Condition values arrive from JSON (float64, json.Number, string, bool,
// []any) or from Go callers (int, []string, ...). Numbers are compared as
// decimals so 12, 12.0 and json.Number("12") are the same value.

// toNumber converts numeric Go values to a decimal. Strings are not numbers
// here; see toNumberLenient.
func toNumber(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int8:
		return decimal.NewFromInt(int64(n)), true
	case int16:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.NewFromUint64(uint64(n)), true
	case uint8:
		return decimal.NewFromUint64(uint64(n)), true
	case uint16:
		return decimal.NewFromUint64(uint64(n)), true
	case uint32:
		return decimal.NewFromUint64(uint64(n)), true
	case uint64:
		return decimal.NewFromUint64(n), true
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(n), true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case decimal.Decimal:
		return n, true
	default:
		return decimal.Decimal{}, false
	}
}

// toNumberLenient also accepts numeric strings ("12"). Used by gte/lte and
// min_tenure, which are numeric by definition.
func toNumberLenient(v any) (decimal.Decimal, bool) {
	if d, ok := toNumber(v); ok {
		return d, true
	}
	if s, ok := v.(string); ok {
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

// compareNumbers returns -1, 0 or 1, and false when either side is not numeric.
func compareNumbers(actual, want any) (int, bool) {
	a, ok := toNumberLenient(actual)
	if !ok {
		return 0, false
	}
	w, ok := toNumberLenient(want)
	if !ok {
		return 0, false
	}
	return a.Cmp(w), true
}

// equal is scalar equality. Numbers compare by value, strings and bools
// exactly. Lists and maps never equal anything.
func equal(actual, want any) bool {
	if a, ok := toNumber(actual); ok {
		w, ok := toNumber(want)
		return ok && a.Equal(w)
	}
	switch a := actual.(type) {
	case string:
		w, ok := want.(string)
		return ok && a == w
	case bool:
		w, ok := want.(bool)
		return ok && a == w
	case fmt.Stringer:
		w, ok := want.(string)
		return ok && a.String() == w
	default:
		return false
	}
}

// member reports whether actual equals any element of the list want.
// A non-list want never matches.
func member(actual, want any) bool {
	if !isList(want) {
		return false
	}
	rv := reflect.ValueOf(want)
	for i := 0; i < rv.Len(); i++ {
		if equal(actual, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
