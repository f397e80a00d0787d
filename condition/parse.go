package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// KeyMatchAll marks the compound form.
const KeyMatchAll = "match_all"

// Parse decides the shape of a stored condition once. It never fails:
// input it cannot interpret becomes Malformed, which matches nothing.
//
//	null, ""                 -> nil (open access)
//	{"match_all": [...]}     -> MatchAll (other keys ignored, never merged)
//	{"grade": [...], ...}    -> Flat
//	anything else            -> Malformed
func Parse(raw json.RawMessage) Condition {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return malformed(trimmed, "condition must be a JSON object: %v", err)
	}
	if obj == nil {
		return nil
	}

	if rawAll, ok := obj[KeyMatchAll]; ok {
		return parseMatchAll(trimmed, rawAll)
	}
	return Flat(obj)
}

func parseMatchAll(raw []byte, v any) Condition {
	items, ok := v.([]any)
	if !ok {
		return malformed(raw, "match_all must be an array")
	}

	all := make(MatchAll, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return malformed(raw, "match_all[%d] must be an object", i)
		}
		field, _ := obj["field"].(string)
		op, _ := obj["operator"].(string)
		if field == "" {
			return malformed(raw, "match_all[%d] has no field", i)
		}
		all = append(all, FieldCondition{
			Field:    field,
			Operator: Operator(op),
			Value:    obj["value"],
		})
	}
	return all
}

func malformed(raw []byte, format string, args ...any) Malformed {
	return Malformed{
		Reason: fmt.Sprintf(format, args...),
		Raw:    append(json.RawMessage(nil), raw...),
	}
}

// FromMap builds a Condition from an in-process map, using the same rules as
// Parse.
func FromMap(m map[string]any) Condition {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Malformed{Reason: err.Error()}
	}
	return Parse(raw)
}

// Marshal encodes a Condition for storage. Malformed conditions are written
// back exactly as they were read.
func Marshal(c Condition) (json.RawMessage, error) {
	switch v := c.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case MatchAll:
		items := v
		if items == nil {
			items = MatchAll{}
		}
		return json.Marshal(map[string]any{KeyMatchAll: items})
	case Flat:
		if v == nil {
			return json.RawMessage("{}"), nil
		}
		return json.Marshal(map[string]any(v))
	case Malformed:
		if len(v.Raw) > 0 {
			return v.Raw, nil
		}
		return nil, fmt.Errorf("condition: malformed: %s", v.Reason)
	default:
		return nil, fmt.Errorf("condition: unsupported type %T", c)
	}
}

// Describe returns a short human-readable shape name, used in logs.
func Describe(c Condition) string {
	switch v := c.(type) {
	case nil:
		return "open"
	case MatchAll:
		return fmt.Sprintf("match_all(%d)", len(v))
	case Flat:
		return fmt.Sprintf("flat(%d)", len(v))
	case Malformed:
		return "malformed: " + v.Reason
	default:
		return fmt.Sprintf("%T", c)
	}
}
