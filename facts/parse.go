package facts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/brunobiangulo/clinicalfacts/schema"
)

// ParseError reports model output that is not valid JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "facts: malformed JSON: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// ShapeError reports valid JSON of the wrong shape. Index is the offending
// array element, or -1 when the document itself has the wrong shape.
type ShapeError struct {
	Index int
	Got   string
}

func (e *ShapeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("facts: expected a JSON array of triples, got %s", e.Got)
	}
	return fmt.Sprintf("facts: element %d is %s, expected an object", e.Index, e.Got)
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\s*```")

// stripFences removes a surrounding markdown code block, if any.
func stripFences(raw string) string {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	return strings.TrimSpace(raw)
}

// ParseTriples decodes a model response into triple candidates. The response
// is a JSON array, optionally wrapped in a code block or in an object under
// "triples" (the form a json_schema constrained completion returns). Fields
// that are present but ill-typed decode to their zero value so FilterValid
// can drop the candidate with a reason.
func ParseTriples(raw string) ([]Triple, error) {
	raw = stripFences(raw)
	if raw == "" {
		return nil, &ParseError{Err: fmt.Errorf("empty response")}
	}

	var doc json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &ParseError{Err: err}
	}

	var elems []json.RawMessage
	switch kindOf(doc) {
	case "array":
		if err := json.Unmarshal(doc, &elems); err != nil {
			return nil, &ParseError{Err: err}
		}
	case "object":
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(doc, &wrapper); err != nil {
			return nil, &ParseError{Err: err}
		}
		inner, ok := wrapper["triples"]
		if !ok || kindOf(inner) != "array" {
			return nil, &ShapeError{Index: -1, Got: "an object without a triples array"}
		}
		if err := json.Unmarshal(inner, &elems); err != nil {
			return nil, &ParseError{Err: err}
		}
	default:
		return nil, &ShapeError{Index: -1, Got: kindOf(doc)}
	}

	out := make([]Triple, 0, len(elems))
	for i, el := range elems {
		if k := kindOf(el); k != "object" {
			return nil, &ShapeError{Index: i, Got: k}
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(el, &fields); err != nil {
			return nil, &ParseError{Err: err}
		}
		out = append(out, decodeTriple(fields))
	}
	return out, nil
}

func decodeTriple(fields map[string]json.RawMessage) Triple {
	var t Triple
	if raw, ok := pick(fields, "subject"); ok {
		if ref := decodeEntity(raw); ref != nil {
			t.Subject = *ref
		}
	}
	if raw, ok := pick(fields, "object", "obj"); ok {
		t.Object = decodeEntity(raw)
	}
	if raw, ok := pick(fields, "predicate", "predicate_raw", "predicateRaw"); ok {
		t.PredicateRaw = decodeString(raw)
	}
	if raw, ok := pick(fields, "normalized_predicate", "normalizedPredicate"); ok {
		t.NormalizedPredicate = decodePredicate(raw)
	}
	return t
}

func decodeEntity(raw json.RawMessage) *EntityRef {
	if kindOf(raw) != "object" {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	ref := &EntityRef{}
	if v, ok := pick(fields, "entityType", "entity_type"); ok {
		ref.EntityType = schema.EntityType(decodeString(v))
	}
	if v, ok := pick(fields, "node"); ok {
		ref.Node = decodeObject(v)
	}
	return ref
}

func decodePredicate(raw json.RawMessage) *NormalizedPredicate {
	if kindOf(raw) != "object" {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil
	}
	np := &NormalizedPredicate{Properties: map[string]any{}}
	if v, ok := pick(fields, "predicateType", "predicate_type"); ok {
		np.PredicateType = schema.PredicateType(decodeString(v))
	}
	if v, ok := pick(fields, "properties"); ok {
		if props := decodeObject(v); props != nil {
			np.Properties = props
		}
	}
	if v, ok := pick(fields, "traits"); ok {
		flags := decodeObject(v)
		np.Traits = Traits{
			Negation:     flags[string(schema.Negation)] == true,
			Hypothetical: flags[string(schema.Hypothetical)] == true,
			PastHistory:  flags[string(schema.PastHistory)] == true,
		}
	}
	return np
}

// pick returns the first present, non-null field among the aliases.
func pick(fields map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok && kindOf(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func decodeObject(raw json.RawMessage) map[string]any {
	if kindOf(raw) != "object" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// kindOf classifies a JSON value by its first significant byte.
func kindOf(raw json.RawMessage) string {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return "empty input"
	}
	switch b[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

func formatScalar(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
