package facts

import (
	"encoding/json"

	"github.com/brunobiangulo/clinicalfacts/schema"
)

// TriplesJSONSchema is the response shape requested from the completion
// client for triple extraction. Structured-output endpoints require an object
// at the root, so the array travels under "triples"; ParseTriples accepts
// both forms. Type enums come from the schema registry, but pattern legality
// is still enforced by FilterValid.
func TriplesJSONSchema() json.RawMessage {
	entity := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entityType": map[string]any{"type": "string", "enum": schema.Nodes()},
			"node":       map[string]any{"type": "object"},
		},
		"required": []string{"entityType", "node"},
	}
	triple := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"subject":   entity,
			"predicate": map[string]any{"type": "string"},
			"normalized_predicate": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"predicateType": map[string]any{"type": "string", "enum": schema.Predicates()},
					"properties":    map[string]any{"type": "object"},
					"traits": map[string]any{
						"type": "object",
						"properties": map[string]any{
							string(schema.Negation):     map[string]any{"type": "boolean"},
							string(schema.Hypothetical): map[string]any{"type": "boolean"},
							string(schema.PastHistory):  map[string]any{"type": "boolean"},
						},
					},
				},
				"required": []string{"predicateType", "properties"},
			},
			"object": entity,
		},
		"required": []string{"subject", "predicate", "normalized_predicate", "object"},
	}
	return mustJSON(map[string]any{
		"type":       "object",
		"properties": map[string]any{"triples": map[string]any{"type": "array", "items": triple}},
		"required":   []string{"triples"},
	})
}

// RecordsJSONSchema is the response shape for whole-document records.
func RecordsJSONSchema() json.RawMessage {
	date := map[string]any{"type": "string", "format": "date"}
	named := func(extra map[string]any) map[string]any {
		props := map[string]any{"name": map[string]any{"type": "string"}}
		for k, v := range extra {
			props[k] = v
		}
		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             []string{"name"},
			"additionalProperties": false,
		}
	}
	return mustJSON(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"document_category": map[string]any{"type": "string", "enum": Categories()},
			"document_date":     date,
			"conditions": map[string]any{"type": "array", "items": named(map[string]any{
				"status":    map[string]any{"type": "string", "enum": Statuses()},
				"onset":     date,
				"abatement": date,
			})},
			"immunizations": map[string]any{"type": "array", "items": named(map[string]any{"date": date})},
			"practitioners": map[string]any{"type": "array", "items": named(nil)},
		},
		"required":             []string{"conditions", "immunizations", "practitioners"},
		"additionalProperties": false,
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
