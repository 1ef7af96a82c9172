// Package facts is the typed model of extracted clinical facts and the trust
// boundary between model output and the rest of the pipeline. Anything that
// leaves FilterValid or ParseRecordsResponse is schema-legal.
package facts

import (
	"time"

	"github.com/brunobiangulo/clinicalfacts/schema"
)

// EntityRef is an instance of a node type. Node is nil when the model sent no
// node or sent something other than a JSON object.
type EntityRef struct {
	EntityType schema.EntityType `json:"entity_type"`
	Node       map[string]any    `json:"node"`
}

// Name returns the node's "name" property, or "" when absent.
func (e EntityRef) Name() string {
	return StringProp(e.Node, "name")
}

// Traits are context flags on a predicate.
type Traits struct {
	Negation     bool `json:"negation,omitempty"`
	Hypothetical bool `json:"hypothetical,omitempty"`
	PastHistory  bool `json:"past_history,omitempty"`
}

// NormalizedPredicate is the canonical form of a relationship.
type NormalizedPredicate struct {
	PredicateType schema.PredicateType `json:"predicate_type"`
	Properties    map[string]any       `json:"properties"`
	Traits        Traits               `json:"traits"`
}

// SourceType records what kind of input a fact came from.
type SourceType string

const (
	SourceDocument SourceType = "document"
	SourceText     SourceType = "text"
	SourceUnknown  SourceType = "unknown"
)

// Provenance is attached by the pipeline after validation. Model output never
// populates it.
type Provenance struct {
	Page        int        `json:"page"`
	ExtractedAt time.Time  `json:"extracted_at"`
	ExtractedBy string     `json:"extracted_by"`
	SourceType  SourceType `json:"source_type,omitempty"`
}

// Triple is one (subject, predicate, object) fact. NormalizedPredicate and
// Object are nil on candidates whose model output omitted them.
type Triple struct {
	Subject             EntityRef            `json:"subject"`
	PredicateRaw        string               `json:"predicate_raw"`
	NormalizedPredicate *NormalizedPredicate `json:"normalized_predicate"`
	Object              *EntityRef           `json:"object"`
	Provenance          *Provenance          `json:"provenance,omitempty"`
}

// Pattern returns the type triad of a complete triple.
func (t Triple) Pattern() schema.Pattern {
	p := schema.Pattern{Subject: t.Subject.EntityType}
	if t.NormalizedPredicate != nil {
		p.Predicate = t.NormalizedPredicate.PredicateType
	}
	if t.Object != nil {
		p.Object = t.Object.EntityType
	}
	return p
}

// WithProvenance returns a copy of t carrying p.
func (t Triple) WithProvenance(p Provenance) Triple {
	t.Provenance = &p
	return t
}

// Audit identifies the extraction run behind a batch of writes.
type Audit struct {
	RunID      string `json:"run_id"`
	Model      string `json:"llm"`
	DocumentID int64  `json:"document,omitempty"`
}

// StringProp reads a string-valued property. Numbers are formatted so that
// values such as a lab result of 7.2 survive as "7.2".
func StringProp(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return formatScalar(s)
	}
}
