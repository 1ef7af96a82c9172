package facts

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/schema"
)

// Drop explains why a candidate was rejected.
type Drop struct {
	Index     int
	Predicate string
	Reason    string
}

// Validator filters triple candidates against the schema registry.
type Validator struct {
	log zerolog.Logger
}

// NewValidator returns a Validator that logs each dropped candidate.
func NewValidator(log zerolog.Logger) *Validator {
	return &Validator{log: log}
}

var defaultValidator = NewValidator(logger.NewLogger("facts"))

// FilterValid returns only the candidates whose type triad matches a schema
// pattern and whose required properties are present. It never fails.
func FilterValid(candidates []Triple) []Triple {
	kept, _ := defaultValidator.Filter(candidates)
	return kept
}

// Filter is FilterValid that also reports the drops.
func (v *Validator) Filter(candidates []Triple) ([]Triple, []Drop) {
	kept := make([]Triple, 0, len(candidates))
	var drops []Drop
	for i, c := range candidates {
		reason := check(c)
		if reason == "" {
			kept = append(kept, c)
			continue
		}
		d := Drop{Index: i, Predicate: predicateLabel(c), Reason: reason}
		drops = append(drops, d)
		v.log.Warn().
			Int("index", i).
			Str("predicate", d.Predicate).
			Str("pattern", c.Pattern().String()).
			Str("reason", reason).
			Msg("dropping triple")
	}
	if len(drops) > 0 {
		v.log.Info().
			Int("before", len(candidates)).
			Int("after", len(kept)).
			Msg("filtered triples")
	}
	return kept, drops
}

// check returns "" for a valid candidate and the drop reason otherwise.
func check(c Triple) string {
	if len(c.Subject.Node) == 0 {
		return "subject node missing or not an object"
	}
	if c.NormalizedPredicate == nil {
		return "normalized predicate missing"
	}
	if c.Object == nil {
		return "object missing"
	}
	if len(c.Object.Node) == 0 {
		return "object node missing or not an object"
	}
	p := c.Pattern()
	if !schema.IsValidPattern(p.Subject, p.Predicate, p.Object) {
		return "no matching pattern"
	}
	for _, key := range schema.RequiredNodeProperties(p.Subject) {
		if isBlank(c.Subject.Node[key]) {
			return fmt.Sprintf("subject missing required property %q", key)
		}
	}
	if !identified(p.Subject, c.Subject.Node) {
		return fmt.Sprintf("subject has none of %s", strings.Join(schema.IdentifyingProperties(p.Subject), ", "))
	}
	for _, key := range schema.RequiredNodeProperties(p.Object) {
		if isBlank(c.Object.Node[key]) {
			return fmt.Sprintf("object missing required property %q", key)
		}
	}
	if !identified(p.Object, c.Object.Node) {
		return fmt.Sprintf("object has none of %s", strings.Join(schema.IdentifyingProperties(p.Object), ", "))
	}
	for _, key := range schema.RequiredPredicateProperties(p.Predicate) {
		if isBlank(c.NormalizedPredicate.Properties[key]) {
			return fmt.Sprintf("predicate missing required property %q", key)
		}
	}
	return ""
}

// identified reports whether node carries at least one of t's identifying
// properties. Types without identifiers are always identified.
func identified(t schema.EntityType, node map[string]any) bool {
	ids := schema.IdentifyingProperties(t)
	if len(ids) == 0 {
		return true
	}
	for _, key := range ids {
		if !isBlank(node[key]) {
			return true
		}
	}
	return false
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

func predicateLabel(c Triple) string {
	if c.NormalizedPredicate != nil && c.NormalizedPredicate.PredicateType != "" {
		return string(c.NormalizedPredicate.PredicateType)
	}
	return c.PredicateRaw
}
