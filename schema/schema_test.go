package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestIsValidPattern(t *testing.T) {
	tests := []struct {
		name      string
		subject   EntityType
		predicate PredicateType
		object    EntityType
		want      bool
	}{
		{"symptom", Patient, HasSymptom, Observation, true},
		{"condition", Patient, HasCondition, Condition, true},
		{"medication for condition", Medication, TakesFor, Condition, true},
		{"reversed subject", Condition, HasCondition, Patient, false},
		{"wrong object", Patient, HasSymptom, Condition, false},
		{"unknown predicate", Patient, "LIKES", Observation, false},
		{"unknown subject", "Doctor", HasCondition, Condition, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPattern(tt.subject, tt.predicate, tt.object); got != tt.want {
				t.Errorf("IsValidPattern(%s, %s, %s) = %v, want %v", tt.subject, tt.predicate, tt.object, got, tt.want)
			}
		})
	}
}

func TestPatternsReferenceRegisteredTypes(t *testing.T) {
	for _, p := range Patterns() {
		if !IsNode(p.Subject) {
			t.Errorf("pattern %s: unknown subject type", p)
		}
		if !IsNode(p.Object) {
			t.Errorf("pattern %s: unknown object type", p)
		}
		if !IsPredicate(p.Predicate) {
			t.Errorf("pattern %s: unknown predicate", p)
		}
	}
}

func TestPatternsReturnsCopy(t *testing.T) {
	ps := Patterns()
	ps[0] = Pattern{"X", "Y", "Z"}
	if IsValidPattern("X", "Y", "Z") {
		t.Fatal("mutating the returned slice changed the registry")
	}
	if Patterns()[0].Subject != Patient {
		t.Fatal("registry order changed after caller mutation")
	}
}

func TestRequiredProperties(t *testing.T) {
	if got := RequiredNodeProperties(Patient); len(got) != 0 {
		t.Errorf("Patient required = %v, want none", got)
	}
	if got := IdentifyingProperties(Patient); strings.Join(got, ",") != "first_name,last_name" {
		t.Errorf("Patient identifiers = %v", got)
	}
	for _, n := range Nodes() {
		if n == Patient {
			continue
		}
		req := RequiredNodeProperties(n)
		if len(req) != 1 || req[0] != "name" {
			t.Errorf("%s required = %v, want [name]", n, req)
		}
		if ids := IdentifyingProperties(n); ids != nil {
			t.Errorf("%s identifiers = %v, want none", n, ids)
		}
	}
	if got := RequiredPredicateProperties(HasLabResult); len(got) != 1 || got[0] != "value" {
		t.Errorf("HAS_LAB_RESULT required = %v", got)
	}
	if got := RequiredPredicateProperties(HasFamilyHistory); len(got) != 1 || got[0] != "relationship" {
		t.Errorf("HAS_FAMILY_HISTORY required = %v", got)
	}
	if got := RequiredPredicateProperties(HasSymptom); len(got) != 0 {
		t.Errorf("HAS_SYMPTOM required = %v", got)
	}
	if got := RequiredNodeProperties("Unknown"); got != nil {
		t.Errorf("unknown type required = %v", got)
	}
}

func TestJSON(t *testing.T) {
	var doc struct {
		Predicates []map[string]any `json:"predicates"`
		Nodes      []map[string]any `json:"nodes"`
		Patterns   [][3]string      `json:"patterns"`
	}
	if err := json.Unmarshal([]byte(JSON()), &doc); err != nil {
		t.Fatalf("schema JSON does not parse: %v", err)
	}
	if len(doc.Nodes) != len(Nodes()) {
		t.Errorf("nodes = %d, want %d", len(doc.Nodes), len(Nodes()))
	}
	if len(doc.Predicates) != len(Predicates()) {
		t.Errorf("predicates = %d, want %d", len(doc.Predicates), len(Predicates()))
	}
	if len(doc.Patterns) != 12 {
		t.Fatalf("patterns = %d, want 12", len(doc.Patterns))
	}
	if doc.Patterns[0] != [3]string{"Patient", "HAS_CONDITION", "Condition"} {
		t.Errorf("first pattern = %v", doc.Patterns[0])
	}
	if JSON() != JSON() {
		t.Error("schema JSON is not deterministic")
	}
}

func TestNodeDefCopy(t *testing.T) {
	n, ok := NodeDef(Patient)
	if !ok {
		t.Fatal("Patient not found")
	}
	n.Properties[0].Required = true
	n.Identifiers[0] = "phn"
	if got := RequiredNodeProperties(Patient); len(got) != 0 {
		t.Fatalf("registry mutated through NodeDef: %v", got)
	}
	if got := IdentifyingProperties(Patient); got[0] != "first_name" {
		t.Fatalf("identifiers mutated through NodeDef: %v", got)
	}
}
