// Package schema holds the closed clinical vocabulary: entity types, predicate
// types with their properties, and the (subject, predicate, object) patterns
// that decide whether a fact may be stored.
//
// Everything in this package is compiled-in data. Callers receive copies, so
// the registry cannot be mutated at runtime.
package schema

import (
	"encoding/json"
	"slices"
)

// EntityType is a node label such as Patient or Condition.
type EntityType string

const (
	Patient            EntityType = "Patient"
	Condition          EntityType = "Condition"
	Medication         EntityType = "Medication"
	Observation        EntityType = "Observation"
	AllergyIntolerance EntityType = "AllergyIntolerance"
	Immunization       EntityType = "Immunization"
	Procedure          EntityType = "Procedure"
)

// PredicateType is a canonical relationship label.
type PredicateType string

const (
	HasCondition         PredicateType = "HAS_CONDITION"
	TakesMedication      PredicateType = "TAKES_MEDICATION"
	HasLabResult         PredicateType = "HAS_LAB_RESULT"
	HasVitalSign         PredicateType = "HAS_VITAL_SIGN"
	HasSymptom           PredicateType = "HAS_SYMPTOM"
	HasAllergy           PredicateType = "HAS_ALLERGY"
	HasFamilyHistory     PredicateType = "HAS_FAMILY_HISTORY"
	ReceivedImmunization PredicateType = "RECEIVED_IMMUNIZATION"
	UnderwentProcedure   PredicateType = "UNDERWENT_PROCEDURE"
	TakesFor             PredicateType = "TAKES_FOR"
)

// Property describes one allowed key on a node or predicate.
type Property struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Node describes an entity type. An entity must carry every Required
// property and, when Identifiers is set, at least one of the identifiers.
type Node struct {
	Label       EntityType `json:"label"`
	Properties  []Property `json:"properties"`
	Identifiers []string   `json:"identifiers,omitempty"`
	Description string     `json:"description"`
}

// Predicate describes a relationship type.
type Predicate struct {
	Label       PredicateType `json:"label"`
	Properties  []Property    `json:"properties"`
	Description string        `json:"description"`
}

// Pattern is one legal (subject, predicate, object) combination.
type Pattern struct {
	Subject   EntityType
	Predicate PredicateType
	Object    EntityType
}

// MarshalJSON renders a pattern as a three element array, the form the
// extraction prompt shows to the model.
func (p Pattern) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{string(p.Subject), string(p.Predicate), string(p.Object)})
}

func (p Pattern) String() string {
	return "(" + string(p.Subject) + ", " + string(p.Predicate) + ", " + string(p.Object) + ")"
}

// Trait is a boolean context flag on a normalized predicate.
type Trait string

const (
	Negation     Trait = "negation"
	Hypothetical Trait = "hypothetical"
	PastHistory  Trait = "past_history"
)

var nodes = []Node{
	{
		Label: Patient,
		Properties: []Property{
			{Name: "first_name", Type: "STRING"},
			{Name: "last_name", Type: "STRING"},
			{Name: "dateOfBirth", Type: "DATE"},
			{Name: "phn", Type: "STRING"},
			{Name: "email", Type: "STRING"},
		},
		Identifiers: []string{"first_name", "last_name"},
		Description: "The patient entity; at least one of first_name or last_name is present",
	},
	{
		Label:       Condition,
		Properties:  []Property{{Name: "name", Type: "STRING", Required: true}},
		Description: "Clinical name of the condition.",
	},
	{
		Label: Medication,
		Properties: []Property{
			{Name: "name", Type: "STRING", Required: true, Description: "The clinical name of the medication."},
		},
		Description: "Medication a patient has taken or is taking.",
	},
	{
		Label: Observation,
		Properties: []Property{
			{Name: "name", Type: "STRING", Required: true, Description: "clinical name of the test type, symptom, imagining type, etc."},
		},
		Description: "A medical observation, such as vital signs, lab results, imaging results, clinical findings, symptoms etc.",
	},
	{
		Label: AllergyIntolerance,
		Properties: []Property{
			{Name: "name", Type: "STRING", Required: true, Description: "The substance or drug causing the allergy or intolerance."},
		},
		Description: "A reaction to a substance.",
	},
	{
		Label: Immunization,
		Properties: []Property{
			{Name: "name", Type: "STRING", Required: true, Description: "The name of the vaccine administered."},
		},
		Description: "A vaccine administered to the patient.",
	},
	{
		Label: Procedure,
		Properties: []Property{
			{Name: "name", Type: "STRING", Required: true, Description: "The clinical name of the procedure performed."},
		},
		Description: "A clinical or surgical procedure performed on the patient.",
	},
}

var traits = []Property{
	{Name: string(Negation), Type: "BOOLEAN", Description: "True if the fact was explicitly negated (e.g. 'patient denies having asthma')."},
	{Name: string(Hypothetical), Type: "BOOLEAN", Description: "True if the fact is mentioned hypothetically (e.g. 'could develop asthma')."},
	{Name: string(PastHistory), Type: "BOOLEAN", Description: "True if the fact refers to past history only."},
}

var predicates = []Predicate{
	{
		Label: HasCondition,
		Properties: []Property{
			{Name: "date", Type: "DATE", Description: "Estimated or actual date the condition started"},
		},
		Description: "Subject has been diagnosed with a medical condition.",
	},
	{
		Label: TakesMedication,
		Properties: []Property{
			{Name: "quantity", Type: "STRING", Description: "The quantity of medication taken with this particular dosage."},
			{Name: "unit", Type: "STRING", Description: "The unit of measurement of the medication quantity."},
			{Name: "form", Type: "STRING", Description: "The form of the medication (eg. tablets, capsule, powder, etc.)"},
			{Name: "frequency", Type: "STRING", Description: "How frequently the patient takes this medication."},
			{Name: "date", Type: "STRING", Description: "Start date of the current regimen (if stated)"},
		},
		Description: "Subject currently takes a medication.",
	},
	{
		Label: HasLabResult,
		Properties: []Property{
			{Name: "value", Type: "STRING", Required: true, Description: "The quantitative value of the associated observation."},
			{Name: "unit", Type: "STRING", Description: "Unit of measurement."},
			{Name: "date", Type: "STRING", Description: "When the observation was made"},
		},
		Description: "Indicates a recorded lab result.",
	},
	{
		Label: HasVitalSign,
		Properties: []Property{
			{Name: "value", Type: "STRING", Required: true, Description: "The quantitative value of the associated observation."},
			{Name: "unit", Type: "STRING", Description: "Unit of measurement."},
			{Name: "date", Type: "STRING", Description: "When the observation was made"},
		},
		Description: "Indicates a recorded vital sign.",
	},
	{
		Label: HasSymptom,
		Properties: []Property{
			{Name: "date", Type: "STRING", Description: "When the symptom was exhibited."},
		},
		Description: "Indicates the subject has a symptom.",
	},
	{
		Label: HasAllergy,
		Properties: []Property{
			{Name: "criticality", Type: "STRING", Description: "The severity of the allergy reaction."},
			{Name: "last_occurrence", Type: "DATE", Description: "The date of the last known occurrence of the reaction."},
			{Name: "onset", Type: "DATE", Description: "When allergy or intolerance was identified"},
			{Name: "reaction", Type: "STRING", Description: "Clinical symptoms/signs associated with the Event"},
		},
		Description: "Subject has a known allergy or intolerance.",
	},
	{
		Label: HasFamilyHistory,
		Properties: []Property{
			{Name: "relationship", Type: "STRING", Required: true, Description: "The familial relationship to the subject (e.g., 'father', 'mother')."},
			{Name: "name", Type: "STRING", Description: "The name of the family member."},
		},
		Description: "Subject has a family member with a known medical history.",
	},
	{
		Label: ReceivedImmunization,
		Properties: []Property{
			{Name: "date", Type: "DATE", Description: "The date the immunization was administered."},
			{Name: "status", Type: "STRING", Description: "The status of the immunization (e.g., 'completed')."},
			{Name: "route", Type: "STRING", Description: "Method used to administer the immunization."},
		},
		Description: "Subject has received an immunization.",
	},
	{
		Label: UnderwentProcedure,
		Properties: []Property{
			{Name: "date", Type: "DATE", Description: "The date the procedure was performed."},
			{Name: "status", Type: "STRING", Description: "The status of the procedure (e.g., 'completed')."},
			{Name: "location", Type: "STRING", Description: "Where the procedure happened."},
			{Name: "performer", Type: "STRING", Description: "Who performed the procedure."},
		},
		Description: "Subject underwent a clinical procedure.",
	},
	{
		Label:       TakesFor,
		Properties:  []Property{},
		Description: "A medication is taken for a condition or observation.",
	},
}

var patterns = []Pattern{
	{Patient, HasCondition, Condition},
	{Patient, TakesMedication, Medication},
	{Patient, HasSymptom, Observation},
	{Patient, HasVitalSign, Observation},
	{Patient, HasLabResult, Observation},
	{Medication, TakesFor, Condition},
	{Medication, TakesFor, Observation},
	{Patient, HasAllergy, AllergyIntolerance},
	{Patient, HasFamilyHistory, Condition},
	{Patient, HasFamilyHistory, Observation},
	{Patient, ReceivedImmunization, Immunization},
	{Patient, UnderwentProcedure, Procedure},
}

// Lookup tables built once from the slices above.
var (
	nodeIndex      = make(map[EntityType]int, len(nodes))
	predicateIndex = make(map[PredicateType]int, len(predicates))
	patternSet     = make(map[Pattern]struct{}, len(patterns))
)

func init() {
	for i, n := range nodes {
		nodeIndex[n.Label] = i
	}
	for i, p := range predicates {
		predicateIndex[p.Label] = i
	}
	for _, p := range patterns {
		patternSet[p] = struct{}{}
	}
}

// Nodes returns every entity type in registry order.
func Nodes() []EntityType {
	out := make([]EntityType, len(nodes))
	for i, n := range nodes {
		out[i] = n.Label
	}
	return out
}

// Predicates returns every predicate type in registry order.
func Predicates() []PredicateType {
	out := make([]PredicateType, len(predicates))
	for i, p := range predicates {
		out[i] = p.Label
	}
	return out
}

// Patterns returns the allowed (subject, predicate, object) combinations.
func Patterns() []Pattern {
	return slices.Clone(patterns)
}

// IsValidPattern reports whether the triad is an allowed combination.
func IsValidPattern(subject EntityType, predicate PredicateType, object EntityType) bool {
	_, ok := patternSet[Pattern{subject, predicate, object}]
	return ok
}

// NodeDef returns the definition of an entity type.
func NodeDef(t EntityType) (Node, bool) {
	i, ok := nodeIndex[t]
	if !ok {
		return Node{}, false
	}
	n := nodes[i]
	n.Properties = slices.Clone(n.Properties)
	n.Identifiers = slices.Clone(n.Identifiers)
	return n, true
}

// PredicateDef returns the definition of a predicate type.
func PredicateDef(t PredicateType) (Predicate, bool) {
	i, ok := predicateIndex[t]
	if !ok {
		return Predicate{}, false
	}
	p := predicates[i]
	p.Properties = slices.Clone(p.Properties)
	return p, true
}

// IsNode reports whether t is a registered entity type.
func IsNode(t EntityType) bool {
	_, ok := nodeIndex[t]
	return ok
}

// IsPredicate reports whether t is a registered predicate type.
func IsPredicate(t PredicateType) bool {
	_, ok := predicateIndex[t]
	return ok
}

// RequiredNodeProperties lists the node keys that must be present on an
// entity of type t.
func RequiredNodeProperties(t EntityType) []string {
	i, ok := nodeIndex[t]
	if !ok {
		return nil
	}
	return required(nodes[i].Properties)
}

// IdentifyingProperties lists the node keys of which an entity of type t
// must carry at least one. It is nil for types identified by required
// properties alone.
func IdentifyingProperties(t EntityType) []string {
	i, ok := nodeIndex[t]
	if !ok {
		return nil
	}
	return slices.Clone(nodes[i].Identifiers)
}

// RequiredPredicateProperties lists the property keys a predicate must carry.
func RequiredPredicateProperties(t PredicateType) []string {
	i, ok := predicateIndex[t]
	if !ok {
		return nil
	}
	return required(predicates[i].Properties)
}

// Traits returns the trait flag definitions.
func Traits() []Property {
	return slices.Clone(traits)
}

func required(props []Property) []string {
	var out []string
	for _, p := range props {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Document is the serialized registry embedded in extraction prompts.
type Document struct {
	Predicates []Predicate `json:"predicates"`
	Nodes      []Node      `json:"nodes"`
	Patterns   []Pattern   `json:"patterns"`
}

// JSON renders the registry as indented JSON. The output is deterministic.
func JSON() string {
	doc := Document{Predicates: predicates, Nodes: nodes, Patterns: patterns}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		// Static data; cannot fail.
		panic(err)
	}
	return string(b)
}
