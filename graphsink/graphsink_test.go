package graphsink

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/brunobiangulo/clinicalfacts/facts"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/schema"
)

type fakeSink struct {
	err     error
	records int
}

func (f *fakeSink) PersistTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) (int64, int, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	return 42, len(triples), nil
}

func (f *fakeSink) PersistRecords(ctx context.Context, documentID int64, resp facts.RecordsResponse, audit facts.Audit) (facts.CreatedCounts, error) {
	f.records++
	return facts.CreatedCounts{Conditions: len(resp.Conditions)}, nil
}

type fakeGraph struct {
	calls     int
	patientID int64
	err       error
}

func (g *fakeGraph) WriteTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) error {
	g.calls++
	g.patientID = patientID
	return g.err
}

func sampleTriple() facts.Triple {
	return facts.Triple{
		Subject:             facts.EntityRef{EntityType: schema.Patient, Node: map[string]any{"first_name": "Jane", "last_name": "Doe"}},
		PredicateRaw:        "has",
		NormalizedPredicate: &facts.NormalizedPredicate{PredicateType: schema.HasLabResult, Properties: map[string]any{"value": "6.1", "unit": "%"}},
		Object:              &facts.EntityRef{EntityType: schema.Observation, Node: map[string]any{"name": "HbA1c"}},
		Provenance:          &facts.Provenance{Page: 2, ExtractedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func newMirror(next *fakeSink, g *fakeGraph) *Mirror {
	m := NewMirror(next, g)
	m.log = logger.Nop()
	return m
}

func TestMirrorCopiesCommittedTriples(t *testing.T) {
	g := &fakeGraph{}
	m := newMirror(&fakeSink{}, g)
	pid, written, err := m.PersistTriples(context.Background(), 0, []facts.Triple{sampleTriple()}, facts.Audit{RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if pid != 42 || written != 1 {
		t.Errorf("pid=%d written=%d", pid, written)
	}
	if g.calls != 1 || g.patientID != 42 {
		t.Errorf("graph calls=%d patient=%d, want resolved patient 42", g.calls, g.patientID)
	}
}

func TestMirrorSkipsFailedAndEmptyBatches(t *testing.T) {
	g := &fakeGraph{}
	m := newMirror(&fakeSink{err: errors.New("rollback")}, g)
	if _, _, err := m.PersistTriples(context.Background(), 0, []facts.Triple{sampleTriple()}, facts.Audit{}); err == nil {
		t.Fatal("expected sink error to propagate")
	}
	m = newMirror(&fakeSink{}, g)
	if _, _, err := m.PersistTriples(context.Background(), 1, nil, facts.Audit{}); err != nil {
		t.Fatal(err)
	}
	if g.calls != 0 {
		t.Errorf("graph written %d times, want 0", g.calls)
	}
}

func TestMirrorGraphFailureIsNotFatal(t *testing.T) {
	m := newMirror(&fakeSink{}, &fakeGraph{err: errors.New("neo4j down")})
	if _, _, err := m.PersistTriples(context.Background(), 0, []facts.Triple{sampleTriple()}, facts.Audit{}); err != nil {
		t.Errorf("graph failure surfaced: %v", err)
	}
}

func TestMirrorPassesRecordsThrough(t *testing.T) {
	next := &fakeSink{}
	m := newMirror(next, &fakeGraph{})
	counts, err := m.PersistRecords(context.Background(), 1, facts.RecordsResponse{Conditions: []facts.ConditionRecord{{Name: "Asthma"}}}, facts.Audit{})
	if err != nil {
		t.Fatal(err)
	}
	if next.records != 1 || counts.Conditions != 1 {
		t.Errorf("records calls=%d counts=%+v", next.records, counts)
	}
}

func TestFactRows(t *testing.T) {
	rows, err := factRows([]facts.Triple{sampleTriple(), {Subject: facts.EntityRef{EntityType: schema.Patient}}})
	if err != nil {
		t.Fatal(err)
	}
	want := []map[string]any{{
		"subject_type": "Patient",
		"subject":      "Jane Doe",
		"subject_norm": "jane doe",
		"object_type":  "Observation",
		"object":       "HbA1c",
		"object_norm":  "hba1c",
		"predicate":    "HAS_LAB_RESULT",
		"properties":   `{"unit":"%","value":"6.1"}`,
		"negation":     false,
		"hypothetical": false,
		"past_history": false,
		"page":         2,
		"extracted_at": "2024-03-01T00:00:00Z",
	}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestNeo4jWriteTriples(t *testing.T) {
	uri := os.Getenv("CLINICALFACTS_TEST_NEO4J_URI")
	if uri == "" {
		t.Skip("CLINICALFACTS_TEST_NEO4J_URI not set")
	}
	ctx := context.Background()
	n, err := NewNeo4j(ctx, Config{URI: uri, User: os.Getenv("CLINICALFACTS_TEST_NEO4J_USER"), Password: os.Getenv("CLINICALFACTS_TEST_NEO4J_PASSWORD")})
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close(ctx)
	n.EnsureSchema(ctx)

	pid := time.Now().UnixNano()
	for i := 0; i < 2; i++ {
		if err := n.WriteTriples(ctx, pid, []facts.Triple{sampleTriple()}, facts.Audit{RunID: "r", Model: "m"}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	count, err := n.CountFacts(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("facts = %d, want 1 after repeated writes", count)
	}
}
