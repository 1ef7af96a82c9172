//go:build cgo

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/brunobiangulo/clinicalfacts/facts"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	s, err := New(filepath.Join(dir, "test.db"), WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != len(migrations) {
		t.Errorf("schema version = %d, want %d", v, len(migrations))
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 2; i++ {
		s, err := New(dbPath, WithLogger(logger.Nop()))
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func jane() facts.EntityRef {
	return facts.EntityRef{EntityType: schema.Patient, Node: map[string]any{"first_name": "Jane", "last_name": "Doe"}}
}

func fact(subject facts.EntityRef, pred schema.PredicateType, objType schema.EntityType, name string, props map[string]any) facts.Triple {
	if props == nil {
		props = map[string]any{}
	}
	return facts.Triple{
		Subject:             subject,
		PredicateRaw:        string(pred),
		NormalizedPredicate: &facts.NormalizedPredicate{PredicateType: pred, Properties: props},
		Object:              &facts.EntityRef{EntityType: objType, Node: map[string]any{"name": name}},
		Provenance:          &facts.Provenance{Page: 1, ExtractedAt: time.Now(), ExtractedBy: "fake/model", SourceType: facts.SourceDocument},
	}
}

func audit(run string, doc int64) facts.Audit {
	return facts.Audit{RunID: run, Model: "fake/model", DocumentID: doc}
}

func newDocument(t *testing.T, s *Store) (patientID, documentID int64) {
	t.Helper()
	ctx := context.Background()
	pid, err := s.GetOrCreatePatient(ctx, Patient{FirstName: "Jane", LastName: "Doe"})
	if err != nil {
		t.Fatalf("creating patient: %v", err)
	}
	did, err := s.CreateDocument(ctx, Document{PatientID: pid, Name: "visit.pdf", ContentType: "application/pdf"})
	if err != nil {
		t.Fatalf("creating document: %v", err)
	}
	return pid, did
}

// ---------------------------------------------------------------------------
// Patients and documents
// ---------------------------------------------------------------------------

func TestGetOrCreatePatient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.GetOrCreatePatient(ctx, Patient{FirstName: "Jane", LastName: "Doe"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.GetOrCreatePatient(ctx, Patient{FirstName: "JANE", LastName: "doe"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("case variants created two patients: %d, %d", id1, id2)
	}

	p, err := s.GetPatient(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if p.DateOfBirth != DefaultDateOfBirth {
		t.Errorf("date of birth = %q, want default", p.DateOfBirth)
	}

	other, err := s.GetOrCreatePatient(ctx, Patient{FirstName: "Jane", LastName: "Doe", DateOfBirth: "1980-04-02"})
	if err != nil {
		t.Fatal(err)
	}
	if other == id1 {
		t.Error("different date of birth should be a different patient")
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.GetPatient(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPatient err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDocument(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDocumentOnlyWhenChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, did := newDocument(t, s)

	a := audit("run-1", did)
	changed, err := s.UpdateDocument(ctx, did, facts.CategoryLabResults, "2024-03-01", a)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("first update should change the document")
	}

	changed, err = s.UpdateDocument(ctx, did, facts.CategoryLabResults, "2024-03-01", a)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("identical update should be a no-op")
	}

	changed, err = s.UpdateDocument(ctx, did, "", "", a)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("empty values should not clear stored metadata")
	}

	d, err := s.GetDocument(ctx, did)
	if err != nil {
		t.Fatal(err)
	}
	if d.Category != facts.CategoryLabResults || d.Date != "2024-03-01" {
		t.Errorf("document = %+v", d)
	}

	events, err := s.Events(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Table != "documents" || events[0].Action != "update" {
		t.Errorf("events = %+v, want one document update", events)
	}
}

func TestSetDocumentPatient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	did, err := s.CreateDocument(ctx, Document{Name: "note.txt", ContentType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.GetOrCreatePatient(ctx, Patient{FirstName: "Jane"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.GetOrCreatePatient(ctx, Patient{FirstName: "John", LastName: "Roe"})
	if err != nil {
		t.Fatal(err)
	}

	changed, err := s.SetDocumentPatient(ctx, did, first)
	if err != nil || !changed {
		t.Fatalf("first attribution: changed=%v err=%v", changed, err)
	}
	changed, err = s.SetDocumentPatient(ctx, did, second)
	if err != nil || changed {
		t.Fatalf("second attribution: changed=%v err=%v, want untouched", changed, err)
	}

	d, err := s.GetDocument(ctx, did)
	if err != nil {
		t.Fatal(err)
	}
	if d.PatientID != first {
		t.Errorf("patient = %d, want %d", d.PatientID, first)
	}
}

// ---------------------------------------------------------------------------
// Triples
// ---------------------------------------------------------------------------

func TestPersistTriplesCreatesPatient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	triples := []facts.Triple{
		fact(jane(), schema.HasSymptom, schema.Observation, "fever", nil),
		fact(jane(), schema.HasSymptom, schema.Observation, "cough", nil),
	}
	pid, written, err := s.PersistTriples(ctx, 0, triples, audit("run-1", 0))
	if err != nil {
		t.Fatalf("PersistTriples: %v", err)
	}
	if pid == 0 {
		t.Fatal("expected patient to be created")
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}

	p, err := s.GetPatient(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if p.FirstName != "Jane" || p.LastName != "Doe" {
		t.Errorf("patient = %+v", p)
	}

	got, err := s.Facts(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	var objects []string
	for _, f := range got {
		objects = append(objects, f.Object)
		if f.Subject != "Jane Doe" || f.Predicate != string(schema.HasSymptom) {
			t.Errorf("fact = %+v", f)
		}
		if f.Page != 1 || f.ExtractedBy != "fake/model" || f.RunID != "run-1" {
			t.Errorf("fact provenance = %+v", f)
		}
	}
	if diff := cmp.Diff([]string{"fever", "cough"}, objects); diff != "" {
		t.Errorf("objects mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistTriplesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	triples := []facts.Triple{
		fact(jane(), schema.HasLabResult, schema.Observation, "HbA1c", map[string]any{"value": "6.1", "unit": "%"}),
		fact(jane(), schema.HasCondition, schema.Condition, "Diabetes", nil),
	}
	pid, _, err := s.PersistTriples(ctx, 0, triples, audit("run-1", 0))
	if err != nil {
		t.Fatal(err)
	}

	// Same facts, different casing, second run.
	again := []facts.Triple{
		fact(jane(), schema.HasLabResult, schema.Observation, "hba1c", map[string]any{"unit": "%", "value": "6.1"}),
		fact(jane(), schema.HasCondition, schema.Condition, "DIABETES", nil),
	}
	pid2, written, err := s.PersistTriples(ctx, 0, again, audit("run-2", 0))
	if err != nil {
		t.Fatal(err)
	}
	if pid2 != pid {
		t.Errorf("second run resolved patient %d, want %d", pid2, pid)
	}
	if written != 0 {
		t.Errorf("second run wrote %d facts, want 0", written)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Facts != 2 || stats.Patients != 1 || stats.Runs != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPersistTriplesNegationIsDistinct(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := fact(jane(), schema.HasSymptom, schema.Observation, "fever", nil)
	neg := fact(jane(), schema.HasSymptom, schema.Observation, "fever", nil)
	neg.NormalizedPredicate.Traits.Negation = true

	_, written, err := s.PersistTriples(ctx, 0, []facts.Triple{pos, neg}, audit("run-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	if written != 2 {
		t.Errorf("written = %d, want 2", written)
	}
}

func TestPersistTriplesNoPatient(t *testing.T) {
	s := newTestStore(t)
	med := facts.EntityRef{EntityType: schema.Medication, Node: map[string]any{"name": "Metformin"}}
	_, _, err := s.PersistTriples(context.Background(), 0,
		[]facts.Triple{fact(med, schema.TakesFor, schema.Condition, "Diabetes", nil)}, audit("run-1", 0))
	if !errors.Is(err, ErrNoPatient) {
		t.Errorf("err = %v, want ErrNoPatient", err)
	}
}

func TestPersistTriplesFirstNameOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jane := facts.EntityRef{EntityType: schema.Patient, Node: map[string]any{"first_name": "Jane"}}
	triples := []facts.Triple{
		fact(jane, schema.HasSymptom, schema.Observation, "fever", nil),
		fact(jane, schema.HasSymptom, schema.Observation, "cough", nil),
	}
	pid, written, err := s.PersistTriples(ctx, 0, triples, audit("run-1", 0))
	if err != nil {
		t.Fatalf("PersistTriples: %v", err)
	}
	if pid == 0 || written != 2 {
		t.Fatalf("pid=%d written=%d, want a patient and 2 facts", pid, written)
	}
	p, err := s.GetPatient(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if p.FirstName != "Jane" || p.LastName != "" || p.DateOfBirth != DefaultDateOfBirth {
		t.Errorf("patient = %+v", p)
	}

	again, _, err := s.PersistTriples(ctx, 0, triples[:1], audit("run-2", 0))
	if err != nil {
		t.Fatal(err)
	}
	if again != pid {
		t.Errorf("second run resolved patient %d, want %d", again, pid)
	}

	got, err := s.Facts(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Subject != "Jane" {
		t.Errorf("facts = %+v", got)
	}
}

func TestPersistTriplesRequiresProvenance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bare := fact(jane(), schema.HasSymptom, schema.Observation, "fever", nil)
	bare.Provenance = nil
	triples := []facts.Triple{fact(jane(), schema.HasSymptom, schema.Observation, "cough", nil), bare}
	if _, _, err := s.PersistTriples(ctx, 0, triples, audit("run-1", 0)); !errors.Is(err, ErrNoProvenance) {
		t.Fatalf("err = %v, want ErrNoProvenance", err)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Facts != 0 || stats.Patients != 0 {
		t.Errorf("stats = %+v, want the batch rolled back", stats)
	}
}

func TestPersistTriplesEmptyRecordsRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid, written, err := s.PersistTriples(ctx, 0, nil, audit("run-empty", 0))
	if err != nil {
		t.Fatal(err)
	}
	if pid != 0 || written != 0 {
		t.Errorf("pid=%d written=%d, want zeros", pid, written)
	}
	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Runs != 1 {
		t.Errorf("runs = %d, want 1", stats.Runs)
	}
}

func TestPersistTriplesConcurrentSamePatient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 4)
	errs := make([]error, 4)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			triples := []facts.Triple{fact(jane(), schema.HasSymptom, schema.Observation, "fever", nil)}
			ids[i], _, errs[i] = s.PersistTriples(ctx, 0, triples, audit("", 0))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Errorf("writer %d resolved patient %d, want %d", i, ids[i], ids[0])
		}
	}
	got, err := s.Facts(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("facts = %d, want 1", len(got))
	}
}

// ---------------------------------------------------------------------------
// Typed records
// ---------------------------------------------------------------------------

func sampleRecords() facts.RecordsResponse {
	return facts.RecordsResponse{
		DocumentCategory: facts.CategoryImmunizations,
		DocumentDate:     "2023-10-12",
		Conditions:       []facts.ConditionRecord{{Name: "Asthma", Status: facts.StatusActive, Onset: "2010-05-01"}},
		Immunizations:    []facts.ImmunizationRecord{{Name: "Influenza", Date: "2023-10-12"}},
		Practitioners:    []facts.PractitionerRecord{{Name: "Dr. Susan Albright"}},
	}
}

func TestPersistRecordsDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid, did := newDocument(t, s)

	counts, err := s.PersistRecords(ctx, did, sampleRecords(), audit("run-1", did))
	if err != nil {
		t.Fatalf("PersistRecords: %v", err)
	}
	want := facts.CreatedCounts{Conditions: 1, Immunizations: 1, Practitioners: 1}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("first counts mismatch (-want +got):\n%s", diff)
	}

	counts, err = s.PersistRecords(ctx, did, sampleRecords(), audit("run-2", did))
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total() != 0 {
		t.Errorf("rerun created %+v, want nothing", counts)
	}

	conds, err := s.Conditions(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(conds) != 1 || !conds[0].Unattested || conds[0].RunID != "run-1" || conds[0].DocumentID != did {
		t.Errorf("conditions = %+v", conds)
	}
}

func TestPersistRecordsCaseInsensitiveNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid, did := newDocument(t, s)

	if _, err := s.PersistRecords(ctx, did, sampleRecords(), audit("run-1", did)); err != nil {
		t.Fatal(err)
	}
	resp := facts.RecordsResponse{
		Conditions:    []facts.ConditionRecord{{Name: "ASTHMA"}},
		Practitioners: []facts.PractitionerRecord{{Name: "dr. susan albright"}, {Name: " Dr. Susan Albright "}},
	}
	counts, err := s.PersistRecords(ctx, did, resp, audit("run-2", did))
	if err != nil {
		t.Fatal(err)
	}
	if counts.Total() != 0 {
		t.Errorf("case variants created %+v", counts)
	}
	prs, err := s.Practitioners(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(prs) != 1 || prs[0].Name != "Dr. Susan Albright" {
		t.Errorf("practitioners = %+v", prs)
	}
}

func TestPersistRecordsImmunizationDateIsPartOfKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid, did := newDocument(t, s)

	resp := facts.RecordsResponse{Immunizations: []facts.ImmunizationRecord{
		{Name: "Influenza", Date: "2023-10-12"},
		{Name: "influenza", Date: "2024-10-15"},
		{Name: "Influenza", Date: "2023-10-12"},
	}}
	counts, err := s.PersistRecords(ctx, did, resp, audit("run-1", did))
	if err != nil {
		t.Fatal(err)
	}
	if counts.Immunizations != 2 {
		t.Errorf("immunizations created = %d, want 2", counts.Immunizations)
	}
	ims, err := s.Immunizations(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(ims) != 2 {
		t.Errorf("stored immunizations = %+v", ims)
	}
}

func TestPersistRecordsRepeatMatchKeepsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid, did := newDocument(t, s)

	if _, err := s.PersistRecords(ctx, did, sampleRecords(), audit("run-1", did)); err != nil {
		t.Fatal(err)
	}
	resp := facts.RecordsResponse{Conditions: []facts.ConditionRecord{
		{Name: "Asthma", Status: facts.StatusResolved, Onset: "2011-01-01", Abatement: "2020-01-01"},
	}}
	if _, err := s.PersistRecords(ctx, did, resp, audit("run-2", did)); err != nil {
		t.Fatal(err)
	}
	conds, err := s.Conditions(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	want := Condition{
		ID: conds[0].ID, PatientID: pid, Name: "Asthma", Status: facts.StatusActive,
		Onset: "2010-05-01", Unattested: true, DocumentID: did, RunID: "run-1",
	}
	if diff := cmp.Diff([]Condition{want}, conds); diff != "" {
		t.Errorf("conditions mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistRecordsAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, did := newDocument(t, s)

	if _, err := s.PersistRecords(ctx, did, sampleRecords(), audit("run-1", did)); err != nil {
		t.Fatal(err)
	}
	events, err := s.Events(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	var tables []string
	for _, e := range events {
		tables = append(tables, e.Table)
		if e.Model != "fake/model" || e.DocumentID != did {
			t.Errorf("event = %+v", e)
		}
	}
	want := []string{"documents", "conditions", "immunizations", "practitioners"}
	if diff := cmp.Diff(want, tables); diff != "" {
		t.Errorf("event tables mismatch (-want +got):\n%s", diff)
	}

	d, err := s.GetDocument(ctx, did)
	if err != nil {
		t.Fatal(err)
	}
	if d.Category != facts.CategoryImmunizations || d.Date != "2023-10-12" {
		t.Errorf("document metadata = %q %q", d.Category, d.Date)
	}
}

func TestPersistRecordsErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PersistRecords(ctx, 42, sampleRecords(), audit("run-1", 42)); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing document err = %v, want ErrNotFound", err)
	}

	did, err := s.CreateDocument(ctx, Document{Name: "orphan.pdf", ContentType: "application/pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.PersistRecords(ctx, did, sampleRecords(), audit("run-1", did)); !errors.Is(err, ErrNoPatient) {
		t.Errorf("orphan document err = %v, want ErrNoPatient", err)
	}
	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conditions != 0 || stats.Runs != 0 {
		t.Errorf("failed writes left rows behind: %+v", stats)
	}
}

func TestCanonicalProperties(t *testing.T) {
	a, err := CanonicalProperties(map[string]any{"value": "6.1", "unit": "%"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := CanonicalProperties(map[string]any{"unit": "%", "value": "6.1"})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("%s != %s", a, b)
	}
	if empty, _ := CanonicalProperties(nil); empty != "{}" {
		t.Errorf("nil properties = %s", empty)
	}
}
