// Package store is the SQLite-backed deduplicating persistence layer. Every
// write is a get-or-create against a unique natural key, so repeating an
// extraction run over the same document adds nothing new.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/facts"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/schema"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrNoPatient is returned when facts cannot be attributed to a patient.
	ErrNoPatient = errors.New("store: no patient for facts")

	// ErrNoProvenance is returned when a triple to persist carries no
	// provenance.
	ErrNoProvenance = errors.New("store: triple has no provenance")
)

// DefaultDateOfBirth stands in for an unknown date of birth in the patient
// natural key.
const DefaultDateOfBirth = "1900-01-01"

// Patient represents a row in the patients table.
type Patient struct {
	ID          int64  `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	PHN         string `json:"phn,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Document represents a row in the documents table.
type Document struct {
	ID          int64                  `json:"id"`
	PatientID   int64                  `json:"patient_id,omitempty"`
	Name        string                 `json:"name"`
	ContentType string                 `json:"content_type"`
	Category    facts.DocumentCategory `json:"category,omitempty"`
	Date        facts.Date             `json:"date,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at"`
}

// Fact is a stored triple with its resolved entity names.
type Fact struct {
	ID          int64          `json:"id"`
	SubjectType string         `json:"subject_type"`
	Subject     string         `json:"subject"`
	Predicate   string         `json:"predicate"`
	ObjectType  string         `json:"object_type"`
	Object      string         `json:"object"`
	Properties  map[string]any `json:"properties"`
	Traits      facts.Traits   `json:"traits"`
	Page        int            `json:"page"`
	ExtractedBy string         `json:"extracted_by"`
	RunID       string         `json:"run_id"`
}

// Condition represents a row in the conditions table.
type Condition struct {
	ID         int64                 `json:"id"`
	PatientID  int64                 `json:"patient_id"`
	Name       string                `json:"name"`
	Status     facts.ConditionStatus `json:"status"`
	Onset      facts.Date            `json:"onset,omitempty"`
	Abatement  facts.Date            `json:"abatement,omitempty"`
	Unattested bool                  `json:"unattested"`
	DocumentID int64                 `json:"document_id,omitempty"`
	RunID      string                `json:"run_id"`
}

// Immunization represents a row in the immunizations table.
type Immunization struct {
	ID         int64      `json:"id"`
	PatientID  int64      `json:"patient_id"`
	Name       string     `json:"name"`
	Date       facts.Date `json:"date,omitempty"`
	Unattested bool       `json:"unattested"`
	DocumentID int64      `json:"document_id,omitempty"`
	RunID      string     `json:"run_id"`
}

// Practitioner represents a row in the practitioners table.
type Practitioner struct {
	ID         int64  `json:"id"`
	PatientID  int64  `json:"patient_id"`
	Name       string `json:"name"`
	Unattested bool   `json:"unattested"`
	DocumentID int64  `json:"document_id,omitempty"`
	RunID      string `json:"run_id"`
}

// Event is one audited row mutation.
type Event struct {
	Table      string `json:"table"`
	RowID      int64  `json:"row_id"`
	Action     string `json:"action"`
	RunID      string `json:"run_id"`
	Model      string `json:"model"`
	DocumentID int64  `json:"document_id,omitempty"`
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens (or creates) a SQLite database at the given path and applies
// pending migrations.
func New(dbPath string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, log: logger.NewLogger("store")}
	for _, o := range opts {
		o(s)
	}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Patients and documents ---

// GetOrCreatePatient returns the patient with p's natural key, creating it
// when absent.
func (s *Store) GetOrCreatePatient(ctx context.Context, p Patient) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = getOrCreatePatient(ctx, tx, p)
		return err
	})
	return id, err
}

// GetPatient retrieves a patient by ID.
func (s *Store) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	var phn, email sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, date_of_birth, phn, email
		FROM patients WHERE id = ?
	`, id).Scan(&p.ID, &p.FirstName, &p.LastName, &p.DateOfBirth, &phn, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.PHN, p.Email = phn.String, email.String
	return &p, nil
}

// CreateDocument registers a document and returns its ID.
func (s *Store) CreateDocument(ctx context.Context, d Document) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (patient_id, name, content_type, category, date)
		VALUES (?, ?, ?, ?, ?)
	`, nullInt(d.PatientID), d.Name, d.ContentType, string(d.Category), string(d.Date))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetDocumentPatient attributes a document to a patient when it has none
// yet. It reports whether the document changed.
func (s *Store) SetDocumentPatient(ctx context.Context, documentID, patientID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET patient_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND patient_id IS NULL
	`, patientID, documentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	var d Document
	var patientID sql.NullInt64
	var category, date string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, patient_id, name, content_type, category, date, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &patientID, &d.Name, &d.ContentType, &category, &date, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	d.PatientID = patientID.Int64
	d.Category, d.Date = facts.DocumentCategory(category), facts.Date(date)
	return &d, nil
}

// UpdateDocument sets the inferred category and date, leaving fields whose
// new value is empty or unchanged untouched. It reports whether anything
// was written.
func (s *Store) UpdateDocument(ctx context.Context, documentID int64, category facts.DocumentCategory, date facts.Date, audit facts.Audit) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = updateDocument(ctx, tx, documentID, category, date, audit)
		return err
	})
	return changed, err
}

// --- Facts ---

// PersistTriples writes validated triples for a patient in one transaction.
// When patientID is 0 the patient is resolved from the first Patient subject
// in triples. It returns the patient ID and the number of new facts.
func (s *Store) PersistTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) (int64, int, error) {
	var written int
	resolved := patientID
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		written = 0
		if resolved == 0 && len(triples) > 0 {
			p, ok := PatientFromTriples(triples)
			if !ok {
				return ErrNoPatient
			}
			id, err := getOrCreatePatient(ctx, tx, p)
			if err != nil {
				return fmt.Errorf("resolving patient: %w", err)
			}
			resolved = id
		}
		for i, t := range triples {
			n, err := insertFact(ctx, tx, resolved, t, audit)
			if err != nil {
				return fmt.Errorf("fact %d %s: %w", i, t.Pattern(), err)
			}
			written += n
		}
		return recordRun(ctx, tx, audit, "triples", written)
	})
	if err != nil {
		return 0, 0, err
	}
	s.log.Debug().
		Str("run_id", audit.RunID).
		Int64("patient_id", resolved).
		Int("candidates", len(triples)).
		Int("written", written).
		Msg("persisted triples")
	return resolved, written, nil
}

// PatientFromTriples builds a patient from the first Patient subject node
// carrying a first or last name.
func PatientFromTriples(triples []facts.Triple) (Patient, bool) {
	for _, t := range triples {
		if t.Subject.EntityType != schema.Patient {
			continue
		}
		n := t.Subject.Node
		p := Patient{
			FirstName:   strings.TrimSpace(facts.StringProp(n, "first_name")),
			LastName:    strings.TrimSpace(facts.StringProp(n, "last_name")),
			DateOfBirth: strings.TrimSpace(facts.StringProp(n, "dateOfBirth")),
			PHN:         facts.StringProp(n, "phn"),
			Email:       facts.StringProp(n, "email"),
		}
		if p.DateOfBirth == "" {
			p.DateOfBirth = strings.TrimSpace(facts.StringProp(n, "date_of_birth"))
		}
		if p.FirstName == "" && p.LastName == "" {
			continue
		}
		return p, true
	}
	return Patient{}, false
}

// EntityName is the natural-key name of an entity. Patients have no name
// property, so theirs is "first last".
func EntityName(e facts.EntityRef) string {
	if e.EntityType == schema.Patient {
		return strings.TrimSpace(facts.StringProp(e.Node, "first_name") + " " + facts.StringProp(e.Node, "last_name"))
	}
	return strings.TrimSpace(e.Name())
}

// CanonicalProperties encodes predicate properties with sorted keys so equal
// maps produce equal strings.
func CanonicalProperties(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Facts lists a patient's stored facts in insertion order.
func (s *Store) Facts(ctx context.Context, patientID int64) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, se.entity_type, se.name, p.name, oe.entity_type, oe.name,
			f.properties, f.negation, f.hypothetical, f.past_history,
			COALESCE(f.page, 0), COALESCE(f.extracted_by, ''), COALESCE(f.run_id, '')
		FROM facts f
		JOIN entities se ON se.id = f.subject_id
		JOIN entities oe ON oe.id = f.object_id
		JOIN predicates p ON p.id = f.predicate_id
		WHERE f.patient_id = ?
		ORDER BY f.id
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		var props string
		if err := rows.Scan(&f.ID, &f.SubjectType, &f.Subject, &f.Predicate, &f.ObjectType, &f.Object,
			&props, &f.Traits.Negation, &f.Traits.Hypothetical, &f.Traits.PastHistory,
			&f.Page, &f.ExtractedBy, &f.RunID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(props), &f.Properties); err != nil {
			return nil, fmt.Errorf("fact %d properties: %w", f.ID, err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// --- Typed records ---

// PersistRecords writes whole-document records and the document's inferred
// metadata in one transaction. Records are scoped to the document's patient.
func (s *Store) PersistRecords(ctx context.Context, documentID int64, resp facts.RecordsResponse, audit facts.Audit) (facts.CreatedCounts, error) {
	var counts facts.CreatedCounts
	if audit.DocumentID == 0 {
		audit.DocumentID = documentID
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		counts = facts.CreatedCounts{}

		var patientID sql.NullInt64
		err := tx.QueryRowContext(ctx, "SELECT patient_id FROM documents WHERE id = ?", documentID).Scan(&patientID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("document %d: %w", documentID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !patientID.Valid {
			return fmt.Errorf("document %d: %w", documentID, ErrNoPatient)
		}
		pid := patientID.Int64

		if _, err := updateDocument(ctx, tx, documentID, resp.DocumentCategory, resp.DocumentDate, audit); err != nil {
			return err
		}

		for _, c := range resp.Conditions {
			status := c.Status
			if status == "" {
				status = facts.StatusUnknown
			}
			// TODO: decide with product whether a repeat match should update
			// onset/abatement; today an existing condition is left as is.
			created, err := insertRecord(ctx, tx, audit, "conditions", `
				INSERT INTO conditions (patient_id, name, status, onset, abatement, unattested, document_id, run_id)
				VALUES (?, ?, ?, ?, ?, 1, ?, ?)
				ON CONFLICT DO NOTHING
			`, pid, strings.TrimSpace(c.Name), string(status), string(c.Onset), string(c.Abatement), documentID, audit.RunID)
			if err != nil {
				return fmt.Errorf("condition %q: %w", c.Name, err)
			}
			if created {
				counts.Conditions++
			}
		}

		for _, im := range resp.Immunizations {
			created, err := insertRecord(ctx, tx, audit, "immunizations", `
				INSERT INTO immunizations (patient_id, name, date, unattested, document_id, run_id)
				VALUES (?, ?, ?, 1, ?, ?)
				ON CONFLICT DO NOTHING
			`, pid, strings.TrimSpace(im.Name), string(im.Date), documentID, audit.RunID)
			if err != nil {
				return fmt.Errorf("immunization %q: %w", im.Name, err)
			}
			if created {
				counts.Immunizations++
			}
		}

		for _, pr := range resp.Practitioners {
			created, err := insertRecord(ctx, tx, audit, "practitioners", `
				INSERT INTO practitioners (patient_id, name, unattested, document_id, run_id)
				VALUES (?, ?, 1, ?, ?)
				ON CONFLICT DO NOTHING
			`, pid, strings.TrimSpace(pr.Name), documentID, audit.RunID)
			if err != nil {
				return fmt.Errorf("practitioner %q: %w", pr.Name, err)
			}
			if created {
				counts.Practitioners++
			}
		}

		return recordRun(ctx, tx, audit, "records", counts.Total())
	})
	if err != nil {
		return facts.CreatedCounts{}, err
	}
	s.log.Info().
		Str("run_id", audit.RunID).
		Int64("document_id", documentID).
		Int("records", resp.Len()).
		Int("created", counts.Total()).
		Msg("persisted records")
	return counts, nil
}

// Conditions lists a patient's conditions.
func (s *Store) Conditions(ctx context.Context, patientID int64) ([]Condition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, name, status, onset, abatement, unattested,
			COALESCE(document_id, 0), COALESCE(run_id, '')
		FROM conditions WHERE patient_id = ? ORDER BY id
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Condition
	for rows.Next() {
		var c Condition
		var status, onset, abatement string
		if err := rows.Scan(&c.ID, &c.PatientID, &c.Name, &status, &onset, &abatement,
			&c.Unattested, &c.DocumentID, &c.RunID); err != nil {
			return nil, err
		}
		c.Status, c.Onset, c.Abatement = facts.ConditionStatus(status), facts.Date(onset), facts.Date(abatement)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Immunizations lists a patient's immunizations.
func (s *Store) Immunizations(ctx context.Context, patientID int64) ([]Immunization, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, name, date, unattested, COALESCE(document_id, 0), COALESCE(run_id, '')
		FROM immunizations WHERE patient_id = ? ORDER BY id
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Immunization
	for rows.Next() {
		var im Immunization
		var date string
		if err := rows.Scan(&im.ID, &im.PatientID, &im.Name, &date, &im.Unattested, &im.DocumentID, &im.RunID); err != nil {
			return nil, err
		}
		im.Date = facts.Date(date)
		out = append(out, im)
	}
	return out, rows.Err()
}

// Practitioners lists the practitioners recorded for a patient.
func (s *Store) Practitioners(ctx context.Context, patientID int64) ([]Practitioner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, name, unattested, COALESCE(document_id, 0), COALESCE(run_id, '')
		FROM practitioners WHERE patient_id = ? ORDER BY id
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Practitioner
	for rows.Next() {
		var p Practitioner
		if err := rows.Scan(&p.ID, &p.PatientID, &p.Name, &p.Unattested, &p.DocumentID, &p.RunID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Events lists the audited mutations made by one extraction run.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_name, row_id, action, run_id, model, COALESCE(document_id, 0)
		FROM record_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Table, &e.RowID, &e.Action, &e.RunID, &e.Model, &e.DocumentID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DBStats holds aggregate row counts.
type DBStats struct {
	Patients      int `json:"patients"`
	Documents     int `json:"documents"`
	Entities      int `json:"entities"`
	Facts         int `json:"facts"`
	Conditions    int `json:"conditions"`
	Immunizations int `json:"immunizations"`
	Practitioners int `json:"practitioners"`
	Runs          int `json:"runs"`
}

// DBStats returns row counts for every table.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM patients", &stats.Patients},
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM facts", &stats.Facts},
		{"SELECT COUNT(*) FROM conditions", &stats.Conditions},
		{"SELECT COUNT(*) FROM immunizations", &stats.Immunizations},
		{"SELECT COUNT(*) FROM practitioners", &stats.Practitioners},
		{"SELECT COUNT(*) FROM extraction_runs", &stats.Runs},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func getOrCreatePatient(ctx context.Context, tx *sql.Tx, p Patient) (int64, error) {
	if p.DateOfBirth == "" {
		p.DateOfBirth = DefaultDateOfBirth
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patients (first_name, last_name, date_of_birth, phn, email)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, p.FirstName, p.LastName, p.DateOfBirth, nullString(p.PHN), nullString(p.Email)); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM patients WHERE first_name = ? AND last_name = ? AND date_of_birth = ?
	`, p.FirstName, p.LastName, p.DateOfBirth).Scan(&id)
	return id, err
}

func getOrCreateEntity(ctx context.Context, tx *sql.Tx, patientID int64, e facts.EntityRef) (int64, error) {
	name := EntityName(e)
	props, err := json.Marshal(e.Node)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entities (patient_id, entity_type, name, properties)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, patientID, string(e.EntityType), name, string(props)); err != nil {
		return 0, err
	}
	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM entities WHERE patient_id = ? AND entity_type = ? AND name = ?
	`, patientID, string(e.EntityType), name).Scan(&id)
	return id, err
}

func getOrCreatePredicate(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	if _, err := tx.ExecContext(ctx, "INSERT INTO predicates (name) VALUES (?) ON CONFLICT DO NOTHING", name); err != nil {
		return 0, err
	}
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM predicates WHERE name = ?", name).Scan(&id)
	return id, err
}

func insertFact(ctx context.Context, tx *sql.Tx, patientID int64, t facts.Triple, audit facts.Audit) (int, error) {
	if t.NormalizedPredicate == nil || t.Object == nil {
		return 0, errors.New("incomplete triple")
	}
	if t.Provenance == nil {
		return 0, ErrNoProvenance
	}
	subj, err := getOrCreateEntity(ctx, tx, patientID, t.Subject)
	if err != nil {
		return 0, fmt.Errorf("subject: %w", err)
	}
	obj, err := getOrCreateEntity(ctx, tx, patientID, *t.Object)
	if err != nil {
		return 0, fmt.Errorf("object: %w", err)
	}
	pred, err := getOrCreatePredicate(ctx, tx, string(t.NormalizedPredicate.PredicateType))
	if err != nil {
		return 0, fmt.Errorf("predicate: %w", err)
	}
	props, err := CanonicalProperties(t.NormalizedPredicate.Properties)
	if err != nil {
		return 0, fmt.Errorf("properties: %w", err)
	}

	p := t.Provenance
	page := sql.NullInt64{Int64: int64(p.Page), Valid: true}
	extractedAt := sql.NullTime{Time: p.ExtractedAt, Valid: !p.ExtractedAt.IsZero()}
	extractedBy, sourceType := nullString(p.ExtractedBy), nullString(string(p.SourceType))

	traits := t.NormalizedPredicate.Traits
	res, err := tx.ExecContext(ctx, `
		INSERT INTO facts (patient_id, subject_id, predicate_id, object_id, predicate_raw, properties,
			negation, hypothetical, past_history, page, extracted_at, extracted_by, source_type,
			document_id, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, patientID, subj, pred, obj, t.PredicateRaw, props,
		traits.Negation, traits.Hypothetical, traits.PastHistory, page, extractedAt, extractedBy, sourceType,
		nullInt(audit.DocumentID), audit.RunID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return 1, writeEvent(ctx, tx, audit, "facts", id, "create")
}

// insertRecord runs an INSERT ... ON CONFLICT DO NOTHING and audits the row
// when one was created.
func insertRecord(ctx context.Context, tx *sql.Tx, audit facts.Audit, table, query string, args ...any) (bool, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, err
	}
	return true, writeEvent(ctx, tx, audit, table, id, "create")
}

func updateDocument(ctx context.Context, tx *sql.Tx, documentID int64, category facts.DocumentCategory, date facts.Date, audit facts.Audit) (bool, error) {
	var curCategory, curDate string
	err := tx.QueryRowContext(ctx, "SELECT category, date FROM documents WHERE id = ?", documentID).Scan(&curCategory, &curDate)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("document %d: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return false, err
	}

	newCategory, newDate := curCategory, curDate
	if category != "" {
		newCategory = string(category)
	}
	if date != "" {
		newDate = string(date)
	}
	if newCategory == curCategory && newDate == curDate {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET category = ?, date = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, newCategory, newDate, documentID); err != nil {
		return false, err
	}
	return true, writeEvent(ctx, tx, audit, "documents", documentID, "update")
}

func recordRun(ctx context.Context, tx *sql.Tx, audit facts.Audit, kind string, written int) error {
	if audit.RunID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO extraction_runs (run_id, document_id, model, kind, written)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET written = extraction_runs.written + excluded.written
	`, audit.RunID, nullInt(audit.DocumentID), audit.Model, kind, written)
	return err
}

func writeEvent(ctx context.Context, tx *sql.Tx, audit facts.Audit, table string, rowID int64, action string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO record_events (table_name, row_id, action, run_id, model, document_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, table, rowID, action, audit.RunID, audit.Model, nullInt(audit.DocumentID))
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
