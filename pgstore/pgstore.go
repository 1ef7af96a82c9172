// Package pgstore implements the deduplicating persistence contract on
// PostgreSQL. Natural keys and audit rows match package store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/facts"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/store"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type txKey struct{}

// Store is a PostgreSQL sink.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Config configures the connection pool.
type Config struct {
	URL      string `json:"url" yaml:"url"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns" split_words:"true"`
	MinConns int32  `json:"min_conns" yaml:"min_conns" split_words:"true"`
}

// New connects, pings and creates the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, log: logger.NewLogger("pgstore")}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok && tx != nil {
		return tx
	}
	return s.pool
}

// inTx runs fn in a transaction carried by ctx. Nested calls join the outer
// transaction.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetOrCreatePatient returns the patient with p's natural key, creating it
// when absent.
func (s *Store) GetOrCreatePatient(ctx context.Context, p store.Patient) (int64, error) {
	if p.DateOfBirth == "" {
		p.DateOfBirth = store.DefaultDateOfBirth
	}
	return s.getOrCreate(ctx,
		`INSERT INTO patients (first_name, last_name, date_of_birth, phn, email)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		 ON CONFLICT DO NOTHING RETURNING id`,
		[]any{p.FirstName, p.LastName, p.DateOfBirth, p.PHN, p.Email},
		`SELECT id FROM patients WHERE lower(first_name) = lower($1) AND lower(last_name) = lower($2) AND date_of_birth = $3`,
		[]any{p.FirstName, p.LastName, p.DateOfBirth})
}

// CreateDocument registers a document.
func (s *Store) CreateDocument(ctx context.Context, d store.Document) (int64, error) {
	var id int64
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO documents (patient_id, name, content_type, category, date)
		VALUES (NULLIF($1, 0), $2, $3, $4, $5) RETURNING id
	`, d.PatientID, d.Name, d.ContentType, string(d.Category), string(d.Date)).Scan(&id)
	return id, err
}

// SetDocumentPatient attributes a document to a patient when it has none.
func (s *Store) SetDocumentPatient(ctx context.Context, documentID, patientID int64) (bool, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE documents SET patient_id = $2, updated_at = now()
		WHERE id = $1 AND patient_id IS NULL
	`, documentID, patientID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id int64) (*store.Document, error) {
	var d store.Document
	var patientID *int64
	var category, date string
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, name, content_type, category, date
		FROM documents WHERE id = $1
	`, id).Scan(&d.ID, &patientID, &d.Name, &d.ContentType, &category, &date)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if patientID != nil {
		d.PatientID = *patientID
	}
	d.Category, d.Date = facts.DocumentCategory(category), facts.Date(date)
	return &d, nil
}

// UpdateDocument sets non-empty category and date values that differ from
// the stored ones and reports whether anything changed.
func (s *Store) UpdateDocument(ctx context.Context, documentID int64, category facts.DocumentCategory, date facts.Date, audit facts.Audit) (bool, error) {
	var changed bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		tag, err := s.conn(ctx).Exec(ctx, `
			UPDATE documents SET
				category = COALESCE(NULLIF($2, ''), category),
				date = COALESCE(NULLIF($3, ''), date),
				updated_at = now()
			WHERE id = $1
			  AND (COALESCE(NULLIF($2, ''), category), COALESCE(NULLIF($3, ''), date)) IS DISTINCT FROM (category, date)
		`, documentID, string(category), string(date))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := s.conn(ctx).QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1)", documentID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("document %d: %w", documentID, store.ErrNotFound)
			}
			return nil
		}
		changed = true
		return s.writeEvent(ctx, audit, "documents", documentID, "update")
	})
	return changed, err
}

// PersistTriples writes one unit's facts in a transaction.
func (s *Store) PersistTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) (int64, int, error) {
	var written int
	resolved := patientID
	err := s.inTx(ctx, func(ctx context.Context) error {
		written = 0
		if resolved == 0 && len(triples) > 0 {
			p, ok := store.PatientFromTriples(triples)
			if !ok {
				return store.ErrNoPatient
			}
			id, err := s.GetOrCreatePatient(ctx, p)
			if err != nil {
				return fmt.Errorf("resolving patient: %w", err)
			}
			resolved = id
		}
		for i, t := range triples {
			n, err := s.insertFact(ctx, resolved, t, audit)
			if err != nil {
				return fmt.Errorf("fact %d %s: %w", i, t.Pattern(), err)
			}
			written += n
		}
		return s.recordRun(ctx, audit, "triples", written)
	})
	if err != nil {
		return 0, 0, err
	}
	s.log.Debug().Str("run_id", audit.RunID).Int64("patient_id", resolved).Int("written", written).Msg("persisted triples")
	return resolved, written, nil
}

// PersistRecords writes whole-document records and metadata in a
// transaction.
func (s *Store) PersistRecords(ctx context.Context, documentID int64, resp facts.RecordsResponse, audit facts.Audit) (facts.CreatedCounts, error) {
	var counts facts.CreatedCounts
	if audit.DocumentID == 0 {
		audit.DocumentID = documentID
	}
	err := s.inTx(ctx, func(ctx context.Context) error {
		counts = facts.CreatedCounts{}
		doc, err := s.GetDocument(ctx, documentID)
		if err != nil {
			return err
		}
		if doc.PatientID == 0 {
			return fmt.Errorf("document %d: %w", documentID, store.ErrNoPatient)
		}
		if _, err := s.UpdateDocument(ctx, documentID, resp.DocumentCategory, resp.DocumentDate, audit); err != nil {
			return err
		}

		for _, c := range resp.Conditions {
			status := c.Status
			if status == "" {
				status = facts.StatusUnknown
			}
			// TODO: decide with product whether a repeat match should update
			// onset/abatement; today an existing condition is left as is.
			created, err := s.insertRecord(ctx, audit, "conditions", `
				INSERT INTO conditions (patient_id, name, status, onset, abatement, document_id, run_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT DO NOTHING RETURNING id
			`, doc.PatientID, strings.TrimSpace(c.Name), string(status), string(c.Onset), string(c.Abatement), documentID, audit.RunID)
			if err != nil {
				return fmt.Errorf("condition %q: %w", c.Name, err)
			}
			if created {
				counts.Conditions++
			}
		}
		for _, im := range resp.Immunizations {
			created, err := s.insertRecord(ctx, audit, "immunizations", `
				INSERT INTO immunizations (patient_id, name, date, document_id, run_id)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT DO NOTHING RETURNING id
			`, doc.PatientID, strings.TrimSpace(im.Name), string(im.Date), documentID, audit.RunID)
			if err != nil {
				return fmt.Errorf("immunization %q: %w", im.Name, err)
			}
			if created {
				counts.Immunizations++
			}
		}
		for _, pr := range resp.Practitioners {
			created, err := s.insertRecord(ctx, audit, "practitioners", `
				INSERT INTO practitioners (patient_id, name, document_id, run_id)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING RETURNING id
			`, doc.PatientID, strings.TrimSpace(pr.Name), documentID, audit.RunID)
			if err != nil {
				return fmt.Errorf("practitioner %q: %w", pr.Name, err)
			}
			if created {
				counts.Practitioners++
			}
		}
		return s.recordRun(ctx, audit, "records", counts.Total())
	})
	if err != nil {
		return facts.CreatedCounts{}, err
	}
	s.log.Info().Str("run_id", audit.RunID).Int64("document_id", documentID).Int("created", counts.Total()).Msg("persisted records")
	return counts, nil
}

// Events lists the audited mutations made by one extraction run.
func (s *Store) Events(ctx context.Context, runID string) ([]store.Event, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT table_name, row_id, action, run_id, model, COALESCE(document_id, 0)
		FROM record_events WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Event, error) {
		var e store.Event
		err := row.Scan(&e.Table, &e.RowID, &e.Action, &e.RunID, &e.Model, &e.DocumentID)
		return e, err
	})
}

func (s *Store) getOrCreate(ctx context.Context, insert string, insertArgs []any, sel string, selArgs []any) (int64, error) {
	var id int64
	err := s.conn(ctx).QueryRow(ctx, insert, insertArgs...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	err = s.conn(ctx).QueryRow(ctx, sel, selArgs...).Scan(&id)
	return id, err
}

func (s *Store) entity(ctx context.Context, patientID int64, e facts.EntityRef) (int64, error) {
	name := store.EntityName(e)
	return s.getOrCreate(ctx,
		`INSERT INTO entities (patient_id, entity_type, name, properties)
		 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING RETURNING id`,
		[]any{patientID, string(e.EntityType), name, e.Node},
		`SELECT id FROM entities WHERE patient_id = $1 AND entity_type = $2 AND lower(name) = lower($3)`,
		[]any{patientID, string(e.EntityType), name})
}

func (s *Store) insertFact(ctx context.Context, patientID int64, t facts.Triple, audit facts.Audit) (int, error) {
	if t.NormalizedPredicate == nil || t.Object == nil {
		return 0, errors.New("incomplete triple")
	}
	if t.Provenance == nil {
		return 0, store.ErrNoProvenance
	}
	subj, err := s.entity(ctx, patientID, t.Subject)
	if err != nil {
		return 0, fmt.Errorf("subject: %w", err)
	}
	obj, err := s.entity(ctx, patientID, *t.Object)
	if err != nil {
		return 0, fmt.Errorf("object: %w", err)
	}
	name := string(t.NormalizedPredicate.PredicateType)
	pred, err := s.getOrCreate(ctx,
		"INSERT INTO predicates (name) VALUES ($1) ON CONFLICT DO NOTHING RETURNING id", []any{name},
		"SELECT id FROM predicates WHERE name = $1", []any{name})
	if err != nil {
		return 0, fmt.Errorf("predicate: %w", err)
	}
	props, err := store.CanonicalProperties(t.NormalizedPredicate.Properties)
	if err != nil {
		return 0, fmt.Errorf("properties: %w", err)
	}

	p := t.Provenance
	var extractedAt any
	if !p.ExtractedAt.IsZero() {
		extractedAt = p.ExtractedAt
	}
	page, extractedBy, sourceType := p.Page, p.ExtractedBy, string(p.SourceType)

	traits := t.NormalizedPredicate.Traits
	var id int64
	err = s.conn(ctx).QueryRow(ctx, `
		INSERT INTO facts (patient_id, subject_id, predicate_id, object_id, predicate_raw, properties,
			negation, hypothetical, past_history, page, extracted_at, extracted_by, source_type,
			document_id, run_id)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), NULLIF($14, 0), $15)
		ON CONFLICT DO NOTHING RETURNING id
	`, patientID, subj, pred, obj, t.PredicateRaw, props,
		traits.Negation, traits.Hypothetical, traits.PastHistory, page, extractedAt, extractedBy, sourceType,
		audit.DocumentID, audit.RunID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return 1, s.writeEvent(ctx, audit, "facts", id, "create")
}

func (s *Store) insertRecord(ctx context.Context, audit facts.Audit, table, query string, args ...any) (bool, error) {
	var id int64
	err := s.conn(ctx).QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.writeEvent(ctx, audit, table, id, "create")
}

func (s *Store) recordRun(ctx context.Context, audit facts.Audit, kind string, written int) error {
	if audit.RunID == "" {
		return nil
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO extraction_runs (run_id, document_id, model, kind, written)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET written = extraction_runs.written + excluded.written
	`, audit.RunID, audit.DocumentID, audit.Model, kind, written)
	return err
}

func (s *Store) writeEvent(ctx context.Context, audit facts.Audit, table string, rowID int64, action string) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO record_events (table_name, row_id, action, run_id, model, document_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0))
	`, table, rowID, action, audit.RunID, audit.Model, audit.DocumentID)
	return err
}
