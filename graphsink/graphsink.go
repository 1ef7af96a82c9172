// Package graphsink mirrors persisted facts into Neo4j. The relational store
// stays authoritative; the graph is a read model for traversal queries.
package graphsink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/extract"
	"github.com/brunobiangulo/clinicalfacts/facts"
	"github.com/brunobiangulo/clinicalfacts/logger"
	"github.com/brunobiangulo/clinicalfacts/store"
)

// Writer stores a unit's facts in a graph.
type Writer interface {
	WriteTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) error
}

// Mirror wraps a sink and copies every committed triple batch to a graph.
// Graph failures are logged and never fail the unit.
type Mirror struct {
	next  extract.Sink
	graph Writer
	log   zerolog.Logger
}

// NewMirror decorates next.
func NewMirror(next extract.Sink, graph Writer) *Mirror {
	return &Mirror{next: next, graph: graph, log: logger.NewLogger("graphsink")}
}

func (m *Mirror) PersistTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) (int64, int, error) {
	pid, written, err := m.next.PersistTriples(ctx, patientID, triples, audit)
	if err != nil || len(triples) == 0 {
		return pid, written, err
	}
	if gerr := m.graph.WriteTriples(ctx, pid, triples, audit); gerr != nil {
		m.log.Warn().Err(gerr).Str("run_id", audit.RunID).Int64("patient_id", pid).Msg("graph mirror failed")
	}
	return pid, written, nil
}

func (m *Mirror) PersistRecords(ctx context.Context, documentID int64, resp facts.RecordsResponse, audit facts.Audit) (facts.CreatedCounts, error) {
	return m.next.PersistRecords(ctx, documentID, resp, audit)
}

// Config configures the Neo4j driver.
type Config struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// Neo4j writes facts as (:Entity)-[:FACT]->(:Entity) under a (:Patient).
type Neo4j struct {
	Driver   neo4j.DriverWithContext
	Database string
	log      zerolog.Logger
}

// NewNeo4j connects and verifies connectivity.
func NewNeo4j(ctx context.Context, cfg Config) (*Neo4j, error) {
	user := cfg.User
	if user == "" {
		user = "neo4j"
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(user, cfg.Password, ""), func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = 50
		c.SocketConnectTimeout = 10 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	return &Neo4j{Driver: driver, Database: cfg.Database, log: logger.NewLogger("graphsink")}, nil
}

// Close closes the driver.
func (n *Neo4j) Close(ctx context.Context) error {
	if n == nil || n.Driver == nil {
		return nil
	}
	return n.Driver.Close(ctx)
}

func (n *Neo4j) session(ctx context.Context) neo4j.SessionWithContext {
	return n.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.Database, AccessMode: neo4j.AccessModeWrite})
}

// EnsureSchema creates uniqueness constraints. Failures are logged and
// skipped.
func (n *Neo4j) EnsureSchema(ctx context.Context) {
	session := n.session(ctx)
	defer session.Close(ctx)
	for _, q := range []string{
		`CREATE CONSTRAINT patient_id_unique IF NOT EXISTS FOR (p:Patient) REQUIRE p.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_key_unique IF NOT EXISTS FOR (e:Entity) REQUIRE (e.patient_id, e.type, e.name_norm) IS UNIQUE`,
	} {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			n.log.Warn().Err(err).Msg("neo4j schema init failed (continuing)")
			continue
		}
		_, _ = res.Consume(ctx)
	}
}

const mergeFacts = `
MERGE (p:Patient {id: $patient_id})
WITH p
UNWIND $facts AS f
MERGE (s:Entity {patient_id: $patient_id, type: f.subject_type, name_norm: f.subject_norm})
  ON CREATE SET s.name = f.subject
MERGE (o:Entity {patient_id: $patient_id, type: f.object_type, name_norm: f.object_norm})
  ON CREATE SET o.name = f.object
MERGE (p)-[:HAS_ENTITY]->(s)
MERGE (p)-[:HAS_ENTITY]->(o)
MERGE (s)-[r:FACT {predicate: f.predicate, properties: f.properties,
                   negation: f.negation, hypothetical: f.hypothetical, past_history: f.past_history}]->(o)
  ON CREATE SET r.run_id = $run_id, r.model = $model, r.page = f.page, r.extracted_at = f.extracted_at
`

func (n *Neo4j) WriteTriples(ctx context.Context, patientID int64, triples []facts.Triple, audit facts.Audit) error {
	rows, err := factRows(triples)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	session := n.session(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, mergeFacts, map[string]any{
			"patient_id": patientID,
			"run_id":     audit.RunID,
			"model":      audit.Model,
			"facts":      rows,
		})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

// factRows flattens triples into Cypher parameters. Neo4j properties cannot
// hold maps, so predicate properties travel as canonical JSON.
func factRows(triples []facts.Triple) ([]map[string]any, error) {
	rows := make([]map[string]any, 0, len(triples))
	for _, t := range triples {
		if t.NormalizedPredicate == nil || t.Object == nil {
			continue
		}
		props, err := store.CanonicalProperties(t.NormalizedPredicate.Properties)
		if err != nil {
			return nil, err
		}
		subject, object := store.EntityName(t.Subject), store.EntityName(*t.Object)
		row := map[string]any{
			"subject_type": string(t.Subject.EntityType),
			"subject":      subject,
			"subject_norm": strings.ToLower(subject),
			"object_type":  string(t.Object.EntityType),
			"object":       object,
			"object_norm":  strings.ToLower(object),
			"predicate":    string(t.NormalizedPredicate.PredicateType),
			"properties":   props,
			"negation":     t.NormalizedPredicate.Traits.Negation,
			"hypothetical": t.NormalizedPredicate.Traits.Hypothetical,
			"past_history": t.NormalizedPredicate.Traits.PastHistory,
			"page":         0,
			"extracted_at": nil,
		}
		if p := t.Provenance; p != nil {
			row["page"] = p.Page
			if !p.ExtractedAt.IsZero() {
				row["extracted_at"] = p.ExtractedAt.UTC().Format(time.RFC3339)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// CountFacts returns how many FACT relationships hang off a patient.
func (n *Neo4j) CountFacts(ctx context.Context, patientID int64) (int64, error) {
	session := n.session(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (:Patient {id: $patient_id})-[:HAS_ENTITY]->(s:Entity)-[r:FACT]->(:Entity)
RETURN count(DISTINCT r) AS n`, map[string]any{"patient_id": patientID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		v, _ := rec.Get("n")
		return v, nil
	})
	if err != nil {
		return 0, err
	}
	count, _ := out.(int64)
	return count, nil
}
