package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Each step's statements run in one transaction together with the
// schema_version insert. Append only.
var migrations = []struct {
	version int
	name    string
	stmts   []string
}{
	{1, "base schema", []string{schemaSQL}},
	{2, "index record_events by run and row", []string{
		"CREATE INDEX IF NOT EXISTS idx_record_events_run ON record_events(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_record_events_row ON record_events(table_name, row_id)",
	}},
}

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// Migrate brings the database up to the latest schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("creating schema_version: %w", err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		s.log.Info().Int("version", m.version).Str("name", m.name).Msg("migrating")
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version, name) VALUES (?, ?)", m.version, m.name)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}
