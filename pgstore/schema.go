package pgstore

// schemaSQL mirrors the SQLite schema. Case-insensitive natural keys are
// unique indexes on lower(name).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS patients (
    id BIGSERIAL PRIMARY KEY,
    first_name TEXT NOT NULL,
    last_name TEXT NOT NULL,
    date_of_birth TEXT NOT NULL DEFAULT '1900-01-01',
    phn TEXT,
    email TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_patients_key ON patients (lower(first_name), lower(last_name), date_of_birth);

CREATE TABLE IF NOT EXISTS documents (
    id BIGSERIAL PRIMARY KEY,
    patient_id BIGINT REFERENCES patients(id) ON DELETE SET NULL,
    name TEXT NOT NULL,
    content_type TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    date TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entities (
    id BIGSERIAL PRIMARY KEY,
    patient_id BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL,
    properties JSONB
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_entities_key ON entities (patient_id, entity_type, lower(name));

CREATE TABLE IF NOT EXISTS predicates (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS facts (
    id BIGSERIAL PRIMARY KEY,
    patient_id BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    subject_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    predicate_id BIGINT NOT NULL REFERENCES predicates(id),
    object_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    predicate_raw TEXT,
    properties JSONB NOT NULL DEFAULT '{}',
    negation BOOLEAN NOT NULL DEFAULT false,
    hypothetical BOOLEAN NOT NULL DEFAULT false,
    past_history BOOLEAN NOT NULL DEFAULT false,
    page INTEGER,
    extracted_at TIMESTAMPTZ,
    extracted_by TEXT,
    source_type TEXT,
    document_id BIGINT REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    UNIQUE (subject_id, predicate_id, object_id, properties, negation, hypothetical, past_history)
);

CREATE TABLE IF NOT EXISTS conditions (
    id BIGSERIAL PRIMARY KEY,
    patient_id BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'unknown',
    onset TEXT NOT NULL DEFAULT '',
    abatement TEXT NOT NULL DEFAULT '',
    unattested BOOLEAN NOT NULL DEFAULT true,
    document_id BIGINT REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_conditions_key ON conditions (patient_id, lower(name));

CREATE TABLE IF NOT EXISTS immunizations (
    id BIGSERIAL PRIMARY KEY,
    patient_id BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    date TEXT NOT NULL DEFAULT '',
    unattested BOOLEAN NOT NULL DEFAULT true,
    document_id BIGINT REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_immunizations_key ON immunizations (patient_id, lower(name), date);

CREATE TABLE IF NOT EXISTS practitioners (
    id BIGSERIAL PRIMARY KEY,
    patient_id BIGINT NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    unattested BOOLEAN NOT NULL DEFAULT true,
    document_id BIGINT REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_practitioners_key ON practitioners (patient_id, lower(name));

CREATE TABLE IF NOT EXISTS extraction_runs (
    run_id TEXT PRIMARY KEY,
    document_id BIGINT,
    model TEXT NOT NULL,
    kind TEXT NOT NULL,
    written INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS record_events (
    id BIGSERIAL PRIMARY KEY,
    table_name TEXT NOT NULL,
    row_id BIGINT NOT NULL,
    action TEXT NOT NULL,
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    document_id BIGINT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_record_events_run ON record_events (run_id);
CREATE INDEX IF NOT EXISTS idx_facts_patient ON facts (patient_id);
`
