package store

// schemaSQL is the base DDL. Name columns use NOCASE collation so the unique
// indexes built on them are the case-insensitive natural keys that make
// get-or-create safe under concurrent writers.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS patients (
    id INTEGER PRIMARY KEY,
    first_name TEXT NOT NULL COLLATE NOCASE,
    last_name TEXT NOT NULL COLLATE NOCASE,
    date_of_birth TEXT NOT NULL DEFAULT '1900-01-01',
    phn TEXT,
    email TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(first_name, last_name, date_of_birth)
);

-- Uploaded clinical documents and their inferred metadata
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY,
    patient_id INTEGER REFERENCES patients(id) ON DELETE SET NULL,
    name TEXT NOT NULL,
    content_type TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    date TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Fact graph: entity instances scoped to a patient
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    entity_type TEXT NOT NULL,
    name TEXT NOT NULL COLLATE NOCASE,
    properties JSON,
    UNIQUE(patient_id, entity_type, name)
);

CREATE TABLE IF NOT EXISTS predicates (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS facts (
    id INTEGER PRIMARY KEY,
    patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    subject_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    predicate_id INTEGER NOT NULL REFERENCES predicates(id),
    object_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    predicate_raw TEXT,
    properties JSON NOT NULL DEFAULT '{}',
    negation INTEGER NOT NULL DEFAULT 0,
    hypothetical INTEGER NOT NULL DEFAULT 0,
    past_history INTEGER NOT NULL DEFAULT 0,
    page INTEGER,
    extracted_at DATETIME,
    extracted_by TEXT,
    source_type TEXT,
    document_id INTEGER REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    UNIQUE(subject_id, predicate_id, object_id, properties, negation, hypothetical, past_history)
);

-- Typed records
CREATE TABLE IF NOT EXISTS conditions (
    id INTEGER PRIMARY KEY,
    patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    name TEXT NOT NULL COLLATE NOCASE,
    status TEXT NOT NULL DEFAULT 'unknown',
    onset TEXT NOT NULL DEFAULT '',
    abatement TEXT NOT NULL DEFAULT '',
    unattested INTEGER NOT NULL DEFAULT 1,
    document_id INTEGER REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(patient_id, name)
);

CREATE TABLE IF NOT EXISTS immunizations (
    id INTEGER PRIMARY KEY,
    patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    name TEXT NOT NULL COLLATE NOCASE,
    date TEXT NOT NULL DEFAULT '',
    unattested INTEGER NOT NULL DEFAULT 1,
    document_id INTEGER REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(patient_id, name, date)
);

CREATE TABLE IF NOT EXISTS practitioners (
    id INTEGER PRIMARY KEY,
    patient_id INTEGER NOT NULL REFERENCES patients(id) ON DELETE CASCADE,
    name TEXT NOT NULL COLLATE NOCASE,
    unattested INTEGER NOT NULL DEFAULT 1,
    document_id INTEGER REFERENCES documents(id) ON DELETE SET NULL,
    run_id TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(patient_id, name)
);

-- Audit trail
CREATE TABLE IF NOT EXISTS extraction_runs (
    run_id TEXT PRIMARY KEY,
    document_id INTEGER,
    model TEXT NOT NULL,
    kind TEXT NOT NULL,
    written INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS record_events (
    id INTEGER PRIMARY KEY,
    table_name TEXT NOT NULL,
    row_id INTEGER NOT NULL,
    action TEXT NOT NULL,
    run_id TEXT NOT NULL,
    model TEXT NOT NULL,
    document_id INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_patient ON documents(patient_id);
CREATE INDEX IF NOT EXISTS idx_facts_patient ON facts(patient_id);
CREATE INDEX IF NOT EXISTS idx_facts_document ON facts(document_id);
CREATE INDEX IF NOT EXISTS idx_conditions_patient ON conditions(patient_id);
CREATE INDEX IF NOT EXISTS idx_immunizations_patient ON immunizations(patient_id);
`
