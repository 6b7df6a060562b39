// Package store persists every pipeline artifact in SQLite and enforces the
// immutability contract: once a row's is_immutable flag is set, any further
// mutation or deletion fails fast. All read-modify-write paths run inside a
// transaction and re-read the row before touching it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding all pipeline artifacts.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the artifact database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		// A plain :memory: DSN gives every pooled connection its own
		// database; share one cache and pin the pool to a single conn.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	pragmas := `
	PRAGMA foreign_keys = ON;
	PRAGMA busy_timeout = 5000;
	`
	if _, err := s.db.Exec(pragmas); err != nil {
		return err
	}
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a transaction, committing on nil error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// now returns the current time as stored timestamps (unix nanoseconds).
func now() int64 { return time.Now().UnixNano() }

// fromUnixNano converts a stored timestamp back to time.Time.
func fromUnixNano(ns int64) time.Time { return time.Unix(0, ns) }

const schema = `
CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS template_versions (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL REFERENCES templates(id),
	version_number INTEGER NOT NULL,
	source_blob_key TEXT NOT NULL,
	parsed_blob_key TEXT,
	parsing_status TEXT NOT NULL,
	parsing_error TEXT,
	content_hash TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE(template_id, version_number)
);

CREATE TABLE IF NOT EXISTS sections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	template_version_id TEXT NOT NULL REFERENCES template_versions(id),
	structural_path TEXT NOT NULL,
	section_type TEXT NOT NULL,
	prompt_config TEXT,
	sequence_order INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(template_version_id, structural_path)
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	template_version_id TEXT NOT NULL REFERENCES template_versions(id),
	current_version INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	version_number INTEGER NOT NULL,
	rendered_blob_key TEXT NOT NULL,
	generation_metadata TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE(document_id, version_number)
);

CREATE TABLE IF NOT EXISTS generation_input_batches (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	template_version_id TEXT NOT NULL REFERENCES template_versions(id),
	version_intent INTEGER NOT NULL,
	status TEXT NOT NULL,
	content_hash TEXT,
	is_immutable INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(document_id, version_intent)
);

CREATE TABLE IF NOT EXISTS generation_inputs (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES generation_input_batches(id),
	section_id INTEGER NOT NULL REFERENCES sections(id),
	sequence_order INTEGER NOT NULL,
	structural_path TEXT NOT NULL,
	hierarchy_context TEXT,
	prompt_config TEXT,
	client_data TEXT,
	surrounding_context TEXT,
	input_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generation_inputs_batch ON generation_inputs(batch_id);

CREATE TABLE IF NOT EXISTS section_output_batches (
	id TEXT PRIMARY KEY,
	input_batch_id TEXT NOT NULL UNIQUE REFERENCES generation_input_batches(id),
	document_id TEXT NOT NULL REFERENCES documents(id),
	version_intent INTEGER NOT NULL,
	status TEXT NOT NULL,
	total_sections INTEGER NOT NULL DEFAULT 0,
	completed_sections INTEGER NOT NULL DEFAULT 0,
	failed_sections INTEGER NOT NULL DEFAULT 0,
	is_immutable INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS section_outputs (
	id TEXT PRIMARY KEY,
	batch_id TEXT NOT NULL REFERENCES section_output_batches(id),
	generation_input_id TEXT NOT NULL REFERENCES generation_inputs(id),
	section_id INTEGER NOT NULL,
	sequence_order INTEGER NOT NULL,
	status TEXT NOT NULL,
	generated_content TEXT,
	content_length INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT,
	error_code TEXT,
	failure_category TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	retry_history TEXT,
	validation_result TEXT,
	generation_metadata TEXT,
	is_immutable INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_section_outputs_batch ON section_outputs(batch_id);
CREATE INDEX IF NOT EXISTS idx_section_outputs_hash ON section_outputs(content_hash);

CREATE TABLE IF NOT EXISTS assembled_documents (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	template_version_id TEXT NOT NULL REFERENCES template_versions(id),
	version_intent INTEGER NOT NULL,
	section_output_batch_id TEXT NOT NULL REFERENCES section_output_batches(id),
	status TEXT NOT NULL,
	assembly_hash TEXT,
	total_blocks INTEGER NOT NULL DEFAULT 0,
	static_blocks_count INTEGER NOT NULL DEFAULT 0,
	dynamic_blocks_count INTEGER NOT NULL DEFAULT 0,
	injected_sections_count INTEGER NOT NULL DEFAULT 0,
	assembled_structure TEXT,
	headers TEXT,
	footers TEXT,
	metadata TEXT,
	is_immutable INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(document_id, version_intent)
);

CREATE TABLE IF NOT EXISTS rendered_documents (
	id TEXT PRIMARY KEY,
	assembled_document_id TEXT NOT NULL REFERENCES assembled_documents(id),
	document_id TEXT NOT NULL REFERENCES documents(id),
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	output_blob_key TEXT,
	content_hash TEXT,
	file_size INTEGER NOT NULL DEFAULT 0,
	paragraph_count INTEGER NOT NULL DEFAULT 0,
	heading_count INTEGER NOT NULL DEFAULT 0,
	table_count INTEGER NOT NULL DEFAULT 0,
	list_count INTEGER NOT NULL DEFAULT 0,
	is_immutable INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	UNIQUE(document_id, version)
);
CREATE INDEX IF NOT EXISTS idx_rendered_documents_hash ON rendered_documents(content_hash);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	result TEXT,
	error TEXT,
	worker_id TEXT,
	created_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	action TEXT NOT NULL,
	correlation_id TEXT,
	metadata TEXT,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_id);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);
CREATE INDEX IF NOT EXISTS idx_audit_entity_type ON audit_log(entity_type);
`
