// Package storage persists analyzer fact streams in a local SQLite
// database for ad-hoc querying.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"tpindex/internal/compunit"
	"tpindex/internal/graph"
)

// Store is a SQLite-backed fact database.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
	path   string
}

// Open opens or creates the fact database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{conn: conn, logger: logger, path: path}
	if err := s.initializeSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Store) initializeSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source_path TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS node_facts (
			run_id TEXT NOT NULL REFERENCES runs(id),
			signature TEXT NOT NULL,
			corpus TEXT NOT NULL,
			root TEXT NOT NULL,
			path TEXT NOT NULL,
			language TEXT NOT NULL,
			fact_name TEXT NOT NULL,
			fact_value BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			run_id TEXT NOT NULL REFERENCES runs(id),
			source_signature TEXT NOT NULL,
			source_corpus TEXT NOT NULL,
			source_root TEXT NOT NULL,
			source_path TEXT NOT NULL,
			source_language TEXT NOT NULL,
			edge_kind TEXT NOT NULL,
			target_signature TEXT NOT NULL,
			target_corpus TEXT NOT NULL,
			target_root TEXT NOT NULL,
			target_path TEXT NOT NULL,
			target_language TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_facts_run ON node_facts(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_run ON edges(run_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Run records the facts of one analyzer invocation inside a transaction.
// It implements graph.Recorder; errors are sticky and surfaced by Commit.
type Run struct {
	ID   string
	tx   *sql.Tx
	err  error
	done bool
}

// NewRun opens a transaction for one analysis of sourcePath.
func (s *Store) NewRun(sourcePath string) (*Run, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	if _, err := tx.Exec(
		`INSERT INTO runs (id, source_path, created_at) VALUES (?, ?, ?)`,
		id, sourcePath, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return nil, err
	}
	s.logger.Debug("opened fact run", "run", id, "source", sourcePath)
	return &Run{ID: id, tx: tx}, nil
}

func (r *Run) exec(query string, args ...interface{}) {
	if r.err != nil || r.done {
		return
	}
	_, r.err = r.tx.Exec(query, args...)
}

// AddNode implements graph.Recorder.
func (r *Run) AddNode(v compunit.VName, kind graph.NodeKind) {
	r.AddProperty(v, "/kythe/node/kind", []byte(kind))
}

// AddProperty implements graph.Recorder.
func (r *Run) AddProperty(v compunit.VName, p graph.Property, value []byte) {
	r.exec(
		`INSERT INTO node_facts (run_id, signature, corpus, root, path, language, fact_name, fact_value)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, v.Signature, v.Corpus, v.Root, v.Path, v.Language, string(p), value,
	)
}

// AddEdge implements graph.Recorder.
func (r *Run) AddEdge(source compunit.VName, kind graph.EdgeKind, target compunit.VName) {
	r.exec(
		`INSERT INTO edges (run_id,
			source_signature, source_corpus, source_root, source_path, source_language,
			edge_kind,
			target_signature, target_corpus, target_root, target_path, target_language)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		source.Signature, source.Corpus, source.Root, source.Path, source.Language,
		string(kind),
		target.Signature, target.Corpus, target.Root, target.Path, target.Language,
	)
}

// Commit finalizes the run. The transaction is rolled back if any insert
// failed.
func (r *Run) Commit() error {
	if r.done {
		return r.err
	}
	r.done = true
	if r.err != nil {
		r.tx.Rollback()
		return r.err
	}
	return r.tx.Commit()
}

// Abort rolls the run back.
func (r *Run) Abort() error {
	if r.done {
		return nil
	}
	r.done = true
	return r.tx.Rollback()
}

// CountFacts returns the number of node facts recorded for a run.
func (s *Store) CountFacts(runID string) (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM node_facts WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

// CountEdges returns the number of edges recorded for a run.
func (s *Store) CountEdges(runID string) (int, error) {
	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM edges WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}
