package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store, for development and single-process
// deployments. Grounded on the teacher's graph/store.SQLiteStore: WAL mode,
// foreign keys on, a busy timeout, auto-migration on open.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// migrates its schema. path may be ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			flow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			flow_snapshot BLOB,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_project ON executions(project_id)`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			node_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			output BLOB,
			error_message TEXT,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			UNIQUE(execution_id, node_id, attempt)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_execution ON node_executions(execution_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrating schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: creating project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, fmt.Errorf("store: getting project: %w", err)
	}
	return p, nil
}

// DeleteProject relies on ON DELETE CASCADE (foreign_keys=ON was set at
// connection open) to remove dependent executions and node_executions.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, e Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, project_id, flow_id, status, flow_snapshot, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.FlowID, e.Status, e.FlowSnapshot, e.StartedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: creating execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (Execution, error) {
	var e Execution
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, flow_id, status, flow_snapshot, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &e.ProjectID, &e.FlowID, &e.Status, &e.FlowSnapshot, &e.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("store: getting execution: %w", err)
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, projectID string) ([]Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, flow_id, status, flow_snapshot, started_at, completed_at
		 FROM executions WHERE project_id = ? ORDER BY started_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: listing executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.FlowID, &e.Status, &e.FlowSnapshot, &e.StartedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("store: scanning execution row: %w", err)
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ? WHERE id = ?`,
		status, completedAt, id)
	if err != nil {
		return fmt.Errorf("store: updating execution status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpsertNodeExecution(ctx context.Context, ne NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, execution_id, node_id, attempt, status, output, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, node_id, attempt) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		ne.ID, ne.ExecutionID, ne.NodeID, ne.Attempt, ne.Status, ne.Output, ne.ErrorMessage, ne.StartedAt, ne.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: upserting node execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListNodeExecutions(ctx context.Context, executionID string) ([]NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, attempt, status, output, error_message, started_at, completed_at
		 FROM node_executions WHERE execution_id = ? ORDER BY node_id, attempt`, executionID)
	if err != nil {
		return nil, fmt.Errorf("store: listing node executions: %w", err)
	}
	defer rows.Close()

	var out []NodeExecution
	for rows.Next() {
		var ne NodeExecution
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&ne.ID, &ne.ExecutionID, &ne.NodeID, &ne.Attempt, &ne.Status, &ne.Output, &ne.ErrorMessage, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("store: scanning node execution row: %w", err)
		}
		if startedAt.Valid {
			ne.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			ne.CompletedAt = &completedAt.Time
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}
