package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store, for production deployments
// needing multi-worker durability. Grounded on the teacher's
// graph/store.MySQLStore connection-pool tuning and migrate-on-open shape.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a MySQL connection pool against dsn and migrates its
// schema. dsn uses the go-sql-driver/mysql DSN format, e.g.
// "user:pass@tcp(localhost:3306)/agentforge?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			created_at DATETIME NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS executions (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			flow_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			flow_snapshot LONGBLOB,
			started_at DATETIME NOT NULL,
			completed_at DATETIME NULL,
			INDEX idx_executions_project (project_id),
			CONSTRAINT fk_executions_project FOREIGN KEY (project_id)
				REFERENCES projects(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			attempt INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			output LONGBLOB,
			error_message TEXT,
			started_at DATETIME NULL,
			completed_at DATETIME NULL,
			UNIQUE KEY uq_node_execution (execution_id, node_id, attempt),
			INDEX idx_node_executions_execution (execution_id),
			CONSTRAINT fk_node_executions_execution FOREIGN KEY (execution_id)
				REFERENCES executions(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrating schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error { return s.db.Close() }

func (s *MySQLStore) CreateProject(ctx context.Context, p Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: creating project: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetProject(ctx context.Context, id string) (Project, error) {
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

// DeleteProject relies on the FOREIGN KEY ... ON DELETE CASCADE
// constraints declared in migrate to remove dependent executions and
// node_executions.
func (s *MySQLStore) DeleteProject(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deleting project: %w", err)
	}
	return nil
}

func (s *MySQLStore) CreateExecution(ctx context.Context, e Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, project_id, flow_id, status, flow_snapshot, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.FlowID, e.Status, e.FlowSnapshot, e.StartedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: creating execution: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetExecution(ctx context.Context, id string) (Execution, error) {
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

func (s *MySQLStore) ListExecutions(ctx context.Context, projectID string) ([]Execution, error) {
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

func (s *MySQLStore) UpdateExecutionStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
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

func (s *MySQLStore) UpsertNodeExecution(ctx context.Context, ne NodeExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, execution_id, node_id, attempt, status, output, error_message, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			output = VALUES(output),
			error_message = VALUES(error_message),
			started_at = VALUES(started_at),
			completed_at = VALUES(completed_at)`,
		ne.ID, ne.ExecutionID, ne.NodeID, ne.Attempt, ne.Status, ne.Output, ne.ErrorMessage, ne.StartedAt, ne.CompletedAt)
	if err != nil {
		return fmt.Errorf("store: upserting node execution: %w", err)
	}
	return nil
}

func (s *MySQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]NodeExecution, error) {
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
