package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// runStoreContract exercises the full Store interface against a fresh
// implementation, mirroring the teacher's pattern of sharing one
// table-driven contract across MemStore/SQLiteStore/MySQLStore.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	proj := Project{ID: "proj-1", Name: "demo", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	if err := s.CreateProject(ctx, proj); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	got, err := s.GetProject(ctx, proj.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != proj.Name {
		t.Fatalf("GetProject name = %q, want %q", got.Name, proj.Name)
	}

	if _, err := s.GetProject(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("GetProject(missing) err = %v, want ErrNotFound", err)
	}

	exec := Execution{
		ID:           "exec-1",
		ProjectID:    proj.ID,
		FlowID:       "flow-1",
		Status:       "running",
		FlowSnapshot: []byte(`{"id":"flow-1"}`),
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	gotExec, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if gotExec.Status != "running" || gotExec.ProjectID != proj.ID {
		t.Fatalf("GetExecution = %+v, want matching project/status", gotExec)
	}
	if gotExec.CompletedAt != nil {
		t.Fatalf("GetExecution.CompletedAt = %v, want nil before completion", gotExec.CompletedAt)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateExecutionStatus(ctx, exec.ID, "completed", &now); err != nil {
		t.Fatalf("UpdateExecutionStatus: %v", err)
	}
	gotExec, err = s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution after update: %v", err)
	}
	if gotExec.Status != "completed" || gotExec.CompletedAt == nil {
		t.Fatalf("GetExecution after update = %+v, want completed with CompletedAt set", gotExec)
	}

	if err := s.UpdateExecutionStatus(ctx, "missing", "completed", &now); err != ErrNotFound {
		t.Fatalf("UpdateExecutionStatus(missing) err = %v, want ErrNotFound", err)
	}

	list, err := s.ListExecutions(ctx, proj.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("ListExecutions length = %d, want 1", len(list))
	}

	ne := NodeExecution{ID: "ne-1", ExecutionID: exec.ID, NodeID: "n1", Attempt: 1, Status: "running"}
	if err := s.UpsertNodeExecution(ctx, ne); err != nil {
		t.Fatalf("UpsertNodeExecution insert: %v", err)
	}
	ne.Status = "completed"
	ne.Output = []byte(`{"ok":true}`)
	if err := s.UpsertNodeExecution(ctx, ne); err != nil {
		t.Fatalf("UpsertNodeExecution update: %v", err)
	}

	nodeExecs, err := s.ListNodeExecutions(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListNodeExecutions: %v", err)
	}
	if len(nodeExecs) != 1 {
		t.Fatalf("ListNodeExecutions length = %d, want 1 (upsert must not duplicate)", len(nodeExecs))
	}
	if nodeExecs[0].Status != "completed" {
		t.Fatalf("ListNodeExecutions[0].Status = %q, want completed (upsert must overwrite)", nodeExecs[0].Status)
	}

	// Cascade delete: removing the project must remove its execution and
	// that execution's node executions (spec.md §6).
	if err := s.DeleteProject(ctx, proj.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := s.GetExecution(ctx, exec.ID); err != ErrNotFound {
		t.Fatalf("GetExecution after cascade delete err = %v, want ErrNotFound", err)
	}
	remaining, err := s.ListNodeExecutions(ctx, exec.ID)
	if err != nil {
		t.Fatalf("ListNodeExecutions after cascade delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("ListNodeExecutions after cascade delete = %v, want none", remaining)
	}
}

func TestMemStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemStore())
}

func TestSQLiteStore_Contract(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)
}

func TestMySQLStore_Contract(t *testing.T) {
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skipping MySQL contract test: TEST_MYSQL_DSN not set")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	defer s.Close()
	runStoreContract(t, s)
}
