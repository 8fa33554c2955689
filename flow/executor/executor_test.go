package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/registry"
	"github.com/agentforge-dev/agentforge/flow/resolver"
	"github.com/agentforge-dev/agentforge/flow/supervisor"
)

// nodeStatuses reduces an ExecutionResult's per-node state down to just the
// status field, for a plan/state comparison that ignores timestamps and
// output.
func nodeStatuses(result *ExecutionResult) map[string]flow.NodeStatus {
	out := make(map[string]flow.NodeStatus, len(result.Nodes))
	for id, n := range result.Nodes {
		out[id] = n.Status
	}
	return out
}

// writeFakeAgent writes a POSIX shell script standing in for a real agent
// binary: it writes output.json and exits with exitCode.
func writeFakeAgent(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	body := "#!/bin/sh\necho '{\"ok\":true}' > output.json\nexit " + itoaTest(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake agent: %v", err)
	}
	return path
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func buildDeps(f *flow.Flow) (map[string][]string, map[string][]string) {
	r, err := resolver.New(f)
	if err != nil {
		panic(err)
	}
	deps := make(map[string][]string)
	rdeps := make(map[string][]string)
	for _, n := range f.Nodes {
		deps[n.NodeID] = r.Dependencies(n.NodeID)
		rdeps[n.NodeID] = r.Dependents(n.NodeID)
	}
	return deps, rdeps
}

func linearFlow() *flow.Flow {
	return &flow.Flow{
		FlowID: "flow-1",
		Nodes: []flow.Node{
			{NodeID: "a", AgentID: "agent-a"},
			{NodeID: "b", AgentID: "agent-b"},
		},
		Edges: []flow.Edge{
			{EdgeID: "e1", SourceNodeID: "a", TargetNodeID: "b"},
		},
	}
}

func newTestSupervisor(t *testing.T, exitCode int, agentIDs ...string) *supervisor.Supervisor {
	t.Helper()
	reg := registry.New()
	for _, id := range agentIDs {
		reg.Register(flow.AgentDefinition{AgentID: id})
	}
	cfg := supervisor.Config{
		Executable:     writeFakeAgent(t, exitCode),
		RootDir:        t.TempDir(),
		HookIngressURL: "http://127.0.0.1:8080",
	}
	return supervisor.New(cfg, reg)
}

func TestExecuteLinearFlowCompletesSuccessfully(t *testing.T) {
	f := linearFlow()
	deps, rdeps := buildDeps(f)
	sup := newTestSupervisor(t, 0, "agent-a", "agent-b")

	ex := New(Config{Flow: f, Supervisor: sup, MaxParallel: 2}, deps, rdeps)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := ex.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != flow.FlowCompleted {
		t.Fatalf("status = %v, want completed; errors=%v", result.Status, result.Errors)
	}
	want := map[string]flow.NodeStatus{"a": flow.NodeCompleted, "b": flow.NodeCompleted}
	if diff := cmp.Diff(want, nodeStatuses(result)); diff != "" {
		t.Errorf("node statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteFailingAncestorSkipsDescendant(t *testing.T) {
	f := linearFlow()
	deps, rdeps := buildDeps(f)
	sup := newTestSupervisor(t, 7, "agent-a", "agent-b")

	ex := New(Config{Flow: f, Supervisor: sup, MaxParallel: 2}, deps, rdeps)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := ex.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != flow.FlowFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	want := map[string]flow.NodeStatus{"a": flow.NodeFailed, "b": flow.NodeSkipped}
	if diff := cmp.Diff(want, nodeStatuses(result)); diff != "" {
		t.Errorf("node statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestAbortMarksNonTerminalNodesFailed(t *testing.T) {
	f := &flow.Flow{
		FlowID: "flow-2",
		Nodes: []flow.Node{
			{NodeID: "a", AgentID: "agent-a"},
		},
	}
	deps, rdeps := buildDeps(f)

	dir := t.TempDir()
	script := filepath.Join(dir, "slow-agent.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("writing slow agent: %v", err)
	}
	reg := registry.New()
	reg.Register(flow.AgentDefinition{AgentID: "agent-a"})
	sup := supervisor.New(supervisor.Config{
		Executable: script,
		RootDir:    t.TempDir(),
	}, reg)

	ex := New(Config{Flow: f, Supervisor: sup, MaxParallel: 1}, deps, rdeps)

	ctx := context.Background()
	done := make(chan *ExecutionResult, 1)
	go func() {
		result, _ := ex.Execute(ctx)
		done <- result
	}()

	time.Sleep(200 * time.Millisecond)
	ex.Abort()

	select {
	case result := <-done:
		if result.Status != flow.FlowAborted {
			t.Fatalf("status = %v, want aborted", result.Status)
		}
		if result.Nodes["a"].Status != flow.NodeFailed {
			t.Errorf("node a status = %v, want failed", result.Nodes["a"].Status)
		}
		found := false
		for _, e := range result.Errors {
			if e == "aborted" {
				found = true
			}
		}
		if !found {
			t.Errorf("result.Errors = %v, want an \"aborted\" entry", result.Errors)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after Abort")
	}
}

func TestSubmitReviewApprovesAndCompletesNode(t *testing.T) {
	f := &flow.Flow{
		FlowID: "flow-3",
		Nodes: []flow.Node{
			{NodeID: "a", AgentID: "agent-a", Config: flow.NodeConfig{RequiresReview: true}},
		},
	}
	deps, rdeps := buildDeps(f)
	sup := newTestSupervisor(t, 0, "agent-a")

	ex := New(Config{Flow: f, Supervisor: sup, MaxParallel: 1, DefaultReviewTimeout: 5 * time.Second}, deps, rdeps)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan *ExecutionResult, 1)
	go func() {
		result, _ := ex.Execute(ctx)
		done <- result
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(ex.GetActiveReviews()) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := ex.SubmitReview("a", "approve", "looks good", nil); err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}

	select {
	case result := <-done:
		if result.Status != flow.FlowCompleted {
			t.Fatalf("status = %v, want completed", result.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not complete after review approval")
	}
}

// TestExecuteEmptyFlowCompletesImmediately covers spec.md §8's boundary
// case: a flow with no nodes validates successfully and completes
// immediately with no errors, even though I5's sawCompleted condition can
// never be satisfied by an empty node set.
func TestExecuteEmptyFlowCompletesImmediately(t *testing.T) {
	f := &flow.Flow{FlowID: "flow-empty"}
	deps, rdeps := buildDeps(f)
	sup := newTestSupervisor(t, 0)

	ex := New(Config{Flow: f, Supervisor: sup, MaxParallel: 1}, deps, rdeps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := ex.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != flow.FlowCompleted {
		t.Fatalf("status = %v, want completed", result.Status)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("Errors = %v, want empty", result.Errors)
	}
	if len(result.Nodes) != 0 {
		t.Fatalf("Nodes = %v, want empty", result.Nodes)
	}
}
