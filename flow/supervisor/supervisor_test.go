package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/registry"
)

// fakeAgentScript writes a tiny POSIX shell script that stands in for the
// real agent executable: it emits a line on each of stdout/stderr, writes
// output.json into its working directory, and exits with exitCode.
func fakeAgentScript(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	body := "#!/bin/sh\n" +
		"echo hello-from-stdout\n" +
		"echo hello-from-stderr 1>&2\n" +
		"echo '{\"result\":\"done\"}' > output.json\n" +
		"exit " + itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("writing fake agent script: %v", err)
	}
	return path
}

func itoa(n int) string {
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

func testSupervisor(t *testing.T, exitCode int) (*Supervisor, flow.Node) {
	t.Helper()
	reg := registry.New()
	reg.Register(testAgentDef())

	cfg := Config{
		Executable:     fakeAgentScript(t, exitCode),
		RootDir:        t.TempDir(),
		HookIngressURL: "http://127.0.0.1:8080",
	}
	sup := New(cfg, reg)
	node := flow.Node{NodeID: "node-1", AgentID: "coder", Label: "do the thing"}
	return sup, node
}

func TestSpawnRunsToCompletionSuccessfully(t *testing.T) {
	sup, node := testSupervisor(t, 0)

	inst, err := sup.Spawn(context.Background(), "flow-1", node, map[string]any{"path": "x"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-inst.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("instance did not finish within timeout")
	}

	if got := inst.Status(); got != StatusStopped {
		t.Errorf("status = %v, want %v", got, StatusStopped)
	}
	if inst.Metrics().ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", inst.Metrics().ExitCode)
	}

	lines := inst.Logs()
	if len(lines) == 0 {
		t.Fatal("expected log lines to be captured")
	}

	out, present, err := sup.Output(inst.InstanceID)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if !present {
		t.Fatal("expected output.json to be present")
	}
	m, _ := out.(map[string]any)
	if m["result"] != "done" {
		t.Errorf("unexpected output: %#v", out)
	}
}

func TestSpawnRecordsErrorStatusOnNonzeroExit(t *testing.T) {
	sup, node := testSupervisor(t, 3)

	inst, err := sup.Spawn(context.Background(), "flow-1", node, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-inst.Done()

	if got := inst.Status(); got != StatusError {
		t.Errorf("status = %v, want %v", got, StatusError)
	}
	if inst.Metrics().ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", inst.Metrics().ExitCode)
	}
}

func TestByNodeReturnsLatestInstance(t *testing.T) {
	sup, node := testSupervisor(t, 0)

	inst, err := sup.Spawn(context.Background(), "flow-1", node, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-inst.Done()

	got, ok := sup.ByNode(node.NodeID)
	if !ok || got.InstanceID != inst.InstanceID {
		t.Errorf("ByNode returned %#v, want %s", got, inst.InstanceID)
	}
}

func TestCleanupRemovesProjectDirectory(t *testing.T) {
	sup, node := testSupervisor(t, 0)

	inst, err := sup.Spawn(context.Background(), "flow-1", node, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	<-inst.Done()

	if err := sup.Cleanup("flow-1"); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if _, err := os.Stat(filepath.Join(sup.cfg.RootDir, "flow-1")); !os.IsNotExist(err) {
		t.Errorf("expected flow directory to be removed, stat err=%v", err)
	}
	if _, ok := sup.Get(inst.InstanceID); ok {
		t.Error("expected instance to be untracked after cleanup")
	}
}

func TestSpawnUnknownAgentFails(t *testing.T) {
	sup, _ := testSupervisor(t, 0)
	node := flow.Node{NodeID: "node-2", AgentID: "no-such-agent"}

	_, err := sup.Spawn(context.Background(), "flow-1", node, nil)
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}
