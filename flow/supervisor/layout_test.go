package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentforge-dev/agentforge/flow"
)

func testAgentDef() flow.AgentDefinition {
	return flow.AgentDefinition{
		AgentID: "coder",
		InstructionsTemplate: flow.InstructionsTemplate{
			Base:       "You are working on {{node.label}}.",
			Contextual: "Input path: {{input_data.path}}",
		},
		ClaudeMD: "Project context for {{node.node_id}}.",
	}
}

func TestMaterializeWritesExpectedFiles(t *testing.T) {
	dir := t.TempDir()
	l := newLayout(dir, "flow-1", "node-1")

	node := flow.Node{NodeID: "node-1", AgentID: "coder", Label: "implement feature"}
	def := testAgentDef()
	input := map[string]any{"path": "src/main.go"}

	if err := materialize(l, "http://localhost:8080", node, def, input); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	for _, want := range []string{
		l.instructionsMD(),
		l.hooksJSON(),
		filepath.Join(l.hooksDir(), "stop.sh"),
		filepath.Join(l.hooksDir(), "track-changes.sh"),
		filepath.Join(l.hooksDir(), "error.sh"),
		l.inputJSON(),
		l.claudeMD(),
	} {
		if _, err := os.Stat(want); err != nil {
			t.Errorf("expected file %s to exist: %v", want, err)
		}
	}

	instructions, err := os.ReadFile(l.instructionsMD())
	if err != nil {
		t.Fatalf("reading instructions.md: %v", err)
	}
	text := string(instructions)
	if !strings.Contains(text, "implement feature") {
		t.Errorf("instructions.md missing base template render: %q", text)
	}
	if !strings.Contains(text, "Input path: src/main.go") {
		t.Errorf("instructions.md missing contextual template render: %q", text)
	}
	if !strings.Contains(text, "output.json") {
		t.Errorf("instructions.md missing output.json directive: %q", text)
	}

	stopScript, err := os.ReadFile(filepath.Join(l.hooksDir(), "stop.sh"))
	if err != nil {
		t.Fatalf("reading stop.sh: %v", err)
	}
	if !strings.Contains(string(stopScript), "http://localhost:8080/agent-complete") {
		t.Errorf("stop.sh missing hook ingress URL: %q", string(stopScript))
	}
}

func TestMaterializeOmitsInputJSONWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	l := newLayout(dir, "flow-1", "node-1")
	node := flow.Node{NodeID: "node-1", AgentID: "coder"}

	if err := materialize(l, "http://localhost:8080", node, testAgentDef(), nil); err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if _, err := os.Stat(l.inputJSON()); !os.IsNotExist(err) {
		t.Errorf("expected input.json to be absent, got err=%v", err)
	}
}

func TestReadOutputJSONMissing(t *testing.T) {
	dir := t.TempDir()
	l := newLayout(dir, "flow-1", "node-1")
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		t.Fatal(err)
	}

	_, present, err := readOutputJSON(l)
	if err != nil {
		t.Fatalf("readOutputJSON: %v", err)
	}
	if present {
		t.Error("expected output.json to be reported absent")
	}
}

func TestReadOutputJSONPresent(t *testing.T) {
	dir := t.TempDir()
	l := newLayout(dir, "flow-1", "node-1")
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(l.outputJSON(), []byte(`{"result":"ok"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, present, err := readOutputJSON(l)
	if err != nil {
		t.Fatalf("readOutputJSON: %v", err)
	}
	if !present {
		t.Fatal("expected output.json to be reported present")
	}
	m, ok := out.(map[string]any)
	if !ok || m["result"] != "ok" {
		t.Errorf("unexpected parsed output: %#v", out)
	}
}
