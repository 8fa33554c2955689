package registry

import (
	"errors"
	"testing"

	"github.com/agentforge-dev/agentforge/flow"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New()
	r.Register(flow.AgentDefinition{AgentID: "coder", Category: "dev"})

	got, err := r.Get("coder")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Category != "dev" {
		t.Fatalf("Get: want Category=dev, got %q", got.Category)
	}
}

func TestRegistry_GetUnknownAgent(t *testing.T) {
	r := New()
	_, err := r.Get("ghost")
	var ee *flow.EngineError
	if !errors.As(err, &ee) || ee.Code != flow.KindUnknownAgent {
		t.Fatalf("Get(unknown): want EngineError{Code: KindUnknownAgent}, got %v", err)
	}
}

func TestRegistry_RegisterReplacesExisting(t *testing.T) {
	r := New()
	r.Register(flow.AgentDefinition{AgentID: "coder", Category: "v1"})
	r.Register(flow.AgentDefinition{AgentID: "coder", Category: "v2"})

	got, err := r.Get("coder")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Category != "v2" {
		t.Fatalf("Register twice: want latest definition to win, got Category=%q", got.Category)
	}
}

func TestLoadYAML(t *testing.T) {
	doc := []byte(`
agents:
  - agent_id: reviewer
    category: qa
    instructions_template:
      base: "You are a reviewer."
  - agent_id: coder
    category: dev
`)
	r, err := LoadYAML(doc)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	reviewer, err := r.Get("reviewer")
	if err != nil {
		t.Fatalf("Get(reviewer): %v", err)
	}
	if reviewer.InstructionsTemplate.Base != "You are a reviewer." {
		t.Fatalf("reviewer base template: got %q", reviewer.InstructionsTemplate.Base)
	}
	if _, err := r.Get("coder"); err != nil {
		t.Fatalf("Get(coder): %v", err)
	}
}

func TestLoadYAML_MalformedDocument(t *testing.T) {
	if _, err := LoadYAML([]byte("agents: [this is not a list of maps")); err == nil {
		t.Fatal("LoadYAML with malformed yaml: want error, got nil")
	}
}
