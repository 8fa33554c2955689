// Package registry models the read-only agent catalog spec.md §1 treats as
// an external collaborator ("the catalog of agent definitions ... keyed by
// agent id"). It provides only the lookup contract the rest of the engine
// depends on, plus a small in-memory/YAML-backed implementation so the
// engine is runnable end-to-end in tests and examples without a real
// external service.
package registry

import (
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/agentforge-dev/agentforge/flow"
)

// Lookup is the contract the Supervisor and Flow Executor depend on: a
// read-only, concurrency-safe lookup from agent_id to AgentDefinition.
type Lookup interface {
	Get(agentID string) (flow.AgentDefinition, error)
}

// Registry is an in-memory Lookup implementation, loadable from YAML. It is
// safe for concurrent reads; writes (Register) are expected only during
// startup/seeding, matching spec.md's characterization of the catalog as a
// read-only registry from the engine's point of view.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]flow.AgentDefinition
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]flow.AgentDefinition)}
}

// Register adds or replaces one AgentDefinition.
func (r *Registry) Register(def flow.AgentDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[def.AgentID] = def
}

// Get implements Lookup.
func (r *Registry) Get(agentID string) (flow.AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.agents[agentID]
	if !ok {
		return flow.AgentDefinition{}, &flow.EngineError{
			Code:    flow.KindUnknownAgent,
			Message: "unknown agent " + agentID,
		}
	}
	return def, nil
}

// yamlDoc is the on-disk shape of a registry seed file: a top-level list of
// agent definitions.
type yamlDoc struct {
	Agents []flow.AgentDefinition `yaml:"agents"`
}

// LoadYAML parses a YAML document of the form `agents: [...]` and registers
// every entry. Used to seed a Registry from a static catalog file at
// process startup (template seeding itself, per spec.md §1, is external
// glue — this just parses the resulting file).
func LoadYAML(data []byte) (*Registry, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing agent registry yaml: %w", err)
	}
	r := New()
	for _, def := range doc.Agents {
		r.Register(def)
	}
	return r, nil
}
