package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentforge-dev/agentforge/flow"
	"github.com/agentforge-dev/agentforge/flow/template"
)

// hookScriptTemplate is the body of the three executable hook scripts.
// Each POSTs node_id, its status and output.json's contents (when
// present) to its hook ingress path (spec.md §4.3).
const hookScriptTemplate = `#!/bin/sh
# generated by the agent subprocess supervisor; do not edit by hand
set -e
HOOK_URL="%s/%s"
BODY_FILE="$(mktemp)"
trap 'rm -f "$BODY_FILE"' EXIT

NODE_ID="%s"
OUTPUT_JSON=""
if [ -f "./output.json" ]; then
  OUTPUT_JSON="$(cat ./output.json)"
fi

cat > "$BODY_FILE" <<EOF
{"node_id": "$NODE_ID", "status": "%s", "output": $( [ -n "$OUTPUT_JSON" ] && echo "$OUTPUT_JSON" || echo null )}
EOF

curl -fsS -X POST "$HOOK_URL" -H 'Content-Type: application/json' --data @"$BODY_FILE" >/dev/null 2>&1 || true
`

const hooksJSONTemplate = `{
  "hooks": {
    "stop": "hooks/stop.sh",
    "post-write": "hooks/track-changes.sh",
    "error": "hooks/error.sh"
  }
}
`

// layout describes where a node's project directory and its fixed set of
// materialized files live.
type layout struct {
	root string // <rootDir>/<flow_id>/<node_id>
}

func newLayout(rootDir, flowID, nodeID string) layout {
	return layout{root: filepath.Join(rootDir, flowID, nodeID)}
}

func (l layout) claudeDir() string  { return filepath.Join(l.root, ".claude") }
func (l layout) hooksDir() string   { return filepath.Join(l.root, "hooks") }
func (l layout) instructionsMD() string { return filepath.Join(l.root, "instructions.md") }
func (l layout) hooksJSON() string  { return filepath.Join(l.claudeDir(), "hooks.json") }
func (l layout) claudeMD() string   { return filepath.Join(l.claudeDir(), "claude.md") }
func (l layout) inputJSON() string  { return filepath.Join(l.root, "input.json") }
func (l layout) outputJSON() string { return filepath.Join(l.root, "output.json") }

// materialize lays out the project directory for one AgentInstance per
// spec.md §4.3: instructions.md, .claude/hooks.json, hooks/*.sh, input.json
// and an optional .claude/claude.md.
func materialize(l layout, hookIngressURL string, node flow.Node, def flow.AgentDefinition, inputData map[string]any) error {
	if err := os.MkdirAll(l.claudeDir(), 0o755); err != nil {
		return fmt.Errorf("creating .claude dir: %w", err)
	}
	if err := os.MkdirAll(l.hooksDir(), 0o755); err != nil {
		return fmt.Errorf("creating hooks dir: %w", err)
	}

	ctx := map[string]any{
		"node":  nodeToMap(node),
		"input_data": inputData,
	}

	instructions := renderInstructions(def, node, ctx)
	if err := os.WriteFile(l.instructionsMD(), []byte(instructions), 0o644); err != nil {
		return fmt.Errorf("writing instructions.md: %w", err)
	}

	if err := os.WriteFile(l.hooksJSON(), []byte(hooksJSONTemplate), 0o644); err != nil {
		return fmt.Errorf("writing hooks.json: %w", err)
	}

	if err := writeHookScript(l.hooksDir(), "stop.sh", hookIngressURL, "agent-complete", node.NodeID, "completed"); err != nil {
		return err
	}
	if err := writeHookScript(l.hooksDir(), "track-changes.sh", hookIngressURL, "file-changed", node.NodeID, "running"); err != nil {
		return err
	}
	if err := writeHookScript(l.hooksDir(), "error.sh", hookIngressURL, "agent-error", node.NodeID, "error"); err != nil {
		return err
	}

	if len(inputData) > 0 {
		data, err := json.MarshalIndent(inputData, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling input_data: %w", err)
		}
		if err := os.WriteFile(l.inputJSON(), data, 0o644); err != nil {
			return fmt.Errorf("writing input.json: %w", err)
		}
	}

	if def.ClaudeMD != "" {
		rendered := template.Interpolate(def.ClaudeMD, ctx)
		if err := os.WriteFile(l.claudeMD(), []byte(rendered), 0o644); err != nil {
			return fmt.Errorf("writing claude.md: %w", err)
		}
	}

	return nil
}

func writeHookScript(dir, name, ingressURL, path, nodeID, status string) error {
	body := fmt.Sprintf(hookScriptTemplate, ingressURL, path, nodeID, status)
	dest := filepath.Join(dir, name)
	if err := os.WriteFile(dest, []byte(body), 0o755); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// renderInstructions composes instructions.md from the agent's base
// template, the node's own instructions text, and the agent's contextual
// template, each interpolated against ctx, with the output.json directive
// appended (spec.md §4.3).
func renderInstructions(def flow.AgentDefinition, node flow.Node, ctx map[string]any) string {
	base := template.Interpolate(def.InstructionsTemplate.Base, ctx)
	contextual := template.Interpolate(def.InstructionsTemplate.Contextual, ctx)

	out := base
	if node.Instructions != "" {
		out += "\n\n" + template.Interpolate(node.Instructions, ctx)
	}
	if contextual != "" {
		out += "\n\n" + contextual
	}
	out += "\n\nWrite your final result to output.json in this directory when complete.\n"
	return out
}

func nodeToMap(n flow.Node) map[string]any {
	return map[string]any{
		"node_id":      n.NodeID,
		"agent_id":     n.AgentID,
		"label":        n.Label,
		"instructions": n.Instructions,
		"inputs":       n.Inputs,
	}
}

// readOutputJSON reads and parses output.json if present, returning
// (nil, false) if it does not exist yet.
func readOutputJSON(l layout) (any, bool, error) {
	data, err := os.ReadFile(l.outputJSON())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, true, fmt.Errorf("parsing output.json: %w", err)
	}
	return out, true, nil
}
