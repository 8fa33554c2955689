package executor

import "github.com/agentforge-dev/agentforge/flow"

// mergeInputs composes one node's launch inputs per the edge/declared-input
// precedence rule: every incoming edge contributes first (to its
// TargetHandle key, or shallow-merged at the root if TargetHandle is
// empty), then the node's own declared Inputs fill in any key no edge
// already populated. An edge's value always wins over the node's static
// declaration for the same key — declared inputs are defaults, not
// overrides.
func (e *Executor) mergeInputs(node flow.Node) map[string]any {
	inputs := make(map[string]any)
	fromEdge := make(map[string]bool)

	e.mu.Lock()
	outputs := make(map[string]any, len(e.state.Outputs))
	for k, v := range e.state.Outputs {
		outputs[k] = v
	}
	e.mu.Unlock()

	for _, edge := range e.flow.Edges {
		if edge.TargetNodeID != node.NodeID {
			continue
		}
		output, ok := outputs[edge.SourceNodeID]
		if !ok {
			continue
		}
		value := output
		if edge.SourceHandle != "" {
			if m, ok := output.(map[string]any); ok {
				value = m[edge.SourceHandle]
			}
		}
		if edge.TargetHandle != "" {
			inputs[edge.TargetHandle] = value
			fromEdge[edge.TargetHandle] = true
			continue
		}
		if m, ok := value.(map[string]any); ok {
			for k, v := range m {
				inputs[k] = v
				fromEdge[k] = true
			}
		}
	}

	for k, v := range node.Inputs {
		if fromEdge[k] {
			continue
		}
		inputs[k] = v
	}

	return inputs
}
