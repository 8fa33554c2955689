// Package template implements the {{a.b.c}} dotted-path interpolation
// spec.md §4.3 describes for rendering a node's instructions.md and
// .claude/claude.md from the agent definition's instruction templates.
// Kept as its own small package.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Interpolate replaces every {{a.b.c}} token in tmpl by resolving the
// dotted path against ctx. A path that resolves to nothing (missing key,
// index out of range, or a non-container intermediate value) leaves the
// literal token in place, exactly as spec.md §4.3 requires.
func Interpolate(tmpl string, ctx map[string]any) string {
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		value, ok := resolve(sub[1], ctx)
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", value)
	})
}

// resolve walks a dotted path ("node.inputs.name") against a root map,
// descending into nested maps ([string]any or map[any]any) and, for
// numeric path segments, into slices.
func resolve(path string, ctx map[string]any) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, part := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[any]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
