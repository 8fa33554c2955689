package template

import "testing"

func TestInterpolate_SimplePath(t *testing.T) {
	ctx := map[string]any{"node": map[string]any{"name": "build-step"}}
	got := Interpolate("Running {{node.name}} now", ctx)
	want := "Running build-step now"
	if got != want {
		t.Fatalf("Interpolate = %q, want %q", got, want)
	}
}

func TestInterpolate_NestedPath(t *testing.T) {
	ctx := map[string]any{
		"inputs": map[string]any{
			"config": map[string]any{"retries": 3},
		},
	}
	got := Interpolate("max retries: {{inputs.config.retries}}", ctx)
	if got != "max retries: 3" {
		t.Fatalf("Interpolate = %q, want %q", got, "max retries: 3")
	}
}

func TestInterpolate_ArrayIndex(t *testing.T) {
	ctx := map[string]any{"files": []any{"a.go", "b.go"}}
	got := Interpolate("first file: {{files.0}}", ctx)
	if got != "first file: a.go" {
		t.Fatalf("Interpolate = %q, want %q", got, "first file: a.go")
	}
}

func TestInterpolate_MissingPathLeavesTokenLiteral(t *testing.T) {
	ctx := map[string]any{"node": map[string]any{"name": "x"}}
	got := Interpolate("value: {{node.missing}}", ctx)
	if got != "value: {{node.missing}}" {
		t.Fatalf("Interpolate with a missing key: want token left in place, got %q", got)
	}
}

func TestInterpolate_IndexOutOfRangeLeavesTokenLiteral(t *testing.T) {
	ctx := map[string]any{"files": []any{"a.go"}}
	got := Interpolate("{{files.5}}", ctx)
	if got != "{{files.5}}" {
		t.Fatalf("Interpolate with out-of-range index: want token left in place, got %q", got)
	}
}

func TestInterpolate_NonContainerIntermediateLeavesTokenLiteral(t *testing.T) {
	ctx := map[string]any{"name": "scalar"}
	got := Interpolate("{{name.nested}}", ctx)
	if got != "{{name.nested}}" {
		t.Fatalf("Interpolate descending into a scalar: want token left in place, got %q", got)
	}
}

func TestInterpolate_MultipleTokens(t *testing.T) {
	ctx := map[string]any{"a": "1", "b": "2"}
	got := Interpolate("{{a}}-{{b}}-{{a}}", ctx)
	if got != "1-2-1" {
		t.Fatalf("Interpolate = %q, want %q", got, "1-2-1")
	}
}

func TestInterpolate_NoTokensReturnsUnchanged(t *testing.T) {
	got := Interpolate("plain text, no tokens here", nil)
	if got != "plain text, no tokens here" {
		t.Fatalf("Interpolate with no tokens: want unchanged, got %q", got)
	}
}
