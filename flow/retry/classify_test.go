package retry

import (
	"testing"

	"github.com/agentforge-dev/agentforge/flow"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want flow.ErrorKind
	}{
		{"Error: request timed out after 30s", flow.KindErrTimeout},
		{"dial tcp 10.0.0.1:443: connection refused", flow.KindErrNetwork},
		{"ModuleNotFoundError: missing module 'requests'", flow.KindErrDependency},
		{"AssertionError: expected 4 but got 5", flow.KindErrAssertion},
		{"SyntaxError: unexpected token '}'", flow.KindErrSyntax},
		{"invariant violated: balance went negative", flow.KindErrLogic},
		{"benchmark exceeded budget: too slow", flow.KindErrPerformance},
		{"panic: index out of range", flow.KindErrRuntime},
	}
	for _, c := range cases {
		if got := Classify(c.raw); got != c.want {
			t.Errorf("Classify(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}
