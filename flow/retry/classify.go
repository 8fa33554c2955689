package retry

import (
	"strings"

	"github.com/agentforge-dev/agentforge/flow"
)

// Classify maps a raw error string (as reported by an agent via
// /agent-error, or a timeout/spawn failure detected by the Supervisor) to
// one of the eight error kinds spec.md §4.2 defines. Matching is
// keyword-based: agents are expected to prefix or mention their error
// category, but any message is accepted and falls back to KindErrRuntime.
func Classify(raw string) flow.ErrorKind {
	lower := strings.ToLower(raw)
	switch {
	case contains(lower, "timeout", "timed out", "deadline exceeded"):
		return flow.KindErrTimeout
	case contains(lower, "network", "connection refused", "dns", "econnreset", "dial tcp"):
		return flow.KindErrNetwork
	case contains(lower, "dependency", "missing module", "import error", "not installed"):
		return flow.KindErrDependency
	case contains(lower, "syntax error", "unexpected token", "parse error"):
		return flow.KindErrSyntax
	case contains(lower, "assert", "expected", "assertion"):
		return flow.KindErrAssertion
	case contains(lower, "logic error", "invariant violated", "incorrect result"):
		return flow.KindErrLogic
	case contains(lower, "performance", "too slow", "exceeded budget"):
		return flow.KindErrPerformance
	default:
		return flow.KindErrRuntime
	}
}

func contains(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
