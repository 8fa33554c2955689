package flow

import "errors"

// ErrorKind is the machine-readable error classification surfaced to
// callers (spec.md §6 "Exit codes / error kinds") and used by the Retry
// Policy to decide retriability (spec.md §4.2).
type ErrorKind string

const (
	KindCyclicDependency     ErrorKind = "CYCLIC_DEPENDENCY"
	KindUnknownNode          ErrorKind = "UNKNOWN_NODE"
	KindUnknownAgent         ErrorKind = "UNKNOWN_AGENT"
	KindSpawnFailed          ErrorKind = "SPAWN_FAILED"
	KindTimeout              ErrorKind = "TIMEOUT"
	KindHookFailed           ErrorKind = "HOOK_FAILED"
	KindOutputValidation     ErrorKind = "OUTPUT_VALIDATION_FAILED"
	KindDependencyFailed     ErrorKind = "DEPENDENCY_FAILED"
	KindReviewRejected       ErrorKind = "REVIEW_REJECTED"
	KindResourceLimit        ErrorKind = "RESOURCE_LIMIT"
	KindNetworkError         ErrorKind = "NETWORK_ERROR"
	KindUnknown              ErrorKind = "UNKNOWN"

	// The following classify node/agent errors for the Retry Policy
	// (spec.md §4.2 "Classification"); they are reported by the agent
	// itself via /agent-error and are distinct from the engine-level
	// kinds above.
	KindErrTimeout     ErrorKind = "timeout"
	KindErrNetwork     ErrorKind = "network"
	KindErrDependency  ErrorKind = "dependency"
	KindErrAssertion   ErrorKind = "assertion"
	KindErrSyntax      ErrorKind = "syntax"
	KindErrLogic       ErrorKind = "logic"
	KindErrPerformance ErrorKind = "performance"
	KindErrRuntime     ErrorKind = "runtime"
)

// NonRetriable reports whether errors of this kind must never be retried,
// regardless of the node's configured max_retries (spec.md §4.2).
func (k ErrorKind) NonRetriable() bool {
	switch k {
	case KindErrAssertion, KindErrSyntax, KindErrLogic:
		return true
	default:
		return false
	}
}

// Sentinel errors for conditions components test with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrClosed            = errors.New("closed")
)

// EngineError is the structured error returned across public API
// boundaries: it carries a machine-readable Code (an ErrorKind), the
// node it concerns (if any), and the underlying cause for %w-unwrapping.
type EngineError struct {
	Message string
	Code    ErrorKind
	FlowID  string
	NodeID  string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return string(e.Code) + ": node " + e.NodeID + ": " + e.Message
	}
	return string(e.Code) + ": " + e.Message
}

func (e *EngineError) Unwrap() error { return e.Cause }

// NewEngineError builds an EngineError with the given code and message.
func NewEngineError(code ErrorKind, nodeID, message string, cause error) *EngineError {
	return &EngineError{Code: code, NodeID: nodeID, Message: message, Cause: cause}
}
