package retry

import (
	"sort"

	"github.com/agentforge-dev/agentforge/flow"
)

// Suggestion is one ranked, deduplicated remediation hint surfaced from a
// prior attempt's error output.
type Suggestion struct {
	Text       string
	Priority   int
	Confidence float64
}

// StackFrame is one frame of a prior attempt's error, kept for context
// enhancement (spec.md §4.2 "top three stack frames").
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// AttemptRecord is the per-attempt detail the retry policy accumulates and
// may fold into the next RetryContext.
type AttemptRecord struct {
	Attempt     int
	Error       *flow.NodeError
	Frames      []StackFrame
	Suggestions []Suggestion
	ErrorCount  int
}

// RetryContext is the structured supplementary input merged into the next
// launch's inputs on retry (spec.md §4.2 "Context enhancement").
type RetryContext struct {
	PriorErrorsByCategory map[flow.ErrorKind][]string `json:"prior_errors_by_category"`
	TopFrames             []StackFrame                `json:"top_frames,omitempty"`
	Suggestions           []Suggestion                `json:"suggestions,omitempty"`
	RegressionWarning     bool                        `json:"regression_warning,omitempty"`
	Env                   map[string]string           `json:"env,omitempty"`
}

// BuildRetryContext composes a RetryContext from the full attempt history
// so far (oldest first). Suggestions are ranked by (priority desc,
// confidence desc) and deduplicated by text; at most the top three
// suggestions and top three stack frames of the most recent attempt are
// kept.
func BuildRetryContext(history []AttemptRecord, env map[string]string) RetryContext {
	rc := RetryContext{
		PriorErrorsByCategory: map[flow.ErrorKind][]string{},
		Env:                   env,
	}
	if len(history) == 0 {
		return rc
	}

	for _, a := range history {
		if a.Error == nil {
			continue
		}
		rc.PriorErrorsByCategory[a.Error.Kind] = append(rc.PriorErrorsByCategory[a.Error.Kind], a.Error.Message)
	}

	latest := history[len(history)-1]
	frames := latest.Frames
	if len(frames) > 3 {
		frames = frames[:3]
	}
	rc.TopFrames = frames

	rc.Suggestions = rankAndDedupeSuggestions(collectSuggestions(history))

	if len(history) >= 2 {
		prev := history[len(history)-2]
		if latest.ErrorCount > prev.ErrorCount {
			rc.RegressionWarning = true
		}
	}
	return rc
}

func collectSuggestions(history []AttemptRecord) []Suggestion {
	var all []Suggestion
	for _, a := range history {
		all = append(all, a.Suggestions...)
	}
	return all
}

func rankAndDedupeSuggestions(in []Suggestion) []Suggestion {
	seen := make(map[string]bool, len(in))
	deduped := make([]Suggestion, 0, len(in))
	for _, s := range in {
		if seen[s.Text] {
			continue
		}
		seen[s.Text] = true
		deduped = append(deduped, s)
	}
	sort.SliceStable(deduped, func(i, j int) bool {
		if deduped[i].Priority != deduped[j].Priority {
			return deduped[i].Priority > deduped[j].Priority
		}
		return deduped[i].Confidence > deduped[j].Confidence
	})
	if len(deduped) > 3 {
		deduped = deduped[:3]
	}
	return deduped
}

// MergeIntoInputs flattens a RetryContext into a node's input map under the
// "retry_context" key, the way the Flow Executor merges it before
// re-dispatching a retried node (spec.md §4.6 "Failure handling").
func (rc RetryContext) MergeIntoInputs(inputs map[string]any) map[string]any {
	if inputs == nil {
		inputs = map[string]any{}
	}
	inputs["retry_context"] = rc
	return inputs
}
