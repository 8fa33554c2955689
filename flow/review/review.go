// Package review implements the Review Coordinator (spec.md C5): it holds
// human-in-the-loop review requests opened by the Flow Executor, collects
// ReviewFeedback, applies the approve/reject/request-changes completion
// rule, and on timeout resolves per the node's requires_approval setting.
// Its retry-instruction synthesis (suggestion extraction, dedup)
// mirrors flow/retry's RetryContext composition but draws its raw material
// from reviewer comments rather than agent error history.
package review

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentforge-dev/agentforge/flow"
)

// Decision is a single reviewer's verdict on a ReviewRequest.
type Decision string

const (
	DecisionApprove        Decision = "approve"
	DecisionReject         Decision = "reject"
	DecisionRequestChanges Decision = "request-changes"
)

// Severity classifies a piece of feedback.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Status is the terminal outcome of a ReviewRequest.
type Status string

const (
	StatusApproved        Status = "approved"
	StatusRejected         Status = "rejected"
	StatusChangesRequested Status = "changes-requested"
	StatusTimeout          Status = "timeout"
)

// FinalDecision tells the Flow Executor what to do next.
type FinalDecision string

const (
	FinalContinue FinalDecision = "continue"
	FinalRetry    FinalDecision = "retry"
	FinalAbort    FinalDecision = "abort"
)

// ReviewRequest opens a review for one node's completed output.
type ReviewRequest struct {
	NodeID             string
	FlowID             string
	Scope              flow.ReviewScope
	Files              []string
	Criteria           string
	Timeout            time.Duration
	RequiresApproval   bool
	RequiredApprovals  int // default 1 if <= 0
	Metadata           map[string]any
}

// ReviewFeedback is one reviewer's submission against an open request.
type ReviewFeedback struct {
	FeedbackID  string
	NodeID      string
	ReviewerID  string
	Decision    Decision
	Comments    string
	ActionItems []string
	Severity    Severity
	Timestamp   time.Time
}

// ReviewResult is the terminal record of a completed review.
type ReviewResult struct {
	NodeID               string
	Status               Status
	Feedback             []ReviewFeedback
	FinalDecision        FinalDecision
	ModifiedInstructions string
	RetryContext         map[string]any
}

// pending tracks one open request's accumulating state.
type pending struct {
	req       ReviewRequest
	mu        sync.Mutex
	feedback  []ReviewFeedback
	approvals int
	done      chan ReviewResult
	cancel    context.CancelFunc
	resolved  bool
}

// Coordinator manages the set of open review requests for a process. One
// Coordinator instance is shared by however many flows are running
// concurrently; requests are independent so no flow-wide lock is needed.
type Coordinator struct {
	mu      sync.RWMutex
	active  map[string]*pending      // node_id -> pending
	history map[string][]ReviewResult // node_id -> past results
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		active:  make(map[string]*pending),
		history: make(map[string][]ReviewResult),
	}
}

// Open registers a new review request and starts its timeout clock. The
// returned channel receives exactly one ReviewResult when the review
// completes, whether by feedback or by timeout; the caller (Flow Executor)
// should select on it alongside its own cancellation signal.
func (c *Coordinator) Open(ctx context.Context, req ReviewRequest) (<-chan ReviewResult, error) {
	if req.NodeID == "" {
		return nil, fmt.Errorf("review: node_id is required")
	}
	if req.RequiredApprovals <= 0 {
		req.RequiredApprovals = 1
	}

	timeoutCtx, cancel := context.WithCancel(ctx)
	p := &pending{
		req:    req,
		done:   make(chan ReviewResult, 1),
		cancel: cancel,
	}

	c.mu.Lock()
	c.active[req.NodeID] = p
	c.mu.Unlock()

	if req.Timeout > 0 {
		go c.watchTimeout(timeoutCtx, p, req.Timeout)
	}

	return p.done, nil
}

func (c *Coordinator) watchTimeout(ctx context.Context, p *pending, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		c.resolveTimeout(p)
	}
}

func (c *Coordinator) resolveTimeout(p *pending) {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return
	}
	p.resolved = true
	feedback := append([]ReviewFeedback(nil), p.feedback...)
	p.mu.Unlock()

	final := FinalAbort
	if !p.req.RequiresApproval {
		final = FinalContinue
	}

	result := ReviewResult{
		NodeID:        p.req.NodeID,
		Status:        StatusTimeout,
		Feedback:      feedback,
		FinalDecision: final,
	}
	c.complete(p, result)
}

// SubmitFeedback applies one reviewer's decision to the open request for
// nodeID, per the completion rule: a single reject completes as
// rejected/abort; a single request-changes completes as
// changes-requested/retry; otherwise completion requires RequiredApprovals
// approvals. Returns flow.ErrNotFound if no review is open for the node.
func (c *Coordinator) SubmitFeedback(nodeID string, fb ReviewFeedback) error {
	c.mu.RLock()
	p, ok := c.active[nodeID]
	c.mu.RUnlock()
	if !ok {
		return flow.ErrNotFound
	}

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return nil
	}
	p.feedback = append(p.feedback, fb)

	switch fb.Decision {
	case DecisionReject:
		feedback := append([]ReviewFeedback(nil), p.feedback...)
		p.resolved = true
		p.mu.Unlock()
		c.complete(p, ReviewResult{
			NodeID:        nodeID,
			Status:        StatusRejected,
			Feedback:      feedback,
			FinalDecision: FinalAbort,
		})
		return nil
	case DecisionRequestChanges:
		feedback := append([]ReviewFeedback(nil), p.feedback...)
		p.resolved = true
		p.mu.Unlock()
		c.complete(p, ReviewResult{
			NodeID:               nodeID,
			Status:               StatusChangesRequested,
			Feedback:             feedback,
			FinalDecision:        FinalRetry,
			ModifiedInstructions: synthesizeInstructions(feedback),
			RetryContext:         map[string]any{"review_feedback": feedback},
		})
		return nil
	case DecisionApprove:
		p.approvals++
		if p.approvals >= p.req.RequiredApprovals {
			feedback := append([]ReviewFeedback(nil), p.feedback...)
			p.resolved = true
			p.mu.Unlock()
			c.complete(p, ReviewResult{
				NodeID:        nodeID,
				Status:        StatusApproved,
				Feedback:      feedback,
				FinalDecision: FinalContinue,
			})
			return nil
		}
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return fmt.Errorf("review: unknown decision %q", fb.Decision)
	}
}

func (c *Coordinator) complete(p *pending, result ReviewResult) {
	p.cancel()

	c.mu.Lock()
	delete(c.active, result.NodeID)
	c.history[result.NodeID] = append(c.history[result.NodeID], result)
	c.mu.Unlock()

	p.done <- result
}

// ActiveReviews returns every currently open request.
func (c *Coordinator) ActiveReviews() []ReviewRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ReviewRequest, 0, len(c.active))
	for _, p := range c.active {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// History returns the past completed reviews for a node, oldest first.
func (c *Coordinator) History(nodeID string) []ReviewResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ReviewResult(nil), c.history[nodeID]...)
}

var suggestionLead = regexp.MustCompile(`(?i)\b(suggest(?:s|ed)?|should|could|try|consider)\b[^.?!]*[.?!]?`)

// synthesizeInstructions composes the retry Markdown document: critical
// (severity=error) feedback first, then action items, then suggestions
// extracted from free-text comments via imperative-lead matching,
// deduplicated (spec.md §4.5).
func synthesizeInstructions(feedback []ReviewFeedback) string {
	var b strings.Builder
	b.WriteString("# Review feedback to address\n\n")

	var critical []ReviewFeedback
	var actionItems []string
	for _, fb := range feedback {
		if fb.Severity == SeverityError {
			critical = append(critical, fb)
		}
		actionItems = append(actionItems, fb.ActionItems...)
	}

	if len(critical) > 0 {
		b.WriteString("## Critical issues\n\n")
		for _, fb := range critical {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(fb.Comments))
		}
		b.WriteString("\n")
	}

	actionItems = dedupeStrings(actionItems)
	if len(actionItems) > 0 {
		b.WriteString("## Action items\n\n")
		for _, item := range actionItems {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	suggestions := extractSuggestions(feedback)
	if len(suggestions) > 0 {
		b.WriteString("## Suggestions\n\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	return b.String()
}

func extractSuggestions(feedback []ReviewFeedback) []string {
	var found []string
	for _, fb := range feedback {
		for _, match := range suggestionLead.FindAllString(fb.Comments, -1) {
			found = append(found, strings.TrimSpace(match))
		}
	}
	return dedupeStrings(found)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
