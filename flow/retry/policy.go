// Package retry implements the Retry Policy (spec.md C2): retry
// eligibility, backoff computation across four modes, error classification,
// the monotone non-improvement early-stop rule, and RetryContext
// composition for enriching the next attempt's inputs.
//
// Backoff computation follows the teacher engine's computeBackoff shape
// (exponential-with-jitter, capped at a maximum delay) generalized to four
// selectable modes plus an adaptive EMA mode spec.md §4.2 calls for.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/agentforge-dev/agentforge/flow"
)

// BackoffMode selects the delay function used between retry attempts.
type BackoffMode string

const (
	Linear      BackoffMode = "linear"
	Exponential BackoffMode = "exponential"
	Fibonacci   BackoffMode = "fibonacci"
	Adaptive    BackoffMode = "adaptive"
)

// AdaptiveConfig tunes the adaptive backoff mode's EMA.
type AdaptiveConfig struct {
	Alpha      float64 // learning rate, (0,1]
	Bonus      float64 // shrink factor applied to delay on success
	Penalty    float64 // growth factor applied to delay on failure
}

// Policy is the Retry Policy for one node: it decides retry eligibility and
// computes the delay before the next attempt.
type Policy struct {
	Mode       BackoffMode
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MinDelay   time.Duration
	Jitter     float64 // fraction, e.g. 0.10 for +/-10%
	Adaptive   AdaptiveConfig
	MaxRetries int

	mu         sync.Mutex
	ema        float64 // per-policy success-rate EMA for adaptive mode
	lastDelay  time.Duration
	rng        *rand.Rand

	// history of (kind, signature) pairs for the monotone non-improvement
	// rule, most recent last.
	history []attemptRecord
}

type attemptRecord struct {
	Kind      flow.ErrorKind
	Signature string
}

// DefaultPolicy returns a sane exponential backoff policy: 1s base, 30s cap,
// 10% jitter, matching spec.md §4.2's worked example.
func DefaultPolicy(maxRetries int) *Policy {
	return &Policy{
		Mode:       Exponential,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		MinDelay:   100 * time.Millisecond,
		Jitter:     0.10,
		Adaptive:   AdaptiveConfig{Alpha: 0.3, Bonus: 0.5, Penalty: 1.0},
		MaxRetries: maxRetries,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // retry timing jitter, not security-sensitive
	}
}

// RootCauseSignature reduces a NodeError to a short signature used by the
// monotone non-improvement rule to detect "the same failure, again".
func RootCauseSignature(err *flow.NodeError) string {
	if err == nil {
		return ""
	}
	return string(err.Kind) + ":" + err.Message
}

// ShouldRetry reports whether attempt number `attempt` (1-indexed, the
// attempt that just failed) should be followed by another attempt, given
// the node's current state and the error that occurred.
func (p *Policy) ShouldRetry(attempt int, err *flow.NodeError) bool {
	if err == nil {
		return false
	}
	if err.Kind.NonRetriable() {
		return false
	}
	if attempt >= p.MaxRetries+1 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, attemptRecord{Kind: err.Kind, Signature: RootCauseSignature(err)})
	if monotoneNonImprovement(p.history) {
		return false
	}
	return true
}

// monotoneNonImprovement implements spec.md §4.2: three consecutive
// attempts with the same error category and root-cause signature stop
// retries early.
func monotoneNonImprovement(history []attemptRecord) bool {
	n := len(history)
	if n < 3 {
		return false
	}
	last := history[n-1]
	for i := n - 2; i >= n-3; i-- {
		if history[i].Kind != last.Kind || history[i].Signature != last.Signature {
			return false
		}
	}
	return true
}

// DelayFor computes the delay before retrying attempt number `attempt`
// (1-indexed: the attempt about to be made). Result is always within
// [MinDelay, MaxDelay] after jitter.
func (p *Policy) DelayFor(attempt int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	var base time.Duration
	switch p.Mode {
	case Linear:
		base = p.BaseDelay * time.Duration(attempt)
	case Fibonacci:
		base = p.BaseDelay * time.Duration(fib(attempt))
	case Adaptive:
		base = p.nextAdaptiveDelayLocked()
	case Exponential:
		fallthrough
	default:
		base = p.BaseDelay * time.Duration(pow2(attempt-1))
	}

	if base > p.MaxDelay && p.MaxDelay > 0 {
		base = p.MaxDelay
	}
	d := applyJitter(base, p.Jitter, p.rng)
	if p.MinDelay > 0 && d < p.MinDelay {
		d = p.MinDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	p.lastDelay = d
	return d
}

// RecordOutcome feeds the adaptive mode's EMA: call after each attempt with
// whether it ultimately succeeded.
func (p *Policy) RecordOutcome(success bool) {
	if p.Mode != Adaptive {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	obs := 0.0
	if success {
		obs = 1.0
	}
	p.ema = p.ema + p.Adaptive.Alpha*(obs-p.ema)
}

func (p *Policy) nextAdaptiveDelayLocked() time.Duration {
	base := p.lastDelay
	if base <= 0 {
		base = p.BaseDelay
	}
	// ema close to 1 means recent attempts succeeded: shrink delay.
	// ema close to 0 means recent attempts failed: grow delay.
	factor := 1.0
	if p.ema >= 0.5 {
		factor = 1.0 - p.Adaptive.Bonus*p.Adaptive.Alpha
	} else {
		factor = 1.0 + p.Adaptive.Penalty*p.Adaptive.Alpha
	}
	if factor < 0.1 {
		factor = 0.1
	}
	d := time.Duration(float64(base) * factor)
	if d < p.MinDelay {
		d = p.MinDelay
	}
	return d
}

func applyJitter(base time.Duration, jitter float64, rng *rand.Rand) time.Duration {
	if base <= 0 || jitter <= 0 {
		return base
	}
	span := float64(base) * jitter
	// uniform in [base-span, base+span], matching spec.md's "uniform +/-10%".
	delta := (rng.Float64()*2 - 1) * span
	result := float64(base) + delta
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

func pow2(n int) int64 {
	if n < 0 {
		return 1
	}
	return int64(1) << uint(n)
}

func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
