// Package retry decides what happens to an item after an attempt.
package retry

import (
	"math"
	"time"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

// Action is the follow-up for a processed task.
type Action int

// Actions.
const (
	ActionComplete Action = iota
	ActionRetry
	ActionFail
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Decision is the action plus, for retries, how long to wait.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Policy implements exponential backoff without jitter.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewPolicy builds a policy with the given base and cap. A zero base falls back to 2s.
func NewPolicy(base, maxDelay time.Duration) Policy {
	if base <= 0 {
		base = 2 * time.Second
	}
	return Policy{BaseDelay: base, MaxDelay: maxDelay}
}

// Decide maps an outcome to an action. retryCount is the number of retries
// already scheduled for the item, so an item gets retryLimit+1 attempts.
func (p Policy) Decide(outcome scrape.Outcome, retryCount, retryLimit int) Decision {
	switch outcome.Kind {
	case scrape.OutcomeSucceeded:
		return Decision{Action: ActionComplete}
	case scrape.OutcomeSkipped:
		return Decision{Action: ActionSkip}
	case scrape.OutcomeRetryable:
		if retryCount < retryLimit {
			return Decision{Action: ActionRetry, Delay: p.Backoff(retryCount)}
		}
		return Decision{Action: ActionFail}
	default:
		return Decision{Action: ActionFail}
	}
}

// Backoff returns BaseDelay * 2^retryCount, capped at MaxDelay when set.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retryCount))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
