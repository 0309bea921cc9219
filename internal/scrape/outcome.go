package scrape

// OutcomeKind classifies the result of processing one item.
type OutcomeKind int

// Outcome kinds.
const (
	// OutcomeSucceeded means the content was fetched and handed to the store.
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeRetryable means the attempt failed and may be tried again.
	OutcomeRetryable
	// OutcomeTerminal means the item can never succeed and must not be retried.
	OutcomeTerminal
	// OutcomeSkipped means the item was not attempted.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the explicit result the item processor hands back to the worker
// pool. Retry decisions are made from it, never from raised errors.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Result FetchResult
}

// Succeeded builds a success outcome.
func Succeeded(result FetchResult) Outcome {
	return Outcome{Kind: OutcomeSucceeded, Result: result}
}

// Retryable builds a retryable failure outcome.
func Retryable(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason}
}

// Terminal builds a non-retryable failure outcome.
func Terminal(reason string) Outcome {
	return Outcome{Kind: OutcomeTerminal, Reason: reason}
}

// Skipped builds an outcome for an item that was not attempted.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}
