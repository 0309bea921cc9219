package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	p := NewPolicy(2*time.Second, time.Minute)
	tests := []struct {
		name       string
		outcome    scrape.Outcome
		retryCount int
		retryLimit int
		want       Decision
	}{
		{"success completes", scrape.Succeeded(scrape.FetchResult{Success: true}), 0, 3, Decision{Action: ActionComplete}},
		{"skip discards", scrape.Skipped("job paused"), 0, 3, Decision{Action: ActionSkip}},
		{"terminal fails immediately", scrape.Terminal("invalid url"), 0, 3, Decision{Action: ActionFail}},
		{"first retry", scrape.Retryable("HTTP 500"), 0, 3, Decision{Action: ActionRetry, Delay: 2 * time.Second}},
		{"third retry", scrape.Retryable("HTTP 500"), 2, 3, Decision{Action: ActionRetry, Delay: 8 * time.Second}},
		{"exhausted", scrape.Retryable("HTTP 500"), 3, 3, Decision{Action: ActionFail}},
		{"zero limit never retries", scrape.Retryable("timeout"), 0, 0, Decision{Action: ActionFail}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, p.Decide(tc.outcome, tc.retryCount, tc.retryLimit))
		})
	}
}

func TestAttemptsAreBoundedByLimit(t *testing.T) {
	t.Parallel()

	p := NewPolicy(time.Millisecond, 0)
	const limit = 2
	attempts, retries := 0, 0
	for {
		attempts++
		d := p.Decide(scrape.Retryable("boom"), retries, limit)
		if d.Action != ActionRetry {
			require.Equal(t, ActionFail, d.Action)
			break
		}
		retries++
	}
	require.Equal(t, limit+1, attempts)
	require.Equal(t, limit, retries)
}

func TestBackoffCapsAtMax(t *testing.T) {
	t.Parallel()

	p := NewPolicy(0, 5*time.Second)
	require.Equal(t, 2*time.Second, p.Backoff(0))
	require.Equal(t, 4*time.Second, p.Backoff(1))
	require.Equal(t, 5*time.Second, p.Backoff(2))
	require.Equal(t, 5*time.Second, p.Backoff(80))
	require.Equal(t, "retry", ActionRetry.String())
}
