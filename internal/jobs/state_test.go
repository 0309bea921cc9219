package jobs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to scrape.JobStatus
		want     bool
	}{
		{scrape.JobStatusPending, scrape.JobStatusProcessing, true},
		{scrape.JobStatusPending, scrape.JobStatusCancelled, true},
		{scrape.JobStatusPending, scrape.JobStatusPaused, false},
		{scrape.JobStatusProcessing, scrape.JobStatusProcessing, true},
		{scrape.JobStatusProcessing, scrape.JobStatusPaused, true},
		{scrape.JobStatusProcessing, scrape.JobStatusCompleted, true},
		{scrape.JobStatusPaused, scrape.JobStatusProcessing, true},
		{scrape.JobStatusPaused, scrape.JobStatusCompleted, false},
		{scrape.JobStatusCompleted, scrape.JobStatusProcessing, false},
		{scrape.JobStatusFailed, scrape.JobStatusCancelled, false},
		{scrape.JobStatusCancelled, scrape.JobStatusProcessing, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}
