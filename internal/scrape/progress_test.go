package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name                     string
		completed, failed, total int
		want                     int
	}{
		{"empty job", 0, 0, 0, 0},
		{"nothing done", 0, 0, 3, 0},
		{"one third", 1, 0, 3, 33},
		{"two thirds rounds up", 1, 1, 3, 67},
		{"half rounds away from zero", 1, 0, 200, 1},
		{"all done", 2, 1, 3, 100},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ProgressPercent(tc.completed, tc.failed, tc.total))
		})
	}
}

func TestJobRemaining(t *testing.T) {
	t.Parallel()

	job := Job{TotalURLs: 5, CompletedURLs: 2, FailedURLs: 1}
	require.Equal(t, 3, job.Accounted())
	require.Equal(t, 2, job.Remaining())
	require.Zero(t, Job{}.Remaining())
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.True(t, JobStatusCancelled.Terminal())
	require.False(t, JobStatusPaused.Terminal())
	require.True(t, ItemStatusFailed.Terminal())
	require.False(t, ItemStatusProcessing.Terminal())
	require.False(t, JobStatus("bogus").Valid())
}
