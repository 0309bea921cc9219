package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, "job-1-42", Key("job-1", 42))
	require.Equal(t, Key("job-1", 42), Key("job-1", 42))
	require.NotEqual(t, Key("job-1", 4), Key("job-1", 42))
}

func TestStatsWithTotal(t *testing.T) {
	t.Parallel()

	s := Stats{Waiting: 1, Active: 2, Completed: 3, Failed: 4, Delayed: 5, Paused: 6}.WithTotal()
	require.Equal(t, int64(21), s.Total)
}
