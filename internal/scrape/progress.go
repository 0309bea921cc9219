package scrape

import "math"

// ProgressPercent derives the integer progress of a job from its counters.
// Rounding is half away from zero, matching Postgres ROUND on numerics.
func ProgressPercent(completed, failed, total int) int {
	if total < 1 {
		total = 1
	}
	return int(math.Round(100 * float64(completed+failed) / float64(total)))
}
