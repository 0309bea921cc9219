package jobs

import "github.com/JakeFAU/scrape-orchestrator/internal/scrape"

// transitions lists the statuses each job status may move to. Terminal
// statuses have no entry and so allow nothing.
var transitions = map[scrape.JobStatus][]scrape.JobStatus{
	scrape.JobStatusPending: {
		scrape.JobStatusProcessing,
		scrape.JobStatusCancelled,
	},
	scrape.JobStatusProcessing: {
		scrape.JobStatusProcessing,
		scrape.JobStatusPaused,
		scrape.JobStatusCompleted,
		scrape.JobStatusFailed,
		scrape.JobStatusCancelled,
	},
	scrape.JobStatusPaused: {
		scrape.JobStatusProcessing,
		scrape.JobStatusCancelled,
	},
}

// CanTransition reports whether a job in status from may move to status to.
func CanTransition(from, to scrape.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
