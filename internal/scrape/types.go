// Package scrape holds the domain types and collaborator contracts shared by the
// orchestrator's stores, dispatch queue, workers, and HTTP surface.
package scrape

import "time"

// JobStatus captures the lifecycle state of a scraping job.
type JobStatus string

// Job statuses.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusPaused,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ItemStatus captures the lifecycle state of a single queue item.
type ItemStatus string

// Item statuses.
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// Terminal reports whether the item has reached a final state.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed || s == ItemStatusCancelled
}

// Job is one scraping campaign over a fixed batch of URLs.
type Job struct {
	ID              string     `json:"id"`
	FileName        string     `json:"file_name"`
	Status          JobStatus  `json:"status"`
	TotalURLs       int        `json:"total_urls"`
	CompletedURLs   int        `json:"completed_urls"`
	FailedURLs      int        `json:"failed_urls"`
	ProgressPercent int        `json:"progress_percent"`
	Concurrency     int        `json:"concurrency"`
	RetryLimit      int        `json:"retry_limit"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ErrorCount      int        `json:"error_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Accounted returns the number of items that reached completed or failed.
func (j Job) Accounted() int {
	return j.CompletedURLs + j.FailedURLs
}

// Remaining returns the number of items not yet completed or failed.
func (j Job) Remaining() int {
	if r := j.TotalURLs - j.Accounted(); r > 0 {
		return r
	}
	return 0
}

// QueueItem is one URL to fetch within a job.
type QueueItem struct {
	ID           int64      `json:"id"`
	JobID        string     `json:"job_id"`
	ExternalID   string     `json:"pitchbook_id,omitempty"`
	SourceURL    string     `json:"source_url"`
	TargetURL    string     `json:"target_url"`
	Status       ItemStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ScrapedText  string     `json:"-"`
	TextLength   int        `json:"text_length,omitempty"`
	FinalURL     string     `json:"final_url,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewItem describes one URL supplied at registration time.
type NewItem struct {
	ExternalID string
	SourceURL  string
	TargetURL  string
}

// NewJob is the input for registering a job with its items.
type NewJob struct {
	ID          string
	FileName    string
	Concurrency int
	RetryLimit  int
	Items       []NewItem
	CreatedAt   time.Time
}

// ItemResult carries the extracted content of a successful fetch.
type ItemResult struct {
	ItemID   int64
	Text     string
	Length   int
	FinalURL string
}

// FetchResult is the normalized response of the external fetch service.
type FetchResult struct {
	Success        bool              `json:"success"`
	URL            string            `json:"url"`
	FinalURL       string            `json:"finalUrl"`
	Text           string            `json:"text"`
	Length         int               `json:"length"`
	OriginalLength int               `json:"originalLength"`
	Headers        map[string]string `json:"headers,omitempty"`
	Error          string            `json:"error,omitempty"`
	Duration       time.Duration     `json:"-"`
}
