package schedule

import "context"

// Job is a named maintenance task run on a cron pattern.
type Job struct {
	Name    string
	Pattern string
	Run     func(ctx context.Context) error
}

// Entry describes a registered job.
type Entry struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}
