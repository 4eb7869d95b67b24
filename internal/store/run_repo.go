package store

import (
	"context"
	"time"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// RunRepository persists the history of job executions per search.
type RunRepository interface {
	// StartRun inserts (or idempotently refreshes) a running row for the job.
	StartRun(ctx context.Context, jobID, searchID string, startedAt time.Time) error
	// AddProgress applies page/entry deltas to the run.
	AddProgress(ctx context.Context, jobID string, deltaPages, deltaEntries int64) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, jobID string, finishedAt time.Time, status crawler.JobStatus, errMsg *string) error
	// ListRuns returns runs for one search, newest first.
	ListRuns(ctx context.Context, searchID string, limit, offset int) ([]crawler.SearchRun, error)
}
