package crawler

import (
	"context"
	"io"
	"time"
)

// SearchStore persists Search aggregates.
type SearchStore interface {
	CreateSearch(ctx context.Context, search Search) error
	GetSearch(ctx context.Context, id string) (Search, error)
	ListSearches(ctx context.Context, filter SearchFilter) ([]Search, error)
	// MutateSearch loads the search, applies fn and saves the result atomically.
	// If fn returns an error nothing is written.
	MutateSearch(ctx context.Context, id string, fn func(*Search) error) (Search, error)
	ListStaleSearches(ctx context.Context, cutoff time.Time) ([]Search, error)
	// PurgeSearch hard-deletes a search and everything recorded for it, but
	// only while it was last updated before cutoff. A search touched since
	// then reports ErrNotFound.
	PurgeSearch(ctx context.Context, id string, cutoff time.Time) error
}

// SearchFilter narrows search listings.
type SearchFilter struct {
	UnfinishedOnly bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// EntryStore persists result entries and answers aggregate reads over them.
type EntryStore interface {
	// InsertEntry returns ErrDuplicateEntry when the entry was already recorded.
	InsertEntry(ctx context.Context, entry ResultEntry) error
	TallyCategory(ctx context.Context, searchID, category string) (CategoryTally, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]ResultEntry, error)
	SourceBreakdown(ctx context.Context, filter EntryFilter) ([]SourceCount, error)
}

// ReferenceStore holds the read-mostly classification and source tables.
type ReferenceStore interface {
	GetSource(ctx context.Context, sourceID int64) (Source, error)
	ListClassifications(ctx context.Context, category string) ([]Classification, error)
	ListCategories(ctx context.Context) ([]Category, error)
	UpsertClassification(ctx context.Context, c Classification) error
	UpsertSource(ctx context.Context, s Source) error
	LinkSourceClassification(ctx context.Context, sourceID int64, code string) error
}

// CountsStore persists aggregated category counts with overwrite semantics.
type CountsStore interface {
	UpsertCategoryCounts(ctx context.Context, counts CategoryCounts) error
	ListCategoryCounts(ctx context.Context, searchID string) ([]CategoryCounts, error)
}

// PageFetcher retrieves one page from the upstream search API.
type PageFetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (PageResult, error)
}

// JobQueue runs searches asynchronously and tracks their jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, item QueueItem) (JobHandle, error)
	Dequeue(ctx context.Context) (QueueItem, error)
	Cancel(ctx context.Context, jobID string) error
	Fetch(ctx context.Context, jobID string) (Job, error)
	ListActive(ctx context.Context) ([]Job, error)
	MarkRunning(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string, status JobStatus, errText string) error
	IsCanceled(ctx context.Context, jobID string) (bool, error)
	// Heartbeat renews the claim of a dequeued job. It returns
	// ErrInvalidTransition once the job is no longer active.
	Heartbeat(ctx context.Context, jobID string) error
}

// BlobStore writes and reads artifacts by path.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, path string) (io.ReadCloser, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// CategoryProvider lists the known category codes used as search defaults.
type CategoryProvider interface {
	Categories(ctx context.Context) ([]string, error)
}

// Hasher digests exported artifacts.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces search and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
