package crawler

import (
	"slices"
	"time"
)

// Well-known count keys stored alongside classification codes.
const (
	CountKeyTotal   = "total"
	CountKeyUnknown = "unknown"
)

// FirstCursor is the upstream marker for the first page of a cursor crawl.
const FirstCursor = "*"

// SearchState is the derived progress state of a Search.
type SearchState string

// Search states. Deleted is tracked separately as a flag.
const (
	SearchStatePending    SearchState = "pending"
	SearchStateInProgress SearchState = "in_progress"
	SearchStateFinished   SearchState = "finished"
)

// Checkpoint records where an interrupted category crawl should resume.
type Checkpoint struct {
	NextCategory *string `json:"next_category"`
	NextCursor   *string `json:"next_cursor"`
}

// IsZero reports whether the checkpoint holds no position.
func (c Checkpoint) IsZero() bool {
	return c.NextCategory == nil && c.NextCursor == nil
}

// PointsAt reports whether the checkpoint references the category.
func (c Checkpoint) PointsAt(category string) bool {
	return c.NextCategory != nil && *c.NextCategory == category
}

// Search identifies one crawl execution.
type Search struct {
	ID                 string     `json:"id"`
	Query              string     `json:"query"`
	Categories         []string   `json:"categories"`
	FinishedCategories []string   `json:"finished_categories"`
	Checkpoint         Checkpoint `json:"checkpoint"`
	Finished           bool       `json:"finished"`
	Deleted            bool       `json:"-"`
	JobID              *string    `json:"job_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// HasCategory reports whether the category belongs to the search.
func (s *Search) HasCategory(category string) bool {
	return slices.Contains(s.Categories, category)
}

// IsCategoryFinished reports whether the category already completed.
func (s *Search) IsCategoryFinished(category string) bool {
	return slices.Contains(s.FinishedCategories, category)
}

// UnfinishedCategories returns categories still to crawl, in crawl order.
func (s *Search) UnfinishedCategories() []string {
	out := make([]string, 0, len(s.Categories))
	for _, c := range s.Categories {
		if !s.IsCategoryFinished(c) {
			out = append(out, c)
		}
	}
	return out
}

// AllCategoriesFinished compares the finished set against the category set.
func (s *Search) AllCategoriesFinished() bool {
	if len(s.Categories) == 0 {
		return false
	}
	for _, c := range s.Categories {
		if !s.IsCategoryFinished(c) {
			return false
		}
	}
	return true
}

// State derives the lifecycle state from finished categories.
func (s *Search) State() SearchState {
	switch {
	case s.Finished:
		return SearchStateFinished
	case len(s.FinishedCategories) > 0:
		return SearchStateInProgress
	default:
		return SearchStatePending
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s Search) Clone() Search {
	cp := s
	cp.Categories = slices.Clone(s.Categories)
	cp.FinishedCategories = slices.Clone(s.FinishedCategories)
	cp.Checkpoint = Checkpoint{
		NextCategory: clonePtr(s.Checkpoint.NextCategory),
		NextCursor:   clonePtr(s.Checkpoint.NextCursor),
	}
	cp.JobID = clonePtr(s.JobID)
	return cp
}

// Classification is a fine-grained subject code nested under a category.
type Classification struct {
	Code         string `json:"code"`
	Name         string `json:"name"`
	CategoryAbbr string `json:"category_abbr"`
	CategoryName string `json:"category_name"`
}

// Category is a coarse subject-area grouping.
type Category struct {
	Abbr string `json:"abbr"`
	Name string `json:"name"`
}

// Source is a publication venue tagged with zero or more classifications.
type Source struct {
	SourceID            int64    `json:"source_id"`
	Name                string   `json:"name"`
	ISSNPrint           *string  `json:"issn_print,omitempty"`
	ISSNElectronic      *string  `json:"issn_electronic,omitempty"`
	ClassificationCodes []string `json:"classification_codes,omitempty"`
}

// ResultEntry is one matched document persisted for a search category.
type ResultEntry struct {
	SearchID        string  `json:"search_id"`
	CategoryAbbr    string  `json:"category_abbr"`
	ExternalDocID   string  `json:"external_doc_id"`
	DOI             *string `json:"doi,omitempty"`
	Title           string  `json:"title"`
	FirstAuthor     *string `json:"first_author,omitempty"`
	DocType         *string `json:"doc_type,omitempty"`
	PublicationName *string `json:"publication_name,omitempty"`
	// ExternalSourceID is the upstream venue id carried on the raw entry.
	ExternalSourceID string `json:"-"`
	// SourceID is set only when the venue is a known Source.
	SourceID *int64 `json:"source_id,omitempty"`
}

// CountBucket is one keyed count inside CategoryCounts.
type CountBucket struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// CategoryCounts is the aggregated breakdown for one search category.
type CategoryCounts struct {
	SearchID     string                 `json:"search_id"`
	CategoryAbbr string                 `json:"category_abbr"`
	Counts       map[string]CountBucket `json:"counts"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// CategoryTally is the raw per-category count read used by the aggregator.
type CategoryTally struct {
	Total            int
	Unknown          int
	ByClassification map[string]int
}

// EntryFilter narrows entry listings.
type EntryFilter struct {
	SearchID       string
	Category       string
	Classification string
	UnknownOnly    bool
	Limit          int
	Offset         int
}

// SourceCount is an entry count attributed to one source.
type SourceCount struct {
	SourceID *int64 `json:"source_id"`
	Name     string `json:"name"`
	Count    int    `json:"count"`
}

// PersistResult reports what an idempotent insert did.
type PersistResult string

// Persist outcomes.
const (
	PersistCreated       PersistResult = "created"
	PersistAlreadyExists PersistResult = "already_exists"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values tracked by the job queue.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Active reports whether a job still owns its search.
func (s JobStatus) Active() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// Priority selects the queue a job is placed on.
type Priority string

// Queue priorities, consumed in this order.
const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// Priorities lists queues in dequeue order.
var Priorities = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

// Job is the queue's record of one asynchronous search run.
type Job struct {
	ID         string        `json:"id"`
	SearchID   string        `json:"search_id"`
	Query      string        `json:"query"`
	Priority   Priority      `json:"priority"`
	Status     JobStatus     `json:"status"`
	Timeout    time.Duration `json:"timeout"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	// LeaseUntil is set once a worker claims the job. A claimed job whose
	// lease passes without a heartbeat belongs to a dead worker.
	LeaseUntil *time.Time    `json:"lease_until,omitempty"`
	ErrorText  string        `json:"error,omitempty"`
}

// LeaseExpired reports whether the job is still active but its worker stopped
// renewing the claim before now.
func (j Job) LeaseExpired(now time.Time) bool {
	return j.Status.Active() && j.LeaseUntil != nil && now.After(*j.LeaseUntil)
}

// JobHandle is returned to callers after enqueueing.
type JobHandle struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID    string
	SearchID string
	Query    string
	Priority Priority
	Timeout  time.Duration
}

// PageRequest addresses one page of an upstream cursor crawl.
type PageRequest struct {
	Query  string
	Cursor string
	Count  int
}

// RawEntry is an upstream search entry before normalization.
type RawEntry struct {
	Identifier      string `json:"dc:identifier"`
	DOI             string `json:"prism:doi"`
	Subtype         string `json:"subtype"`
	Creator         string `json:"dc:creator"`
	Title           string `json:"dc:title"`
	PublicationName string `json:"prism:publicationName"`
	SourceID        string `json:"source-id"`
	Error           string `json:"error"`
}

// PageResult is one upstream search page.
type PageResult struct {
	Entries            []RawEntry
	NextCursor         string
	TotalResults       int
	RateLimitRemaining int
}

// SubjectClassification is one row of the upstream classification list.
type SubjectClassification struct {
	Code        string `json:"code"`
	Abbrev      string `json:"abbrev"`
	Description string `json:"description"`
	Detail      string `json:"detail"`
}

// SearchRun is the history record of one job execution for a search.
type SearchRun struct {
	JobID      string     `json:"job_id"`
	SearchID   string     `json:"search_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     JobStatus  `json:"status"`
	Pages      int64      `json:"pages"`
	Entries    int64      `json:"entries"`
	Error      *string    `json:"error,omitempty"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
