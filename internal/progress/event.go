package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageSearchStart    Stage = "SEARCH_START"
	StageCategoryStart  Stage = "CATEGORY_START"
	StagePageDone       Stage = "PAGE_DONE"
	StageCategoryDone   Stage = "CATEGORY_DONE"
	StageSearchDone     Stage = "SEARCH_DONE"
	StageSearchError    Stage = "SEARCH_ERROR"
	StageSearchCanceled Stage = "SEARCH_CANCELED"
)

// Terminal reports whether the stage ends a job run.
func (s Stage) Terminal() bool {
	switch s {
	case StageSearchDone, StageSearchError, StageSearchCanceled:
		return true
	default:
		return false
	}
}

// Event captures a single component of crawl progress.
type Event struct {
	// SearchID and JobID identify the run that produced the event.
	SearchID string
	JobID    string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Category scopes category and page events.
	Category string
	// Page is the zero-based page index within the category run.
	Page int
	// Entries counts raw entries on the page; Created, Duplicates and Skipped
	// split them by what persistence did.
	Entries    int64
	Created    int64
	Duplicates int64
	Skipped    int64
	// Dur captures latency for pages, categories and whole runs.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.SearchID == "" {
		return errors.New("search id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSearchStart, StageSearchDone, StageSearchError, StageSearchCanceled:
	case StageCategoryStart, StagePageDone, StageCategoryDone:
		if e.Category == "" {
			return fmt.Errorf("%s requires category", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Entries < 0 || e.Created < 0 || e.Duplicates < 0 || e.Skipped < 0 {
		return errors.New("entry counters must be >= 0")
	}
	return nil
}
