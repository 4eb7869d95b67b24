package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// UpsertCategoryCounts overwrites the counts row for (search, category).
func (s *Store) UpsertCategoryCounts(_ context.Context, counts crawler.CategoryCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counts.UpdatedAt.IsZero() {
		counts.UpdatedAt = s.clock.Now()
	}
	counts.Counts = maps.Clone(counts.Counts)
	s.counts[countsKey{searchID: counts.SearchID, category: counts.CategoryAbbr}] = counts
	return nil
}

// ListCategoryCounts returns every counts row for the search ordered by category.
func (s *Store) ListCategoryCounts(_ context.Context, searchID string) ([]crawler.CategoryCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.CategoryCounts
	for k, c := range s.counts {
		if k.searchID == searchID {
			c.Counts = maps.Clone(c.Counts)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b crawler.CategoryCounts) int { return cmp.Compare(a.CategoryAbbr, b.CategoryAbbr) })
	return out, nil
}

// StartRun inserts a running row, or resets an existing one to running.
func (s *Store) StartRun(_ context.Context, jobID, searchID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		run = crawler.SearchRun{JobID: jobID, SearchID: searchID, StartedAt: startedAt}
	}
	run.Status = crawler.JobStatusRunning
	s.runs[jobID] = run
	return nil
}

// AddProgress applies page and entry deltas.
func (s *Store) AddProgress(_ context.Context, jobID string, deltaPages, deltaEntries int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return fmt.Errorf("run %s: %w", jobID, crawler.ErrNotFound)
	}
	run.Pages += deltaPages
	run.Entries += deltaEntries
	s.runs[jobID] = run
	return nil
}

// CompleteRun marks the run finished.
func (s *Store) CompleteRun(
	_ context.Context,
	jobID string,
	finishedAt time.Time,
	status crawler.JobStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return fmt.Errorf("run %s: %w", jobID, crawler.ErrNotFound)
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	run.Error = errMsg
	s.runs[jobID] = run
	return nil
}

// ListRuns returns runs for the search, newest first.
func (s *Store) ListRuns(_ context.Context, searchID string, limit, offset int) ([]crawler.SearchRun, error) {
	s.mu.RLock()
	var out []crawler.SearchRun
	for _, run := range s.runs {
		if run.SearchID == searchID {
			out = append(out, run)
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b crawler.SearchRun) int { return b.StartedAt.Compare(a.StartedAt) })
	return paginate(out, limit, offset), nil
}
