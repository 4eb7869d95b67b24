// Package checkpoint owns every mutation of a Search's crawl progress.
//
// Transitions are pure functions on *crawler.Search; Machine applies them
// atomically through the search store so that concurrent writers serialize.
package checkpoint

import (
	"fmt"
	"slices"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// AdvanceCursor records the cursor at which the category should resume.
func AdvanceCursor(s *crawler.Search, category, cursor string) error {
	if err := requireLive(s); err != nil {
		return err
	}
	if s.Finished {
		return fmt.Errorf("advance cursor on finished search %s: %w", s.ID, crawler.ErrInvalidTransition)
	}
	if !s.HasCategory(category) {
		return crawler.NewValidationError("category", fmt.Sprintf("%q is not part of search %s", category, s.ID))
	}
	s.Checkpoint = crawler.Checkpoint{NextCategory: &category, NextCursor: &cursor}
	derive(s)
	return nil
}

// FinishCategory marks the category complete. Repeated calls are no-ops.
func FinishCategory(s *crawler.Search, category string) error {
	if err := requireLive(s); err != nil {
		return err
	}
	if !s.HasCategory(category) {
		return crawler.NewValidationError("category", fmt.Sprintf("%q is not part of search %s", category, s.ID))
	}
	if s.Finished || s.IsCategoryFinished(category) {
		derive(s)
		return nil
	}
	s.FinishedCategories = append(s.FinishedCategories, category)
	if s.Checkpoint.PointsAt(category) {
		s.Checkpoint = crawler.Checkpoint{}
	}
	derive(s)
	return nil
}

// Restart discards progress for one category, or for the whole search when
// category is nil.
func Restart(s *crawler.Search, category *string) error {
	if err := requireLive(s); err != nil {
		return err
	}
	if category == nil {
		s.FinishedCategories = nil
		s.Checkpoint = crawler.Checkpoint{}
		derive(s)
		return nil
	}
	if !s.HasCategory(*category) {
		return crawler.NewValidationError("category", fmt.Sprintf("%q is not part of search %s", *category, s.ID))
	}
	s.FinishedCategories = slices.DeleteFunc(s.FinishedCategories, func(c string) bool { return c == *category })
	if s.Checkpoint.PointsAt(*category) {
		s.Checkpoint = crawler.Checkpoint{}
	}
	derive(s)
	return nil
}

// Delete soft-deletes the search. Progress is left untouched.
func Delete(s *crawler.Search) error {
	s.Deleted = true
	derive(s)
	return nil
}

// AssignJob records the job currently responsible for the search.
func AssignJob(s *crawler.Search, jobID string) error {
	if err := requireLive(s); err != nil {
		return err
	}
	s.JobID = &jobID
	return nil
}

// State derives the lifecycle state of the search.
func State(s *crawler.Search) crawler.SearchState {
	return s.State()
}

func requireLive(s *crawler.Search) error {
	if s.Deleted {
		return fmt.Errorf("mutate search %s: %w", s.ID, crawler.ErrSearchDeleted)
	}
	return nil
}

// derive recomputes Finished from the category sets.
func derive(s *crawler.Search) {
	s.Finished = s.AllCategoriesFinished()
}
