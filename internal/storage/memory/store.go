// Package memory provides in-process implementations of the crawler stores
// for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/store"
)

type entryKey struct {
	searchID string
	category string
	docID    string
}

type countsKey struct {
	searchID string
	category string
}

// Store keeps searches, entries, reference data, counts and runs in memory.
// It satisfies every crawler store interface plus store.RunRepository.
type Store struct {
	mu    sync.RWMutex
	clock crawler.Clock

	searches        map[string]crawler.Search
	entries         []crawler.ResultEntry
	entryIndex      map[entryKey]struct{}
	sources         map[int64]crawler.Source
	classifications map[string]crawler.Classification
	counts          map[countsKey]crawler.CategoryCounts
	runs            map[string]crawler.SearchRun
}

var (
	_ crawler.SearchStore    = (*Store)(nil)
	_ crawler.EntryStore     = (*Store)(nil)
	_ crawler.ReferenceStore = (*Store)(nil)
	_ crawler.CountsStore    = (*Store)(nil)
	_ store.RunRepository    = (*Store)(nil)
)

// NewStore constructs an empty Store. A nil clock uses wall time.
func NewStore(clock crawler.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{
		clock:           clock,
		searches:        make(map[string]crawler.Search),
		entryIndex:      make(map[entryKey]struct{}),
		sources:         make(map[int64]crawler.Source),
		classifications: make(map[string]crawler.Classification),
		counts:          make(map[countsKey]crawler.CategoryCounts),
		runs:            make(map[string]crawler.SearchRun),
	}
}

// CreateSearch stores a new search.
func (s *Store) CreateSearch(_ context.Context, search crawler.Search) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.searches[search.ID]; exists {
		return fmt.Errorf("search %s already exists", search.ID)
	}
	now := s.clock.Now()
	if search.CreatedAt.IsZero() {
		search.CreatedAt = now
	}
	search.UpdatedAt = now
	s.searches[search.ID] = search.Clone()
	return nil
}

// GetSearch returns a copy of the search, including soft-deleted ones.
func (s *Store) GetSearch(_ context.Context, id string) (crawler.Search, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search, ok := s.searches[id]
	if !ok {
		return crawler.Search{}, fmt.Errorf("search %s: %w", id, crawler.ErrNotFound)
	}
	return search.Clone(), nil
}

// ListSearches returns searches newest first.
func (s *Store) ListSearches(_ context.Context, filter crawler.SearchFilter) ([]crawler.Search, error) {
	s.mu.RLock()
	out := make([]crawler.Search, 0, len(s.searches))
	for _, search := range s.searches {
		if search.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.UnfinishedOnly && search.Finished {
			continue
		}
		out = append(out, search.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b crawler.Search) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// MutateSearch applies fn to a copy of the search and stores it on success.
func (s *Store) MutateSearch(_ context.Context, id string, fn func(*crawler.Search) error) (crawler.Search, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.searches[id]
	if !ok {
		return crawler.Search{}, fmt.Errorf("search %s: %w", id, crawler.ErrNotFound)
	}
	next := current.Clone()
	if err := fn(&next); err != nil {
		return crawler.Search{}, err
	}
	next.UpdatedAt = s.clock.Now()
	s.searches[id] = next.Clone()
	return next, nil
}

// ListStaleSearches returns searches last updated before cutoff.
func (s *Store) ListStaleSearches(_ context.Context, cutoff time.Time) ([]crawler.Search, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Search
	for _, search := range s.searches {
		if search.UpdatedAt.Before(cutoff) {
			out = append(out, search.Clone())
		}
	}
	slices.SortFunc(out, func(a, b crawler.Search) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

// PurgeSearch removes the search and every row recorded for it, provided the
// search was not touched since cutoff.
func (s *Store) PurgeSearch(_ context.Context, id string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	search, ok := s.searches[id]
	if !ok || !search.UpdatedAt.Before(cutoff) {
		return fmt.Errorf("stale search %s: %w", id, crawler.ErrNotFound)
	}
	delete(s.searches, id)
	s.entries = slices.DeleteFunc(s.entries, func(e crawler.ResultEntry) bool { return e.SearchID == id })
	for k := range s.entryIndex {
		if k.searchID == id {
			delete(s.entryIndex, k)
		}
	}
	for k := range s.counts {
		if k.searchID == id {
			delete(s.counts, k)
		}
	}
	for k, run := range s.runs {
		if run.SearchID == id {
			delete(s.runs, k)
		}
	}
	return nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
