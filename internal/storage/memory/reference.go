package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// GetSource returns a known publication venue.
func (s *Store) GetSource(_ context.Context, sourceID int64) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %d: %w", sourceID, crawler.ErrNotFound)
	}
	src.ClassificationCodes = slices.Clone(src.ClassificationCodes)
	return src, nil
}

// ListClassifications returns classifications, optionally for one category, ordered by code.
func (s *Store) ListClassifications(_ context.Context, category string) ([]crawler.Classification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Classification, 0, len(s.classifications))
	for _, c := range s.classifications {
		if category == "" || c.CategoryAbbr == category {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Classification) int { return cmp.Compare(a.Code, b.Code) })
	return out, nil
}

// ListCategories derives the distinct categories from the classifications.
func (s *Store) ListCategories(_ context.Context) ([]crawler.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]crawler.Category)
	for _, c := range s.classifications {
		if _, ok := seen[c.CategoryAbbr]; !ok {
			seen[c.CategoryAbbr] = crawler.Category{Abbr: c.CategoryAbbr, Name: c.CategoryName}
		}
	}
	out := make([]crawler.Category, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b crawler.Category) int { return cmp.Compare(a.Abbr, b.Abbr) })
	return out, nil
}

// UpsertClassification inserts or replaces a classification by code.
func (s *Store) UpsertClassification(_ context.Context, c crawler.Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.classifications[c.Code] = c
	return nil
}

// UpsertSource inserts or updates a source. Existing classification links are kept.
func (s *Store) UpsertSource(_ context.Context, src crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.sources[src.SourceID].ClassificationCodes
	src.ClassificationCodes = codes
	s.sources[src.SourceID] = src
	return nil
}

// LinkSourceClassification tags a source with a classification code.
func (s *Store) LinkSourceClassification(_ context.Context, sourceID int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %d: %w", sourceID, crawler.ErrNotFound)
	}
	if _, ok := s.classifications[code]; !ok {
		return fmt.Errorf("classification %s: %w", code, crawler.ErrNotFound)
	}
	if !slices.Contains(src.ClassificationCodes, code) {
		src.ClassificationCodes = append(slices.Clone(src.ClassificationCodes), code)
		s.sources[sourceID] = src
	}
	return nil
}
