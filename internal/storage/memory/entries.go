package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// InsertEntry records an entry once per (search, category, external doc id).
func (s *Store) InsertEntry(_ context.Context, entry crawler.ResultEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{searchID: entry.SearchID, category: entry.CategoryAbbr, docID: entry.ExternalDocID}
	if _, exists := s.entryIndex[key]; exists {
		return crawler.ErrDuplicateEntry
	}
	s.entryIndex[key] = struct{}{}
	s.entries = append(s.entries, entry)
	return nil
}

// TallyCategory counts entries for one category, fanning out per classification.
func (s *Store) TallyCategory(_ context.Context, searchID, category string) (crawler.CategoryTally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tally := crawler.CategoryTally{ByClassification: make(map[string]int)}
	for _, e := range s.entries {
		if e.SearchID != searchID || e.CategoryAbbr != category {
			continue
		}
		tally.Total++
		if e.SourceID == nil {
			tally.Unknown++
			continue
		}
		for _, code := range s.sources[*e.SourceID].ClassificationCodes {
			tally.ByClassification[code]++
		}
	}
	return tally, nil
}

// ListEntries returns entries matching the filter in insertion order.
func (s *Store) ListEntries(_ context.Context, filter crawler.EntryFilter) ([]crawler.ResultEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.ResultEntry
	for _, e := range s.entries {
		if s.matches(e, filter) {
			out = append(out, e)
		}
	}
	return paginate(out, filter.Limit, filter.Offset), nil
}

// SourceBreakdown counts matching entries per source, largest first.
func (s *Store) SourceBreakdown(_ context.Context, filter crawler.EntryFilter) ([]crawler.SourceCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byKey := make(map[int64]*crawler.SourceCount)
	var unknown *crawler.SourceCount
	for _, e := range s.entries {
		if !s.matches(e, filter) {
			continue
		}
		if e.SourceID == nil {
			if unknown == nil {
				unknown = &crawler.SourceCount{Name: "Unknown"}
			}
			unknown.Count++
			continue
		}
		sc, ok := byKey[*e.SourceID]
		if !ok {
			id := *e.SourceID
			sc = &crawler.SourceCount{SourceID: &id, Name: s.sources[id].Name}
			byKey[id] = sc
		}
		sc.Count++
	}

	out := make([]crawler.SourceCount, 0, len(byKey)+1)
	for _, sc := range byKey {
		out = append(out, *sc)
	}
	if unknown != nil {
		out = append(out, *unknown)
	}
	slices.SortFunc(out, func(a, b crawler.SourceCount) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (s *Store) matches(e crawler.ResultEntry, filter crawler.EntryFilter) bool {
	if e.SearchID != filter.SearchID {
		return false
	}
	if filter.Category != "" && e.CategoryAbbr != filter.Category {
		return false
	}
	if filter.UnknownOnly {
		return e.SourceID == nil
	}
	if filter.Classification != "" {
		if e.SourceID == nil {
			return false
		}
		return slices.Contains(s.sources[*e.SourceID].ClassificationCodes, filter.Classification)
	}
	return true
}
