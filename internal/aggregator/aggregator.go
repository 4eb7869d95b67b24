// Package aggregator computes per-category classification counts for a search.
package aggregator

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"go.uber.org/zap"
)

// Bucket display names for the well-known keys.
const (
	TotalName   = "Total"
	UnknownName = "Unknown"
)

// Aggregator summarizes persisted entries into CategoryCounts.
type Aggregator struct {
	entries crawler.EntryStore
	refs    crawler.ReferenceStore
	counts  crawler.CountsStore
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds an Aggregator.
func New(
	entries crawler.EntryStore,
	refs crawler.ReferenceStore,
	counts crawler.CountsStore,
	clock crawler.Clock,
	logger *zap.Logger,
) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{entries: entries, refs: refs, counts: counts, clock: clock, logger: logger.Named("aggregator")}
}

// Summarize recomputes and overwrites the counts for one category.
func (a *Aggregator) Summarize(ctx context.Context, searchID, category string) (crawler.CategoryCounts, error) {
	tally, err := a.entries.TallyCategory(ctx, searchID, category)
	if err != nil {
		return crawler.CategoryCounts{}, fmt.Errorf("tally category %s: %w", category, err)
	}
	classifications, err := a.refs.ListClassifications(ctx, category)
	if err != nil {
		return crawler.CategoryCounts{}, fmt.Errorf("list classifications %s: %w", category, err)
	}

	counts := crawler.CategoryCounts{
		SearchID:     searchID,
		CategoryAbbr: category,
		Counts:       Build(tally, classifications),
	}
	if a.clock != nil {
		counts.UpdatedAt = a.clock.Now()
	}
	if err := a.counts.UpsertCategoryCounts(ctx, counts); err != nil {
		return crawler.CategoryCounts{}, fmt.Errorf("store counts %s: %w", category, err)
	}
	a.logger.Debug("category summarized",
		zap.String("search_id", searchID),
		zap.String("category", category),
		zap.Int("total", tally.Total),
		zap.Int("unknown", tally.Unknown),
	)
	return counts, nil
}

// Build turns a tally into count buckets: total, one per classification of
// the category (zero when absent) and unknown. An entry whose source carries
// several classifications counts once in each of them.
func Build(tally crawler.CategoryTally, classifications []crawler.Classification) map[string]crawler.CountBucket {
	out := make(map[string]crawler.CountBucket, len(classifications)+2)
	out[crawler.CountKeyTotal] = crawler.CountBucket{Name: TotalName, Count: tally.Total}
	for _, c := range classifications {
		out[c.Code] = crawler.CountBucket{Name: c.Name, Count: tally.ByClassification[c.Code]}
	}
	out[crawler.CountKeyUnknown] = crawler.CountBucket{Name: UnknownName, Count: tally.Unknown}
	return out
}
