package session

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// ReferenceCategories lists categories known to the reference store.
type ReferenceCategories struct {
	refs crawler.ReferenceStore
}

var _ crawler.CategoryProvider = (*ReferenceCategories)(nil)

// NewReferenceCategories adapts a ReferenceStore to crawler.CategoryProvider.
func NewReferenceCategories(refs crawler.ReferenceStore) *ReferenceCategories {
	return &ReferenceCategories{refs: refs}
}

// Categories returns the abbreviation of every known category.
func (r *ReferenceCategories) Categories(ctx context.Context) ([]string, error) {
	cats, err := r.refs.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reference categories: %w", err)
	}
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, c.Abbr)
	}
	return out, nil
}
