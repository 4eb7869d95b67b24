package checkpoint

import (
	"context"
	"fmt"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"go.uber.org/zap"
)

// Machine applies transitions atomically through a SearchStore.
type Machine struct {
	store  crawler.SearchStore
	logger *zap.Logger
}

// NewMachine builds a Machine.
func NewMachine(store crawler.SearchStore, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{store: store, logger: logger.Named("checkpoint")}
}

// AdvanceCursor persists the resume position for the category.
func (m *Machine) AdvanceCursor(ctx context.Context, searchID, category, cursor string) (crawler.Search, error) {
	s, err := m.store.MutateSearch(ctx, searchID, func(s *crawler.Search) error {
		return AdvanceCursor(s, category, cursor)
	})
	if err != nil {
		return crawler.Search{}, fmt.Errorf("advance cursor: %w", err)
	}
	return s, nil
}

// FinishCategory marks the category complete.
func (m *Machine) FinishCategory(ctx context.Context, searchID, category string) (crawler.Search, error) {
	s, err := m.store.MutateSearch(ctx, searchID, func(s *crawler.Search) error {
		return FinishCategory(s, category)
	})
	if err != nil {
		return crawler.Search{}, fmt.Errorf("finish category: %w", err)
	}
	m.logger.Info("category finished",
		zap.String("search_id", searchID),
		zap.String("category", category),
		zap.Bool("search_finished", s.Finished),
	)
	return s, nil
}

// Restart discards progress for one category or the whole search.
func (m *Machine) Restart(ctx context.Context, searchID string, category *string) (crawler.Search, error) {
	s, err := m.store.MutateSearch(ctx, searchID, func(s *crawler.Search) error {
		return Restart(s, category)
	})
	if err != nil {
		return crawler.Search{}, fmt.Errorf("restart search: %w", err)
	}
	return s, nil
}

// Delete soft-deletes the search.
func (m *Machine) Delete(ctx context.Context, searchID string) (crawler.Search, error) {
	s, err := m.store.MutateSearch(ctx, searchID, Delete)
	if err != nil {
		return crawler.Search{}, fmt.Errorf("delete search: %w", err)
	}
	return s, nil
}

// AssignJob records the owning job on the search.
func (m *Machine) AssignJob(ctx context.Context, searchID, jobID string) (crawler.Search, error) {
	s, err := m.store.MutateSearch(ctx, searchID, func(s *crawler.Search) error {
		return AssignJob(s, jobID)
	})
	if err != nil {
		return crawler.Search{}, fmt.Errorf("assign job: %w", err)
	}
	return s, nil
}
