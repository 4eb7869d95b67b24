// Package retention purges searches that have not been touched for a while.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/metrics"
)

// Default thresholds.
const (
	DefaultStaleAfter = 24 * time.Hour
	DefaultInterval   = time.Hour
)

// Config tunes the sweeper.
type Config struct {
	StaleAfter time.Duration
	Interval   time.Duration
}

// Sweeper hard-deletes stale searches. Searches with a queued or running job
// are never purged.
type Sweeper struct {
	searches crawler.SearchStore
	queue    crawler.JobQueue
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(searches crawler.SearchStore, queue crawler.JobQueue, clock crawler.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{searches: searches, queue: queue, clock: clock, cfg: cfg, logger: logger.Named("retention")}
}

// SweepOnce purges every stale search and returns how many were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.searches.ListStaleSearches(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale searches: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	busy, err := s.busySearches(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, search := range stale {
		if busy[search.ID] {
			s.logger.Debug("stale search has an active job", zap.String("search_id", search.ID))
			continue
		}
		// A search resumed since the listing has a fresh updated_at and survives.
		err := s.searches.PurgeSearch(ctx, search.ID, cutoff)
		if errors.Is(err, crawler.ErrNotFound) {
			s.logger.Debug("search no longer stale", zap.String("search_id", search.ID))
			continue
		}
		if err != nil {
			metrics.ObservePurged(purged)
			return purged, fmt.Errorf("purge search %s: %w", search.ID, err)
		}
		purged++
		s.logger.Info("stale search purged",
			zap.String("search_id", search.ID),
			zap.Time("updated_at", search.UpdatedAt),
		)
	}
	metrics.ObservePurged(purged)
	return purged, nil
}

// Run sweeps immediately and then on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.sweep(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("retention sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.logger.Info("retention sweep finished", zap.Int("purged", n))
	}
}

func (s *Sweeper) busySearches(ctx context.Context) (map[string]bool, error) {
	busy := make(map[string]bool)
	if s.queue == nil {
		return busy, nil
	}
	jobs, err := s.queue.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range jobs {
		busy[job.SearchID] = true
	}
	return busy, nil
}
