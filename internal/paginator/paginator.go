// Package paginator walks the upstream cursor for one search category,
// persisting every entry and the resume cursor page by page.
package paginator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"github.com/JakeFAU/scopus-crawler/internal/progress"
	"github.com/JakeFAU/scopus-crawler/internal/scopus"
)

const (
	// DefaultPageSize is the largest page the upstream serves.
	DefaultPageSize = 200
	// DefaultRetryPause is how long a transport failure waits before its single retry.
	DefaultRetryPause = 60 * time.Second
	// DefaultMaxPages bounds one category run.
	DefaultMaxPages = 1000
	// CeilingNote is logged and recorded when a run stops at MaxPages.
	CeilingNote = "page ceiling reached"

	statusEvery    = 5
	emptySetMarker = "set was empty"
)

// CursorStore persists the resume cursor for a category.
type CursorStore interface {
	AdvanceCursor(ctx context.Context, searchID, category, cursor string) (crawler.Search, error)
}

// EntryRecorder stores one normalized entry idempotently.
type EntryRecorder interface {
	Persist(ctx context.Context, entry crawler.ResultEntry) (crawler.PersistResult, error)
}

// Config tunes a Paginator.
type Config struct {
	PageSize   int
	RetryPause time.Duration
	// MaxPages ends a run cleanly after this many pages; 0 disables the ceiling.
	MaxPages         int
	ExcludedDocTypes []string
}

// Outcome summarizes one category run.
type Outcome struct {
	Pages      int
	Entries    int64
	Created    int64
	Duplicates int64
	Skipped    int64
	// Exhausted is set when the upstream signalled the end of the result set.
	Exhausted bool
	// CeilingHit is set when the run stopped at MaxPages with more pages left.
	CeilingHit bool
	LastCursor string
}

// Paginator drives cursor pagination for a category.
type Paginator struct {
	fetcher  crawler.PageFetcher
	cursors  CursorStore
	recorder EntryRecorder
	emitter  progress.Emitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
	pause    func(context.Context, time.Duration) error
}

// New builds a Paginator. A nil emitter discards progress events.
func New(
	fetcher crawler.PageFetcher,
	cursors CursorStore,
	recorder EntryRecorder,
	emitter progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Paginator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = DefaultRetryPause
	}
	if cfg.MaxPages < 0 {
		cfg.MaxPages = 0
	}
	if cfg.ExcludedDocTypes == nil {
		cfg.ExcludedDocTypes = scopus.DefaultExcludedDocTypes
	}
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Paginator{
		fetcher:  fetcher,
		cursors:  cursors,
		recorder: recorder,
		emitter:  emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("paginator"),
		pause:    sleepCtx,
	}
}

// StartCursor returns the cursor a run of category should begin from.
func StartCursor(search crawler.Search, category string) string {
	if search.Checkpoint.PointsAt(category) && search.Checkpoint.NextCursor != nil && *search.Checkpoint.NextCursor != "" {
		return *search.Checkpoint.NextCursor
	}
	return crawler.FirstCursor
}

// RunCategory fetches pages for category until the result set is exhausted,
// the page ceiling is reached, ctx is canceled or a fatal error occurs. Each
// page's entries and next cursor are persisted before the following fetch, so
// rerunning after any interruption resumes without duplicating work.
func (p *Paginator) RunCategory(ctx context.Context, search crawler.Search, category string) (Outcome, error) {
	var out Outcome
	if !search.HasCategory(category) {
		return out, crawler.NewValidationError("category", fmt.Sprintf("%q is not part of search %s", category, search.ID))
	}

	jobID := ""
	if search.JobID != nil {
		jobID = *search.JobID
	}
	logger := p.logger.With(
		zap.String("search_id", search.ID),
		zap.String("job_id", jobID),
		zap.String("category", category),
	)
	cursor := StartCursor(search, category)
	query := scopus.BuildQuery(search.Query, category, scopus.AllowedDocTypes(p.cfg.ExcludedDocTypes))
	started := time.Now()

	logger.Info("category run started", zap.String("cursor", cursor), zap.String("query", query))
	p.emit(progress.Event{SearchID: search.ID, JobID: jobID, Stage: progress.StageCategoryStart, Category: category})

	for {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("category %s interrupted: %w", category, err)
		}
		if p.cfg.MaxPages > 0 && out.Pages >= p.cfg.MaxPages {
			out.CeilingHit = true
			logger.Warn(CeilingNote, zap.Int("pages", out.Pages), zap.String("cursor", cursor))
			return out, nil
		}

		pageStart := time.Now()
		page, err := p.fetchWithRetry(ctx, logger, crawler.PageRequest{Query: query, Cursor: cursor, Count: p.cfg.PageSize})
		if err != nil {
			return out, err
		}

		done, err := endOfResults(page)
		if err != nil {
			return out, err
		}
		if done {
			out.Exhausted = true
			break
		}
		if page.NextCursor == "" {
			return out, &crawler.UpstreamError{Message: "page has entries but no next cursor"}
		}

		// An in-flight page always completes so the stored cursor matches the stored entries.
		persistCtx := context.WithoutCancel(ctx)
		stats, err := p.persistPage(persistCtx, logger, search.ID, category, page.Entries)
		if err != nil {
			return out, err
		}
		if _, err := p.cursors.AdvanceCursor(persistCtx, search.ID, category, page.NextCursor); err != nil {
			return out, fmt.Errorf("persist cursor: %w", err)
		}

		out.Pages++
		out.Entries += int64(len(page.Entries))
		out.Created += stats.created
		out.Duplicates += stats.duplicates
		out.Skipped += stats.skipped
		out.LastCursor = page.NextCursor
		cursor = page.NextCursor

		metrics.ObservePage(category)
		p.emit(progress.Event{
			SearchID:   search.ID,
			JobID:      jobID,
			Stage:      progress.StagePageDone,
			Category:   category,
			Page:       out.Pages - 1,
			Entries:    int64(len(page.Entries)),
			Created:    stats.created,
			Duplicates: stats.duplicates,
			Skipped:    stats.skipped,
			Dur:        time.Since(pageStart),
		})
		if out.Pages%statusEvery == 0 {
			logger.Info("category progress",
				zap.Int("pages", out.Pages),
				zap.Int("total_results", page.TotalResults),
				zap.Int("rate_limit_remaining", page.RateLimitRemaining),
				zap.Int64("created", out.Created),
			)
		}
	}

	logger.Info("category exhausted",
		zap.Int("pages", out.Pages),
		zap.Int64("entries", out.Entries),
		zap.Int64("created", out.Created),
		zap.Int64("duplicates", out.Duplicates),
		zap.Int64("skipped", out.Skipped),
	)
	p.emit(progress.Event{
		SearchID: search.ID,
		JobID:    jobID,
		Stage:    progress.StageCategoryDone,
		Category: category,
		Entries:  out.Entries,
		Created:  out.Created,
		Dur:      time.Since(started),
	})
	return out, nil
}

// fetchWithRetry retries a transport failure exactly once after the retry
// pause. Rate limit errors are returned immediately.
func (p *Paginator) fetchWithRetry(ctx context.Context, logger *zap.Logger, req crawler.PageRequest) (crawler.PageResult, error) {
	page, err := p.fetcher.FetchPage(ctx, req)
	if err == nil {
		return page, nil
	}

	var rl *crawler.RateLimitError
	if errors.As(err, &rl) {
		logger.Warn("upstream quota exhausted", zap.Time("reset_at", rl.ResetAt), zap.String("cursor", req.Cursor))
		return crawler.PageResult{}, fmt.Errorf("fetch page: %w", err)
	}
	var te *crawler.TransportError
	if !errors.As(err, &te) {
		return crawler.PageResult{}, fmt.Errorf("fetch page: %w", err)
	}

	logger.Warn("transport error, retrying once",
		zap.Error(err),
		zap.Duration("pause", p.cfg.RetryPause),
		zap.String("cursor", req.Cursor),
	)
	metrics.ObserveRetry()
	if err := p.pause(ctx, p.cfg.RetryPause); err != nil {
		return crawler.PageResult{}, fmt.Errorf("retry pause: %w", err)
	}
	page, err = p.fetcher.FetchPage(ctx, req)
	if err != nil {
		return crawler.PageResult{}, fmt.Errorf("fetch page after retry: %w", err)
	}
	return page, nil
}

type pageStats struct {
	created    int64
	duplicates int64
	skipped    int64
}

func (p *Paginator) persistPage(
	ctx context.Context,
	logger *zap.Logger,
	searchID, category string,
	raw []crawler.RawEntry,
) (pageStats, error) {
	var stats pageStats
	for _, r := range raw {
		entry, err := scopus.Normalize(searchID, category, r, p.cfg.ExcludedDocTypes)
		if err != nil {
			var malformed *crawler.MalformedEntryError
			switch {
			case errors.Is(err, crawler.ErrExcludedDocType):
				logger.Debug("skipping excluded document type", zap.String("doc_id", r.Identifier), zap.String("subtype", r.Subtype))
			case errors.As(err, &malformed):
				logger.Warn("skipping malformed entry", zap.Error(err))
			default:
				return stats, fmt.Errorf("normalize entry: %w", err)
			}
			stats.skipped++
			metrics.ObserveEntry("skipped")
			continue
		}
		res, err := p.recorder.Persist(ctx, entry)
		if err != nil {
			return stats, fmt.Errorf("persist entry: %w", err)
		}
		if res == crawler.PersistCreated {
			stats.created++
		} else {
			stats.duplicates++
		}
	}
	return stats, nil
}

// endOfResults reports whether the page marks the end of the result set. An
// entry carrying any other error payload is fatal.
func endOfResults(page crawler.PageResult) (bool, error) {
	if len(page.Entries) == 0 {
		return true, nil
	}
	for i, e := range page.Entries {
		if e.Error == "" {
			continue
		}
		if i == 0 && strings.Contains(strings.ToLower(e.Error), emptySetMarker) {
			return true, nil
		}
		return false, &crawler.UpstreamError{Message: e.Error}
	}
	return false, nil
}

func (p *Paginator) emit(evt progress.Event) {
	if p.clock != nil {
		evt.TS = p.clock.Now()
	} else {
		evt.TS = time.Now().UTC()
	}
	p.emitter.Emit(evt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
