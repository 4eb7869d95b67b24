package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// UpsertCategoryCounts overwrites the counts for (search, category).
func (s *Store) UpsertCategoryCounts(ctx context.Context, counts crawler.CategoryCounts) error {
	body, err := json.Marshal(counts.Counts)
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	updatedAt := counts.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.clock.Now()
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO category_counts (search_id, category_abbr, counts, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (search_id, category_abbr) DO UPDATE SET
	counts = EXCLUDED.counts,
	updated_at = EXCLUDED.updated_at`,
		counts.SearchID, counts.CategoryAbbr, body, updatedAt)
	if err != nil {
		return fmt.Errorf("upsert category counts: %w", err)
	}
	return nil
}

// ListCategoryCounts returns every category's counts for the search.
func (s *Store) ListCategoryCounts(ctx context.Context, searchID string) ([]crawler.CategoryCounts, error) {
	rows, err := s.db.Query(ctx, `
SELECT search_id, category_abbr, counts, updated_at
FROM category_counts
WHERE search_id = $1
ORDER BY category_abbr`, searchID)
	if err != nil {
		return nil, fmt.Errorf("list category counts: %w", err)
	}
	defer rows.Close()

	out := []crawler.CategoryCounts{}
	for rows.Next() {
		var (
			c    crawler.CategoryCounts
			body []byte
		)
		if err := rows.Scan(&c.SearchID, &c.CategoryAbbr, &body, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan category counts: %w", err)
		}
		if err := json.Unmarshal(body, &c.Counts); err != nil {
			return nil, fmt.Errorf("decode counts for %s: %w", c.CategoryAbbr, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category counts: %w", err)
	}
	return out, nil
}

// StartRun inserts a running row, or resets an existing one to running.
func (s *Store) StartRun(ctx context.Context, jobID, searchID string, startedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO search_runs (job_id, search_id, started_at, status)
VALUES ($1,$2,$3,$4)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	finished_at = NULL,
	error_message = NULL`,
		jobID, searchID, startedAt, string(crawler.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// AddProgress applies page and entry deltas.
func (s *Store) AddProgress(ctx context.Context, jobID string, deltaPages, deltaEntries int64) error {
	tag, err := s.db.Exec(ctx, `
UPDATE search_runs
SET pages = pages + $2, entries = entries + $3
WHERE job_id = $1`, jobID, deltaPages, deltaEntries)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// CompleteRun marks the run finished with a status and optional error message.
func (s *Store) CompleteRun(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status crawler.JobStatus,
	errMsg *string,
) error {
	tag, err := s.db.Exec(ctx, `
UPDATE search_runs
SET finished_at = $2, status = $3, error_message = $4
WHERE job_id = $1`, jobID, finishedAt, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// ListRuns returns runs for one search, newest first.
func (s *Store) ListRuns(ctx context.Context, searchID string, limit, offset int) ([]crawler.SearchRun, error) {
	rows, err := s.db.Query(ctx, `
SELECT job_id, search_id, started_at, finished_at, status, pages, entries, error_message
FROM search_runs
WHERE search_id = $1
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, searchID, limitArg(limit), offsetArg(offset))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []crawler.SearchRun{}
	for rows.Next() {
		var (
			run    crawler.SearchRun
			status string
		)
		if err := rows.Scan(
			&run.JobID,
			&run.SearchID,
			&run.StartedAt,
			&run.FinishedAt,
			&status,
			&run.Pages,
			&run.Entries,
			&run.Error,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = crawler.JobStatus(status)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
