package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

const searchColumns = `id, query, categories, finished_categories, next_category, next_cursor,
	finished, deleted, job_id, created_at, updated_at`

func scanSearch(row rowScanner) (crawler.Search, error) {
	var s crawler.Search
	err := row.Scan(
		&s.ID,
		&s.Query,
		&s.Categories,
		&s.FinishedCategories,
		&s.Checkpoint.NextCategory,
		&s.Checkpoint.NextCursor,
		&s.Finished,
		&s.Deleted,
		&s.JobID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

func collectSearches(rows pgx.Rows) ([]crawler.Search, error) {
	defer rows.Close()
	out := []crawler.Search{}
	for rows.Next() {
		s, err := scanSearch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan search: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate searches: %w", err)
	}
	return out, nil
}

// CreateSearch inserts a new search row.
func (s *Store) CreateSearch(ctx context.Context, search crawler.Search) error {
	now := s.clock.Now()
	if search.CreatedAt.IsZero() {
		search.CreatedAt = now
	}
	finished := search.FinishedCategories
	if finished == nil {
		finished = []string{}
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO searches (
	id, query, categories, finished_categories, next_category, next_cursor,
	finished, deleted, job_id, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		search.ID,
		search.Query,
		search.Categories,
		finished,
		search.Checkpoint.NextCategory,
		search.Checkpoint.NextCursor,
		search.Finished,
		search.Deleted,
		search.JobID,
		search.CreatedAt,
		now,
	)
	if hasCode(err, codeUniqueViolation) {
		return fmt.Errorf("search %s already exists", search.ID)
	}
	if err != nil {
		return fmt.Errorf("insert search: %w", err)
	}
	return nil
}

// GetSearch loads one search, including soft-deleted ones.
func (s *Store) GetSearch(ctx context.Context, id string) (crawler.Search, error) {
	return getSearch(ctx, s.db, id, false)
}

func getSearch(ctx context.Context, q querier, id string, forUpdate bool) (crawler.Search, error) {
	query := `SELECT ` + searchColumns + ` FROM searches WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	search, err := scanSearch(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Search{}, fmt.Errorf("search %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Search{}, fmt.Errorf("select search: %w", err)
	}
	return search, nil
}

// ListSearches returns searches newest first.
func (s *Store) ListSearches(ctx context.Context, filter crawler.SearchFilter) ([]crawler.Search, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+searchColumns+`
FROM searches
WHERE ($1 OR NOT deleted) AND (NOT $2 OR NOT finished)
ORDER BY created_at DESC, id DESC
LIMIT $3 OFFSET $4`,
		filter.IncludeDeleted,
		filter.UnfinishedOnly,
		limitArg(filter.Limit),
		offsetArg(filter.Offset),
	)
	if err != nil {
		return nil, fmt.Errorf("list searches: %w", err)
	}
	return collectSearches(rows)
}

// MutateSearch locks the row, applies fn and writes the result in one
// transaction. Concurrent mutations of the same search serialize on the lock.
func (s *Store) MutateSearch(ctx context.Context, id string, fn func(*crawler.Search) error) (crawler.Search, error) {
	var out crawler.Search
	err := s.withTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		search, err := getSearch(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := fn(&search); err != nil {
			return err
		}
		search.UpdatedAt = s.clock.Now()
		finished := search.FinishedCategories
		if finished == nil {
			finished = []string{}
		}
		if _, err := tx.Exec(ctx, `
UPDATE searches SET
	categories = $2,
	finished_categories = $3,
	next_category = $4,
	next_cursor = $5,
	finished = $6,
	deleted = $7,
	job_id = $8,
	updated_at = $9
WHERE id = $1`,
			search.ID,
			search.Categories,
			finished,
			search.Checkpoint.NextCategory,
			search.Checkpoint.NextCursor,
			search.Finished,
			search.Deleted,
			search.JobID,
			search.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update search: %w", err)
		}
		out = search
		return nil
	})
	if err != nil {
		return crawler.Search{}, err
	}
	return out, nil
}

// ListStaleSearches returns searches last updated before cutoff, oldest first.
func (s *Store) ListStaleSearches(ctx context.Context, cutoff time.Time) ([]crawler.Search, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+searchColumns+`
FROM searches
WHERE updated_at < $1
ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale searches: %w", err)
	}
	return collectSearches(rows)
}

// PurgeSearch hard-deletes the search if it was not updated since cutoff.
// Entries, counts and runs cascade.
func (s *Store) PurgeSearch(ctx context.Context, id string, cutoff time.Time) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM searches WHERE id = $1 AND updated_at < $2`, id, cutoff)
	if err != nil {
		return fmt.Errorf("delete search: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stale search %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}
