package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// GetSource returns a source with its classification codes.
func (s *Store) GetSource(ctx context.Context, sourceID int64) (crawler.Source, error) {
	var src crawler.Source
	err := s.db.QueryRow(ctx, `
SELECT s.source_id, s.name, s.issn_print, s.issn_electronic,
	COALESCE(array_agg(sc.code ORDER BY sc.code) FILTER (WHERE sc.code IS NOT NULL), '{}')
FROM sources s
LEFT JOIN source_classifications sc ON sc.source_id = s.source_id
WHERE s.source_id = $1
GROUP BY s.source_id`, sourceID).Scan(
		&src.SourceID,
		&src.Name,
		&src.ISSNPrint,
		&src.ISSNElectronic,
		&src.ClassificationCodes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, fmt.Errorf("source %d: %w", sourceID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Source{}, fmt.Errorf("select source: %w", err)
	}
	return src, nil
}

// ListClassifications returns classifications ordered by code. An empty
// category lists all of them.
func (s *Store) ListClassifications(ctx context.Context, category string) ([]crawler.Classification, error) {
	rows, err := s.db.Query(ctx, `
SELECT code, name, category_abbr, category_name
FROM classifications
WHERE $1 = '' OR category_abbr = $1
ORDER BY code`, category)
	if err != nil {
		return nil, fmt.Errorf("list classifications: %w", err)
	}
	defer rows.Close()

	out := []crawler.Classification{}
	for rows.Next() {
		var c crawler.Classification
		if err := rows.Scan(&c.Code, &c.Name, &c.CategoryAbbr, &c.CategoryName); err != nil {
			return nil, fmt.Errorf("scan classification: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate classifications: %w", err)
	}
	return out, nil
}

// ListCategories derives the distinct categories from the classifications.
func (s *Store) ListCategories(ctx context.Context) ([]crawler.Category, error) {
	rows, err := s.db.Query(ctx, `
SELECT category_abbr, min(category_name)
FROM classifications
GROUP BY category_abbr
ORDER BY category_abbr`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	out := []crawler.Category{}
	for rows.Next() {
		var c crawler.Category
		if err := rows.Scan(&c.Abbr, &c.Name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return out, nil
}

// UpsertClassification inserts or replaces a classification by code.
func (s *Store) UpsertClassification(ctx context.Context, c crawler.Classification) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO classifications (code, name, category_abbr, category_name)
VALUES ($1,$2,$3,$4)
ON CONFLICT (code) DO UPDATE SET
	name = EXCLUDED.name,
	category_abbr = EXCLUDED.category_abbr,
	category_name = EXCLUDED.category_name`,
		c.Code, c.Name, c.CategoryAbbr, c.CategoryName)
	if err != nil {
		return fmt.Errorf("upsert classification: %w", err)
	}
	return nil
}

// UpsertSource inserts or updates a source. Existing classification links are kept.
func (s *Store) UpsertSource(ctx context.Context, src crawler.Source) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO sources (source_id, name, issn_print, issn_electronic)
VALUES ($1,$2,$3,$4)
ON CONFLICT (source_id) DO UPDATE SET
	name = EXCLUDED.name,
	issn_print = EXCLUDED.issn_print,
	issn_electronic = EXCLUDED.issn_electronic`,
		src.SourceID, src.Name, src.ISSNPrint, src.ISSNElectronic)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

// LinkSourceClassification tags a source with a classification code. Linking
// twice is a no-op; an unknown source or code is ErrNotFound.
func (s *Store) LinkSourceClassification(ctx context.Context, sourceID int64, code string) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO source_classifications (source_id, code)
VALUES ($1,$2)
ON CONFLICT DO NOTHING`, sourceID, code)
	if hasCode(err, codeForeignKeyViolation) {
		return fmt.Errorf("link source %d to %s: %w", sourceID, code, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("link source classification: %w", err)
	}
	return nil
}
