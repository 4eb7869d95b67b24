package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// InsertEntry records an entry once per (search, category, external doc id).
func (s *Store) InsertEntry(ctx context.Context, entry crawler.ResultEntry) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO entries (
	search_id, category_abbr, external_doc_id, doi, title,
	first_author, doc_type, publication_name, source_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.SearchID,
		entry.CategoryAbbr,
		entry.ExternalDocID,
		entry.DOI,
		entry.Title,
		entry.FirstAuthor,
		entry.DocType,
		entry.PublicationName,
		entry.SourceID,
	)
	if hasCode(err, codeUniqueViolation) {
		return crawler.ErrDuplicateEntry
	}
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

// TallyCategory reads total, unknown and per-classification counts from one
// snapshot. An entry whose source carries several classifications is counted
// under each of them.
func (s *Store) TallyCategory(ctx context.Context, searchID, category string) (crawler.CategoryTally, error) {
	tally := crawler.CategoryTally{ByClassification: make(map[string]int)}
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := s.withTx(ctx, opts, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
SELECT count(*), count(*) FILTER (WHERE source_id IS NULL)
FROM entries
WHERE search_id = $1 AND category_abbr = $2`, searchID, category).Scan(&tally.Total, &tally.Unknown); err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		rows, err := tx.Query(ctx, `
SELECT sc.code, count(*)
FROM entries e
JOIN source_classifications sc ON sc.source_id = e.source_id
WHERE e.search_id = $1 AND e.category_abbr = $2
GROUP BY sc.code`, searchID, category)
		if err != nil {
			return fmt.Errorf("count classifications: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				code string
				n    int
			)
			if err := rows.Scan(&code, &n); err != nil {
				return fmt.Errorf("scan classification count: %w", err)
			}
			tally.ByClassification[code] = n
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate classification counts: %w", err)
		}
		return nil
	})
	if err != nil {
		return crawler.CategoryTally{}, err
	}
	return tally, nil
}

// entryWhere renders the filter as a WHERE clause over entries aliased e.
func entryWhere(filter crawler.EntryFilter) (string, []any) {
	clauses := []string{"e.search_id = $1"}
	args := []any{filter.SearchID}
	if filter.Category != "" {
		args = append(args, filter.Category)
		clauses = append(clauses, fmt.Sprintf("e.category_abbr = $%d", len(args)))
	}
	switch {
	case filter.UnknownOnly:
		clauses = append(clauses, "e.source_id IS NULL")
	case filter.Classification != "":
		args = append(args, filter.Classification)
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM source_classifications sc WHERE sc.source_id = e.source_id AND sc.code = $%d)",
			len(args)))
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListEntries returns entries matching the filter in insertion order.
func (s *Store) ListEntries(ctx context.Context, filter crawler.EntryFilter) ([]crawler.ResultEntry, error) {
	where, args := entryWhere(filter)
	args = append(args, limitArg(filter.Limit), offsetArg(filter.Offset))
	query := fmt.Sprintf(`
SELECT e.search_id, e.category_abbr, e.external_doc_id, e.doi, e.title,
	e.first_author, e.doc_type, e.publication_name, e.source_id
FROM entries e
%s
ORDER BY e.id
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	out := []crawler.ResultEntry{}
	for rows.Next() {
		var e crawler.ResultEntry
		if err := rows.Scan(
			&e.SearchID,
			&e.CategoryAbbr,
			&e.ExternalDocID,
			&e.DOI,
			&e.Title,
			&e.FirstAuthor,
			&e.DocType,
			&e.PublicationName,
			&e.SourceID,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// SourceBreakdown counts matching entries per source, largest first. Entries
// without a known source are grouped under "Unknown".
func (s *Store) SourceBreakdown(ctx context.Context, filter crawler.EntryFilter) ([]crawler.SourceCount, error) {
	where, args := entryWhere(filter)
	args = append(args, limitArg(filter.Limit), offsetArg(filter.Offset))
	query := fmt.Sprintf(`
SELECT e.source_id, COALESCE(src.name, 'Unknown') AS name, count(*) AS n
FROM entries e
LEFT JOIN sources src ON src.source_id = e.source_id
%s
GROUP BY e.source_id, src.name
ORDER BY n DESC, name
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("source breakdown: %w", err)
	}
	defer rows.Close()

	out := []crawler.SourceCount{}
	for rows.Next() {
		var sc crawler.SourceCount
		if err := rows.Scan(&sc.SourceID, &sc.Name, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan source count: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source counts: %w", err)
	}
	return out, nil
}
