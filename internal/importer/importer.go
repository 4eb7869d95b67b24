// Package importer loads the subject classification list and the upstream
// source list into the reference store.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/scopus"
	"github.com/JakeFAU/scopus-crawler/internal/storage/gcs"
)

const defaultConcurrency = 8

// ClassificationFetcher lists the upstream subject classifications.
type ClassificationFetcher interface {
	FetchClassifications(ctx context.Context) ([]crawler.SubjectClassification, error)
}

// Opener opens a source list by location.
type Opener func(ctx context.Context, location string) (io.ReadCloser, error)

// Config controls an import run.
type Config struct {
	// Execute writes to the store. When false the run only reports what it
	// would do.
	Execute     bool
	Concurrency int
}

// Summary reports what an import did (or would do in a dry run).
type Summary struct {
	Execute         bool `json:"execute"`
	Categories      int  `json:"categories"`
	Classifications int  `json:"classifications"`
	Sources         int  `json:"sources"`
	Links           int  `json:"links"`
	UnknownCodes    int  `json:"unknown_codes"`
	SkippedRows     int  `json:"skipped_rows"`
}

// Importer upserts reference data.
type Importer struct {
	fetcher ClassificationFetcher
	refs    crawler.ReferenceStore
	open    Opener
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Importer.
func New(fetcher ClassificationFetcher, refs crawler.ReferenceStore, open Opener, cfg Config, logger *zap.Logger) *Importer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Importer{
		fetcher: fetcher,
		refs:    refs,
		open:    open,
		cfg:     cfg,
		logger:  logger.Named("importer"),
	}
}

// Run refreshes classifications from upstream and then loads the source list
// at location. An empty location only refreshes classifications.
func (im *Importer) Run(ctx context.Context, location string) (Summary, error) {
	sum := Summary{Execute: im.cfg.Execute}
	mode := "dry-run"
	if im.cfg.Execute {
		mode = "execute"
	}
	im.logger.Info("import started", zap.String("mode", mode), zap.String("sources", location))

	known, err := im.importClassifications(ctx, &sum)
	if err != nil {
		return sum, err
	}
	if location == "" {
		return sum, nil
	}
	if err := im.importSources(ctx, location, known, &sum); err != nil {
		return sum, err
	}
	im.logger.Info("import finished",
		zap.String("mode", mode),
		zap.Int("classifications", sum.Classifications),
		zap.Int("sources", sum.Sources),
		zap.Int("links", sum.Links),
		zap.Int("unknown_codes", sum.UnknownCodes),
		zap.Int("skipped_rows", sum.SkippedRows),
	)
	return sum, nil
}

func (im *Importer) importClassifications(ctx context.Context, sum *Summary) (map[string]bool, error) {
	items, err := im.fetcher.FetchClassifications(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch classifications: %w", err)
	}
	categories, classifications := scopus.ToReference(items)
	sum.Categories = len(categories)
	sum.Classifications = len(classifications)
	im.logger.Info("classifications fetched",
		zap.Int("categories", len(categories)),
		zap.Int("classifications", len(classifications)),
	)

	known := make(map[string]bool, len(classifications))
	for _, c := range classifications {
		known[c.Code] = true
		if !im.cfg.Execute {
			continue
		}
		if err := im.refs.UpsertClassification(ctx, c); err != nil {
			return nil, fmt.Errorf("upsert classification %s: %w", c.Code, err)
		}
	}
	return known, nil
}

func (im *Importer) importSources(ctx context.Context, location string, known map[string]bool, sum *Summary) error {
	rc, err := im.open(ctx, location)
	if err != nil {
		return fmt.Errorf("open source list: %w", err)
	}
	defer func() { _ = rc.Close() }()

	rows, skipped, err := ReadSources(rc)
	if err != nil {
		return fmt.Errorf("read source list: %w", err)
	}
	for _, rowErr := range skipped {
		im.logger.Warn("source row skipped", zap.Int("line", rowErr.Line), zap.String("reason", rowErr.Reason))
	}
	sum.SkippedRows = len(skipped)
	sum.Sources = len(rows)

	var links, unknown, done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.cfg.Concurrency)
	for _, row := range rows {
		g.Go(func() error {
			l, u, err := im.importSource(gctx, row, known)
			if err != nil {
				return err
			}
			links.Add(int64(l))
			unknown.Add(int64(u))
			if n := done.Add(1); n%1000 == 0 {
				im.logger.Info("import progress", zap.Int64("done", n), zap.Int("total", len(rows)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("import sources: %w", err)
	}
	sum.Links = int(links.Load())
	sum.UnknownCodes = int(unknown.Load())
	return nil
}

// importSource upserts one source and links its classification codes. Codes
// missing from the classification list are logged and skipped.
func (im *Importer) importSource(ctx context.Context, row SourceRow, known map[string]bool) (int, int, error) {
	src := row.Source
	if im.cfg.Execute {
		if err := im.refs.UpsertSource(ctx, crawler.Source{
			SourceID:       src.SourceID,
			Name:           src.Name,
			ISSNPrint:      src.ISSNPrint,
			ISSNElectronic: src.ISSNElectronic,
		}); err != nil {
			return 0, 0, fmt.Errorf("upsert source %d: %w", src.SourceID, err)
		}
	}

	var links, unknown int
	for _, code := range src.ClassificationCodes {
		if !known[code] {
			unknown++
			im.logger.Warn("unknown classification code",
				zap.Int64("source_id", src.SourceID),
				zap.String("source", src.Name),
				zap.String("code", code),
				zap.Int("line", row.Line),
			)
			continue
		}
		if im.cfg.Execute {
			err := im.refs.LinkSourceClassification(ctx, src.SourceID, code)
			if errors.Is(err, crawler.ErrNotFound) {
				unknown++
				im.logger.Warn("classification link rejected",
					zap.Int64("source_id", src.SourceID),
					zap.String("code", code),
					zap.Error(err),
				)
				continue
			}
			if err != nil {
				return 0, 0, fmt.Errorf("link source %d to %s: %w", src.SourceID, code, err)
			}
		}
		links++
	}
	return links, unknown, nil
}

// NewOpener returns an Opener that reads gs:// locations through a storage
// client created by dial on first use, and anything else from the local
// filesystem.
func NewOpener(dial func(ctx context.Context) (*storage.Client, error)) Opener {
	return func(ctx context.Context, location string) (io.ReadCloser, error) {
		if !gcs.IsURI(location) {
			f, err := os.Open(location) // #nosec G304 -- operator supplied path.
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", location, err)
			}
			return f, nil
		}
		client, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		rc, err := gcs.OpenURI(ctx, client, location)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &clientReader{ReadCloser: rc, client: client}, nil
	}
}

type clientReader struct {
	io.ReadCloser
	client *storage.Client
}

func (r *clientReader) Close() error {
	err := r.ReadCloser.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
