// Package entries persists normalized search results idempotently.
package entries

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"go.uber.org/zap"
)

// Recorder links entries to known sources and inserts them once.
type Recorder struct {
	entries crawler.EntryStore
	refs    crawler.ReferenceStore
	logger  *zap.Logger
}

// NewRecorder builds a Recorder.
func NewRecorder(entries crawler.EntryStore, refs crawler.ReferenceStore, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{entries: entries, refs: refs, logger: logger.Named("entries")}
}

// Persist stores the entry. A previously recorded entry yields PersistAlreadyExists.
func (r *Recorder) Persist(ctx context.Context, entry crawler.ResultEntry) (crawler.PersistResult, error) {
	sourceID, err := r.resolveSource(ctx, entry.ExternalSourceID)
	if err != nil {
		return "", err
	}
	entry.SourceID = sourceID

	if err := r.entries.InsertEntry(ctx, entry); err != nil {
		if errors.Is(err, crawler.ErrDuplicateEntry) {
			metrics.ObserveEntry(string(crawler.PersistAlreadyExists))
			return crawler.PersistAlreadyExists, nil
		}
		return "", fmt.Errorf("insert entry %s: %w", entry.ExternalDocID, err)
	}
	metrics.ObserveEntry(string(crawler.PersistCreated))
	return crawler.PersistCreated, nil
}

// resolveSource returns nil for unknown venues; that is not an error.
func (r *Recorder) resolveSource(ctx context.Context, external string) (*int64, error) {
	if external == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(external, 10, 64)
	if err != nil {
		r.logger.Debug("non-numeric source id", zap.String("source_id", external))
		return nil, nil
	}
	src, err := r.refs.GetSource(ctx, id)
	if errors.Is(err, crawler.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup source %d: %w", id, err)
	}
	return &src.SourceID, nil
}
