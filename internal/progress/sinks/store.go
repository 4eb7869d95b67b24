package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/progress"
	"github.com/JakeFAU/scopus-crawler/internal/store"
)

// StoreSink records search run history through a store.RunRepository. Page
// deltas are collapsed per job before writing.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type runDelta struct {
	pages   int64
	entries int64
}

// Consume starts and completes runs in event order and applies the summed
// page deltas once per job. Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[string]*runDelta)
	order := make([]string, 0, 1)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSearchStart:
			if err := s.repo.StartRun(ctx, evt.JobID, evt.SearchID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StagePageDone:
			d := deltas[evt.JobID]
			if d == nil {
				d = &runDelta{}
				deltas[evt.JobID] = d
				order = append(order, evt.JobID)
			}
			d.pages++
			d.entries += evt.Entries
		case progress.StageSearchDone, progress.StageSearchError, progress.StageSearchCanceled:
			if err := s.complete(ctx, evt); err != nil {
				return err
			}
		}
	}

	for _, jobID := range order {
		d := deltas[jobID]
		if err := s.repo.AddProgress(ctx, jobID, d.pages, d.entries); err != nil {
			return fmt.Errorf("add run progress: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, evt progress.Event) error {
	status := crawler.JobStatusSucceeded
	switch evt.Stage {
	case progress.StageSearchError:
		status = crawler.JobStatusFailed
	case progress.StageSearchCanceled:
		status = crawler.JobStatusCanceled
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteRun(ctx, evt.JobID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
