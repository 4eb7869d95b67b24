package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/progress"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Page events go to debug level since a
// long crawl produces thousands of them.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("search_id", evt.SearchID),
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Category != "" {
			fields = append(fields, zap.String("category", evt.Category))
		}
		if evt.Stage == progress.StagePageDone {
			fields = append(fields,
				zap.Int("page", evt.Page),
				zap.Int64("entries", evt.Entries),
				zap.Int64("created", evt.Created),
				zap.Int64("duplicates", evt.Duplicates),
				zap.Int64("skipped", evt.Skipped),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StagePageDone:
			s.logger.Debug("progress event", fields...)
		case progress.StageSearchError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
