// Package worker runs queued search jobs: every unfinished category is
// paginated, aggregated and marked finished, in the search's category order.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"github.com/JakeFAU/scopus-crawler/internal/paginator"
	"github.com/JakeFAU/scopus-crawler/internal/progress"
)

const (
	defaultCancelPoll   = 2 * time.Second
	defaultHeartbeat    = 30 * time.Second
	defaultJobTimeout   = 24 * time.Hour
	defaultReportPrefix = "reports"
	reportContentType   = "application/json"

	// FinishedEvent is the notification type published when a search completes.
	FinishedEvent = "search.finished"
)

var errSuperseded = errors.New("job superseded by a newer job")

// CategoryRunner paginates one category of a search.
type CategoryRunner interface {
	RunCategory(ctx context.Context, search crawler.Search, category string) (paginator.Outcome, error)
}

// Summarizer recomputes aggregated counts for a category.
type Summarizer interface {
	Summarize(ctx context.Context, searchID, category string) (crawler.CategoryCounts, error)
}

// CategoryFinisher marks a category complete.
type CategoryFinisher interface {
	FinishCategory(ctx context.Context, searchID, category string) (crawler.Search, error)
}

// Deps bundles the collaborators a Worker needs. Publisher and Blobs may be
// nil, which disables the completion notification and report export.
type Deps struct {
	Queue      crawler.JobQueue
	Searches   crawler.SearchStore
	Counts     crawler.CountsStore
	Runner     CategoryRunner
	Summarizer Summarizer
	Finisher   CategoryFinisher
	Blobs      crawler.BlobStore
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
	Emitter    progress.Emitter
	Clock      crawler.Clock
}

// Config controls Worker behavior.
type Config struct {
	// CancelPoll is how often a running job checks its cancel flag.
	CancelPoll time.Duration
	// Heartbeat is how often a running job renews its queue lease. It must
	// stay well under the queue's lease.
	Heartbeat time.Duration
	// JobTimeout applies when the queue item carries no timeout.
	JobTimeout   time.Duration
	ReportPrefix string
	Topic        string
}

// Worker consumes queue items and executes one search per job.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = defaultCancelPoll
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = defaultReportPrefix
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger.Named("worker")}
}

// Run blocks, consuming queue items until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID), zap.String("search_id", item.SearchID))
		w.ProcessJob(ctx, item)
	}
}

// ProcessJob runs a single job to a terminal status.
func (w *Worker) ProcessJob(ctx context.Context, item crawler.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("search_id", item.SearchID))
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.deps.Queue.MarkRunning(ctx, item.JobID); err != nil {
		logger.Warn("job not runnable", zap.Error(err))
		return
	}
	started := time.Now()
	w.emit(progress.Event{SearchID: item.SearchID, JobID: item.JobID, Stage: progress.StageSearchStart})

	timeout := item.Timeout
	if timeout <= 0 {
		timeout = w.cfg.JobTimeout
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var sig jobSignals
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		w.watchJob(jobCtx, item.JobID, cancel, &sig, logger)
	}()

	note, err := w.runSearch(jobCtx, item, logger)
	cancel()
	<-pollDone

	status, errText := w.finalStatus(ctx, jobCtx, err, &sig)
	if errText == "" {
		errText = note
	}
	// The terminal status must be recorded even when the worker is shutting down.
	if cErr := w.deps.Queue.Complete(context.WithoutCancel(ctx), item.JobID, status, errText); cErr != nil {
		logger.Error("final job status update failed", zap.Error(cErr))
	}
	metrics.ObserveJob(string(status))

	stage := progress.StageSearchDone
	switch status {
	case crawler.JobStatusFailed:
		stage = progress.StageSearchError
	case crawler.JobStatusCanceled:
		stage = progress.StageSearchCanceled
	}
	w.emit(progress.Event{
		SearchID: item.SearchID,
		JobID:    item.JobID,
		Stage:    stage,
		Dur:      time.Since(started),
		Note:     errText,
	})

	fields := []zap.Field{zap.String("status", string(status)), zap.Duration("elapsed", time.Since(started))}
	if errText != "" {
		fields = append(fields, zap.String("note", errText))
	}
	if status == crawler.JobStatusFailed {
		logger.Error("job finished", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("job finished", fields...)
}

// jobSignals records why watchJob stopped a job early.
type jobSignals struct {
	canceled  atomic.Bool
	leaseLost atomic.Bool
}

func (w *Worker) finalStatus(parent, jobCtx context.Context, err error, sig *jobSignals) (crawler.JobStatus, string) {
	switch {
	case sig.canceled.Load():
		return crawler.JobStatusCanceled, "canceled"
	case sig.leaseLost.Load():
		return crawler.JobStatusFailed, "lease lost: job was reclaimed by the queue"
	case errors.Is(err, errSuperseded):
		return crawler.JobStatusCanceled, err.Error()
	case err == nil:
		return crawler.JobStatusSucceeded, ""
	case parent.Err() != nil:
		return crawler.JobStatusFailed, "interrupted by shutdown"
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		return crawler.JobStatusFailed, "job timed out: " + err.Error()
	default:
		return crawler.JobStatusFailed, err.Error()
	}
}

// watchJob polls the queue's cancel flag and renews the job's lease until ctx
// ends. A lease the queue no longer honors stops the job.
func (w *Worker) watchJob(
	ctx context.Context,
	jobID string,
	cancel context.CancelFunc,
	sig *jobSignals,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()
	heartbeat := time.NewTicker(w.cfg.Heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			err := w.deps.Queue.Heartbeat(ctx, jobID)
			switch {
			case err == nil:
			case errors.Is(err, crawler.ErrInvalidTransition), errors.Is(err, crawler.ErrNotFound):
				logger.Warn("job lease lost", zap.Error(err))
				sig.leaseLost.Store(true)
				cancel()
				return
			case ctx.Err() == nil:
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-ticker.C:
			flagged, err := w.deps.Queue.IsCanceled(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("cancel poll failed", zap.Error(err))
				}
				continue
			}
			if flagged {
				logger.Info("cancel requested")
				sig.canceled.Store(true)
				cancel()
				return
			}
		}
	}
}

// runSearch crawls every unfinished category in order. The returned note is
// set when the run ended early without error.
func (w *Worker) runSearch(ctx context.Context, item crawler.QueueItem, logger *zap.Logger) (string, error) {
	search, err := w.deps.Searches.GetSearch(ctx, item.SearchID)
	if err != nil {
		return "", fmt.Errorf("load search: %w", err)
	}
	if search.Deleted {
		return "", fmt.Errorf("run search %s: %w", search.ID, crawler.ErrSearchDeleted)
	}
	if search.Query != item.Query {
		return "", crawler.NewValidationError("query", "job query does not match search query")
	}
	if search.JobID != nil && *search.JobID != item.JobID {
		return "", fmt.Errorf("search %s owned by job %s: %w", search.ID, *search.JobID, errSuperseded)
	}
	wasFinished := search.Finished

	persistCtx := context.WithoutCancel(ctx)
	for _, category := range search.UnfinishedCategories() {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("search interrupted: %w", err)
		}
		outcome, err := w.deps.Runner.RunCategory(ctx, search, category)
		if err != nil {
			return "", fmt.Errorf("category %s: %w", category, err)
		}
		if _, err := w.deps.Summarizer.Summarize(persistCtx, search.ID, category); err != nil {
			return "", fmt.Errorf("summarize category %s: %w", category, err)
		}
		if outcome.CeilingHit {
			logger.Warn("stopping search run at page ceiling",
				zap.String("category", category),
				zap.Int("pages", outcome.Pages),
			)
			return paginator.CeilingNote, nil
		}
		search, err = w.deps.Finisher.FinishCategory(persistCtx, search.ID, category)
		if err != nil {
			return "", fmt.Errorf("finish category %s: %w", category, err)
		}
	}

	if search.Finished && !wasFinished {
		w.announce(persistCtx, search, item.JobID, logger)
	}
	return "", nil
}

// Report is the JSON document exported when a search finishes.
type Report struct {
	SearchID   string                   `json:"search_id"`
	Query      string                   `json:"query"`
	Categories []string                 `json:"categories"`
	FinishedAt time.Time                `json:"finished_at"`
	Counts     []crawler.CategoryCounts `json:"counts"`
}

// announce exports the report and publishes the completion event. Failures
// are logged; the search itself is already finished.
func (w *Worker) announce(ctx context.Context, search crawler.Search, jobID string, logger *zap.Logger) {
	finishedAt := w.now()
	uri, digest, err := w.exportReport(ctx, search, finishedAt)
	if err != nil {
		logger.Error("report export failed", zap.Error(err))
	} else if uri != "" {
		logger.Info("report exported", zap.String("uri", uri), zap.String("sha256", digest))
	}

	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"event":       FinishedEvent,
		"search_id":   search.ID,
		"job_id":      jobID,
		"query":       search.Query,
		"report_uri":  uri,
		"finished_at": finishedAt.Format(time.RFC3339),
	}
	if digest != "" {
		payload["report_sha256"] = digest
	}
	msgID, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, payload)
	if err != nil {
		logger.Error("publish completion failed", zap.Error(err))
		return
	}
	logger.Info("search completion published", zap.String("message_id", msgID))
}

func (w *Worker) exportReport(ctx context.Context, search crawler.Search, finishedAt time.Time) (string, string, error) {
	if w.deps.Blobs == nil || w.deps.Counts == nil {
		return "", "", nil
	}
	counts, err := w.deps.Counts.ListCategoryCounts(ctx, search.ID)
	if err != nil {
		return "", "", fmt.Errorf("list counts: %w", err)
	}
	body, err := json.MarshalIndent(Report{
		SearchID:   search.ID,
		Query:      search.Query,
		Categories: search.Categories,
		FinishedAt: finishedAt,
		Counts:     counts,
	}, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode report: %w", err)
	}
	var digest string
	if w.deps.Hasher != nil {
		if digest, err = w.deps.Hasher.Hash(body); err != nil {
			return "", "", fmt.Errorf("hash report: %w", err)
		}
	}
	uri, err := w.deps.Blobs.PutObject(ctx, ReportPath(w.cfg.ReportPrefix, search.ID), reportContentType, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("put report: %w", err)
	}
	return uri, digest, nil
}

// ReportPath returns the blob path of a search's report.
func ReportPath(prefix, searchID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return searchID + ".json"
	}
	return path.Join(prefix, searchID+".json")
}

func (w *Worker) emit(evt progress.Event) {
	evt.TS = w.now()
	w.deps.Emitter.Emit(evt)
}

func (w *Worker) now() time.Time {
	if w.deps.Clock != nil {
		return w.deps.Clock.Now()
	}
	return time.Now().UTC()
}
