// Package session is the entry point for search lifecycle operations: it
// creates searches, hands them to the job queue and reports on their state.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/store"
)

// DefaultPriorityCategory is crawled first when categories are defaulted.
const DefaultPriorityCategory = "MULT"

// Pending reasons reported by ListPending.
const (
	ReasonActive  = "active"
	ReasonStalled = "stalled"
)

// Transitions applies checkpoint transitions atomically.
type Transitions interface {
	Restart(ctx context.Context, searchID string, category *string) (crawler.Search, error)
	Delete(ctx context.Context, searchID string) (crawler.Search, error)
	AssignJob(ctx context.Context, searchID, jobID string) (crawler.Search, error)
}

// Config tunes the Manager.
type Config struct {
	PriorityCategory string
	// JobTimeout is stamped on every enqueued job.
	JobTimeout time.Duration
}

// Manager coordinates searches, checkpoints and the job queue.
type Manager struct {
	searches    crawler.SearchStore
	counts      crawler.CountsStore
	runs        store.RunRepository
	transitions Transitions
	queue       crawler.JobQueue
	categories  crawler.CategoryProvider
	ids         crawler.IDGenerator
	clock       crawler.Clock
	cfg         Config
	logger      *zap.Logger
}

// NewManager wires a Manager. runs may be nil when run history is not kept.
func NewManager(
	searches crawler.SearchStore,
	counts crawler.CountsStore,
	runs store.RunRepository,
	transitions Transitions,
	queue crawler.JobQueue,
	categories crawler.CategoryProvider,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.PriorityCategory == "" {
		cfg.PriorityCategory = DefaultPriorityCategory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		searches:    searches,
		counts:      counts,
		runs:        runs,
		transitions: transitions,
		queue:       queue,
		categories:  categories,
		ids:         ids,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.Named("session"),
	}
}

// PendingSearch is an unfinished search that is running or can be resumed.
type PendingSearch struct {
	Search crawler.Search `json:"search"`
	State  string         `json:"state"`
	Reason string         `json:"reason"`
	Job    *crawler.Job   `json:"job,omitempty"`
}

// Results is a search together with its aggregated counts.
type Results struct {
	Search crawler.Search           `json:"search"`
	State  crawler.SearchState      `json:"state"`
	Counts []crawler.CategoryCounts `json:"counts"`
}

// StartSearch creates a search and enqueues its first job. When categories is
// empty every known category is used, priority category first.
func (m *Manager) StartSearch(ctx context.Context, query string, categories []string) (crawler.Search, crawler.JobHandle, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return crawler.Search{}, crawler.JobHandle{}, crawler.NewValidationError("query", "must not be blank")
	}
	known, err := m.categories.Categories(ctx)
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, fmt.Errorf("list categories: %w", err)
	}
	selected, err := m.resolveCategories(categories, known)
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, err
	}

	id, err := m.ids.NewID()
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, fmt.Errorf("generate search id: %w", err)
	}
	search := crawler.Search{
		ID:         id,
		Query:      query,
		Categories: selected,
		CreatedAt:  m.clock.Now(),
	}
	if err := m.searches.CreateSearch(ctx, search); err != nil {
		return crawler.Search{}, crawler.JobHandle{}, fmt.Errorf("create search: %w", err)
	}
	m.logger.Info("search created",
		zap.String("search_id", id),
		zap.String("query", query),
		zap.Int("categories", len(selected)),
	)
	search, handle, err := m.enqueue(ctx, search, crawler.PriorityDefault)
	if err != nil {
		// The caller never learns this id, so the search must not linger.
		if _, dErr := m.transitions.Delete(context.WithoutCancel(ctx), id); dErr != nil {
			m.logger.Error("discarding unqueued search failed", zap.String("search_id", id), zap.Error(dErr))
		}
		return crawler.Search{}, crawler.JobHandle{}, err
	}
	return search, handle, nil
}

// RestartSearch cancels the current job, discards progress for category (or
// the whole search when nil) and enqueues a fresh high-priority job.
func (m *Manager) RestartSearch(ctx context.Context, id string, category *string) (crawler.Search, crawler.JobHandle, error) {
	search, err := m.GetSearch(ctx, id)
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, err
	}
	m.cancelJob(ctx, search)
	search, err = m.transitions.Restart(ctx, id, category)
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, err
	}
	fields := []zap.Field{zap.String("search_id", id)}
	if category != nil {
		fields = append(fields, zap.String("category", *category))
	}
	m.logger.Info("search restarted", fields...)
	return m.enqueue(ctx, search, crawler.PriorityHigh)
}

// ResumeSearch enqueues a job that continues from the stored checkpoint. If
// the search already has an active job its handle is returned instead.
func (m *Manager) ResumeSearch(ctx context.Context, id string) (crawler.Search, crawler.JobHandle, error) {
	search, err := m.GetSearch(ctx, id)
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, err
	}
	if search.Finished {
		return crawler.Search{}, crawler.JobHandle{}, fmt.Errorf("resume finished search %s: %w", id, crawler.ErrInvalidTransition)
	}
	if job, ok := m.activeJob(ctx, search); ok {
		return search, crawler.JobHandle{ID: job.ID, Status: job.Status}, nil
	}
	m.logger.Info("search resumed", zap.String("search_id", id))
	return m.enqueue(ctx, search, crawler.PriorityHigh)
}

// DeleteSearch cancels the search's job and soft-deletes it.
func (m *Manager) DeleteSearch(ctx context.Context, id string) error {
	search, err := m.searches.GetSearch(ctx, id)
	if err != nil {
		return fmt.Errorf("load search: %w", err)
	}
	m.cancelJob(ctx, search)
	if _, err := m.transitions.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("search deleted", zap.String("search_id", id))
	return nil
}

// GetSearch returns a non-deleted search.
func (m *Manager) GetSearch(ctx context.Context, id string) (crawler.Search, error) {
	search, err := m.searches.GetSearch(ctx, id)
	if err != nil {
		return crawler.Search{}, fmt.Errorf("load search: %w", err)
	}
	if search.Deleted {
		return crawler.Search{}, fmt.Errorf("search %s: %w", id, crawler.ErrNotFound)
	}
	return search, nil
}

// ListSearches pages through non-deleted searches, newest first.
func (m *Manager) ListSearches(ctx context.Context, limit, offset int) ([]crawler.Search, error) {
	out, err := m.searches.ListSearches(ctx, crawler.SearchFilter{Limit: limit, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("list searches: %w", err)
	}
	return out, nil
}

// ListPending returns searches with an active job followed by stalled
// searches that have progress but no job.
func (m *Manager) ListPending(ctx context.Context) ([]PendingSearch, error) {
	jobs, err := m.queue.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	out := make([]PendingSearch, 0, len(jobs))
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if _, dup := seen[job.SearchID]; dup {
			continue
		}
		search, err := m.searches.GetSearch(ctx, job.SearchID)
		if errors.Is(err, crawler.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load search %s: %w", job.SearchID, err)
		}
		if search.Deleted {
			continue
		}
		seen[search.ID] = struct{}{}
		j := job
		out = append(out, PendingSearch{Search: search, State: string(search.State()), Reason: ReasonActive, Job: &j})
	}

	unfinished, err := m.searches.ListSearches(ctx, crawler.SearchFilter{UnfinishedOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list unfinished searches: %w", err)
	}
	for _, search := range unfinished {
		if _, active := seen[search.ID]; active || !Stalled(search) {
			continue
		}
		out = append(out, PendingSearch{Search: search, State: string(search.State()), Reason: ReasonStalled})
	}
	return out, nil
}

// Stalled reports whether an unfinished search has progress worth resuming.
func Stalled(s crawler.Search) bool {
	if s.Finished || s.Deleted {
		return false
	}
	switch s.State() {
	case crawler.SearchStateInProgress:
		return true
	case crawler.SearchStatePending:
		return !s.Checkpoint.IsZero()
	default:
		return false
	}
}

// Results returns the search and its aggregated counts.
func (m *Manager) Results(ctx context.Context, id string) (Results, error) {
	search, err := m.GetSearch(ctx, id)
	if err != nil {
		return Results{}, err
	}
	counts, err := m.counts.ListCategoryCounts(ctx, id)
	if err != nil {
		return Results{}, fmt.Errorf("list counts: %w", err)
	}
	return Results{Search: search, State: search.State(), Counts: counts}, nil
}

// Runs returns the job history of a search, newest first.
func (m *Manager) Runs(ctx context.Context, id string, limit, offset int) ([]crawler.SearchRun, error) {
	if _, err := m.GetSearch(ctx, id); err != nil {
		return nil, err
	}
	if m.runs == nil {
		return []crawler.SearchRun{}, nil
	}
	runs, err := m.runs.ListRuns(ctx, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// enqueue records a new job id on the search before queueing it, so a worker
// never sees a job that the search does not own.
func (m *Manager) enqueue(ctx context.Context, search crawler.Search, priority crawler.Priority) (crawler.Search, crawler.JobHandle, error) {
	jobID, err := m.ids.NewID()
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, fmt.Errorf("generate job id: %w", err)
	}
	search, err = m.transitions.AssignJob(ctx, search.ID, jobID)
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, err
	}
	handle, err := m.queue.Enqueue(ctx, crawler.QueueItem{
		JobID:    jobID,
		SearchID: search.ID,
		Query:    search.Query,
		Priority: priority,
		Timeout:  m.cfg.JobTimeout,
	})
	if err != nil {
		return crawler.Search{}, crawler.JobHandle{}, fmt.Errorf("enqueue job: %w", err)
	}
	m.logger.Info("job enqueued",
		zap.String("search_id", search.ID),
		zap.String("job_id", jobID),
		zap.String("priority", string(priority)),
	)
	return search, handle, nil
}

// cancelJob cancels the search's current job. Failures are logged only.
func (m *Manager) cancelJob(ctx context.Context, search crawler.Search) {
	if search.JobID == nil {
		return
	}
	err := m.queue.Cancel(ctx, *search.JobID)
	switch {
	case err == nil:
		m.logger.Info("job canceled", zap.String("search_id", search.ID), zap.String("job_id", *search.JobID))
	case errors.Is(err, crawler.ErrNotFound):
	default:
		m.logger.Warn("cancel job failed", zap.String("search_id", search.ID), zap.String("job_id", *search.JobID), zap.Error(err))
	}
}

func (m *Manager) activeJob(ctx context.Context, search crawler.Search) (crawler.Job, bool) {
	if search.JobID == nil {
		return crawler.Job{}, false
	}
	job, err := m.queue.Fetch(ctx, *search.JobID)
	if err != nil || !job.Status.Active() {
		return crawler.Job{}, false
	}
	return job, true
}

func (m *Manager) resolveCategories(requested, known []string) ([]string, error) {
	if len(requested) == 0 {
		defaults := DefaultCategories(known, m.cfg.PriorityCategory)
		if len(defaults) == 0 {
			return nil, crawler.NewValidationError("categories", "no categories available")
		}
		return defaults, nil
	}
	out := make([]string, 0, len(requested))
	for _, c := range requested {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || slices.Contains(out, c) {
			continue
		}
		if len(known) > 0 && !slices.Contains(known, c) {
			return nil, crawler.NewValidationError("categories", fmt.Sprintf("unknown category %q", c))
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, crawler.NewValidationError("categories", "must not be empty")
	}
	return out, nil
}

// DefaultCategories sorts the known categories alphabetically and moves the
// priority category to the front.
func DefaultCategories(known []string, priority string) []string {
	out := slices.Clone(known)
	slices.Sort(out)
	out = slices.Compact(out)
	if i := slices.Index(out, priority); i > 0 {
		out = slices.Delete(out, i, i+1)
		out = slices.Insert(out, 0, priority)
	}
	return out
}
