// Package memory provides an in-process job queue for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

type record struct {
	job      crawler.Job
	canceled bool
}

// Queue is a bounded in-memory priority queue with job bookkeeping. Each
// priority has its own lane; Dequeue drains high before default before low.
type Queue struct {
	lanes map[crawler.Priority]chan string
	clock crawler.Clock
	done  chan struct{}

	mu        sync.Mutex
	jobs      map[string]*record
	closeOnce sync.Once
}

var _ crawler.JobQueue = (*Queue)(nil)

// NewQueue constructs a queue whose lanes each hold capacity jobs. A nil clock
// uses wall time.
func NewQueue(capacity int, clock crawler.Clock) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if clock == nil {
		clock = system.New()
	}
	lanes := make(map[crawler.Priority]chan string, len(crawler.Priorities))
	for _, p := range crawler.Priorities {
		lanes[p] = make(chan string, capacity)
	}
	return &Queue{
		lanes: lanes,
		clock: clock,
		done:  make(chan struct{}),
		jobs:  make(map[string]*record),
	}
}

// Enqueue records the job as queued and pushes it onto its priority lane,
// blocking while the lane is full.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) (crawler.JobHandle, error) {
	if item.JobID == "" {
		return crawler.JobHandle{}, crawler.NewValidationError("job_id", "is required")
	}
	if item.Priority == "" {
		item.Priority = crawler.PriorityDefault
	}
	lane, ok := q.lanes[item.Priority]
	if !ok {
		return crawler.JobHandle{}, crawler.NewValidationError("priority", fmt.Sprintf("unknown priority %q", item.Priority))
	}

	q.mu.Lock()
	if _, exists := q.jobs[item.JobID]; exists {
		q.mu.Unlock()
		return crawler.JobHandle{}, fmt.Errorf("job %s already enqueued", item.JobID)
	}
	q.jobs[item.JobID] = &record{job: crawler.Job{
		ID:         item.JobID,
		SearchID:   item.SearchID,
		Query:      item.Query,
		Priority:   item.Priority,
		Status:     crawler.JobStatusQueued,
		Timeout:    item.Timeout,
		EnqueuedAt: q.clock.Now(),
	}}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.forget(item.JobID)
		return crawler.JobHandle{}, fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		q.forget(item.JobID)
		return crawler.JobHandle{}, ErrClosed
	case lane <- item.JobID:
		return crawler.JobHandle{ID: item.JobID, Status: crawler.JobStatusQueued}, nil
	}
}

// Dequeue pops the next runnable job, respecting priority and context
// cancellation. Jobs canceled while queued are skipped.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	for {
		id, err := q.next(ctx)
		if err != nil {
			return crawler.QueueItem{}, err
		}
		q.mu.Lock()
		rec, ok := q.jobs[id]
		if !ok || rec.canceled || rec.job.Status != crawler.JobStatusQueued {
			q.mu.Unlock()
			continue
		}
		item := crawler.QueueItem{
			JobID:    rec.job.ID,
			SearchID: rec.job.SearchID,
			Query:    rec.job.Query,
			Priority: rec.job.Priority,
			Timeout:  rec.job.Timeout,
		}
		q.mu.Unlock()
		return item, nil
	}
}

func (q *Queue) next(ctx context.Context) (string, error) {
	for _, p := range crawler.Priorities {
		select {
		case id := <-q.lanes[p]:
			return id, nil
		default:
		}
	}
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return "", ErrClosed
	case id := <-q.lanes[crawler.PriorityHigh]:
		return id, nil
	case id := <-q.lanes[crawler.PriorityDefault]:
		return id, nil
	case id := <-q.lanes[crawler.PriorityLow]:
		return id, nil
	}
}

// Cancel flags the job. A queued job becomes canceled immediately; a running
// job is canceled by its worker once it observes IsCanceled.
func (q *Queue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if !rec.job.Status.Active() {
		return nil
	}
	rec.canceled = true
	if rec.job.Status == crawler.JobStatusQueued {
		now := q.clock.Now()
		rec.job.Status = crawler.JobStatusCanceled
		rec.job.FinishedAt = &now
	}
	return nil
}

// Fetch returns a copy of the job record.
func (q *Queue) Fetch(_ context.Context, jobID string) (crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return rec.job, nil
}

// ListActive returns queued and running jobs ordered by enqueue time.
func (q *Queue) ListActive(_ context.Context) ([]crawler.Job, error) {
	q.mu.Lock()
	out := make([]crawler.Job, 0, len(q.jobs))
	for _, rec := range q.jobs {
		if rec.job.Status.Active() {
			out = append(out, rec.job)
		}
	}
	q.mu.Unlock()
	slices.SortFunc(out, func(a, b crawler.Job) int { return a.EnqueuedAt.Compare(b.EnqueuedAt) })
	return out, nil
}

// MarkRunning transitions a queued job to running.
func (q *Queue) MarkRunning(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if rec.job.Status != crawler.JobStatusQueued {
		return fmt.Errorf("mark running job %s in status %s: %w", jobID, rec.job.Status, crawler.ErrInvalidTransition)
	}
	now := q.clock.Now()
	rec.job.Status = crawler.JobStatusRunning
	rec.job.StartedAt = &now
	return nil
}

// Heartbeat confirms an active job. Jobs live as long as the process, so
// there is no lease to extend.
func (q *Queue) Heartbeat(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if !rec.job.Status.Active() {
		return fmt.Errorf("heartbeat job %s in status %s: %w", jobID, rec.job.Status, crawler.ErrInvalidTransition)
	}
	return nil
}

// Complete records the terminal status of a job.
func (q *Queue) Complete(_ context.Context, jobID string, status crawler.JobStatus, errText string) error {
	if status.Active() {
		return fmt.Errorf("complete job %s with status %s: %w", jobID, status, crawler.ErrInvalidTransition)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	now := q.clock.Now()
	rec.job.Status = status
	rec.job.FinishedAt = &now
	rec.job.ErrorText = errText
	return nil
}

// IsCanceled reports whether Cancel was called for the job.
func (q *Queue) IsCanceled(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return rec.canceled, nil
}

// Close stops the queue; blocked Enqueue and Dequeue calls return ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, jobID)
}
