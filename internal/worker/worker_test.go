package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/aggregator"
	"github.com/JakeFAU/scopus-crawler/internal/checkpoint"
	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	"github.com/JakeFAU/scopus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/scopus-crawler/internal/paginator"
	"github.com/JakeFAU/scopus-crawler/internal/progress"
	pubmemory "github.com/JakeFAU/scopus-crawler/internal/publisher/memory"
	queuememory "github.com/JakeFAU/scopus-crawler/internal/queue/memory"
	"github.com/JakeFAU/scopus-crawler/internal/storage/memory"
)

type runResult struct {
	outcome paginator.Outcome
	err     error
}

type fakeRunner struct {
	mu      sync.Mutex
	results map[string]runResult
	block   map[string]bool
	ran     []string
}

func (r *fakeRunner) RunCategory(ctx context.Context, _ crawler.Search, category string) (paginator.Outcome, error) {
	r.mu.Lock()
	r.ran = append(r.ran, category)
	res, ok := r.results[category]
	block := r.block[category]
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return paginator.Outcome{}, ctx.Err()
	}
	if !ok {
		return paginator.Outcome{Exhausted: true, Pages: 1}, nil
	}
	return res.outcome, res.err
}

func (r *fakeRunner) Ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

func (e *recordingEmitter) Stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Stage(nil), e.stages...)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

type fixture struct {
	store     *memory.Store
	queue     *queuememory.Queue
	blobs     *memory.BlobStore
	publisher crawler.Publisher
	runner    *fakeRunner
	emitter   *recordingEmitter
	worker    *Worker
	search    crawler.Search
	item      crawler.QueueItem
}

func newFixture(t *testing.T, publisher crawler.Publisher, categories ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := system.NewManual(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		store:     memory.NewStore(clk),
		queue:     queuememory.NewQueue(4, clk),
		blobs:     memory.NewBlobStore(),
		publisher: publisher,
		runner:    &fakeRunner{results: map[string]runResult{}, block: map[string]bool{}},
		emitter:   &recordingEmitter{},
	}
	if len(categories) == 0 {
		categories = []string{"MULT", "MEDI"}
	}
	f.search = crawler.Search{ID: "search-1", Query: "heart", Categories: categories}
	require.NoError(t, f.store.CreateSearch(ctx, f.search))
	machine := checkpoint.NewMachine(f.store, zap.NewNop())
	_, err := machine.AssignJob(ctx, f.search.ID, "job-1")
	require.NoError(t, err)

	f.item = crawler.QueueItem{JobID: "job-1", SearchID: f.search.ID, Query: "heart"}
	_, err = f.queue.Enqueue(ctx, f.item)
	require.NoError(t, err)
	_, err = f.queue.Dequeue(ctx)
	require.NoError(t, err)

	f.worker = New(Deps{
		Queue:      f.queue,
		Searches:   f.store,
		Counts:     f.store,
		Runner:     f.runner,
		Summarizer: aggregator.New(f.store, f.store, f.store, clk, zap.NewNop()),
		Finisher:   machine,
		Blobs:      f.blobs,
		Publisher:  publisher,
		Hasher:     sha256.New(),
		Emitter:    f.emitter,
		Clock:      clk,
	}, Config{CancelPoll: 5 * time.Millisecond, Topic: "search-events"}, zap.NewNop())
	return f
}

func (f *fixture) job(t *testing.T) crawler.Job {
	t.Helper()
	job, err := f.queue.Fetch(context.Background(), f.item.JobID)
	require.NoError(t, err)
	return job
}

func (f *fixture) reload(t *testing.T) crawler.Search {
	t.Helper()
	s, err := f.store.GetSearch(context.Background(), f.search.ID)
	require.NoError(t, err)
	return s
}

func TestProcessJobFinishesSearchAndAnnounces(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	f := newFixture(t, pub)
	f.worker.ProcessJob(context.Background(), f.item)

	require.Equal(t, crawler.JobStatusSucceeded, f.job(t).Status)
	require.Equal(t, []string{"MULT", "MEDI"}, f.runner.Ran())
	s := f.reload(t)
	require.True(t, s.Finished)
	require.Equal(t, crawler.SearchStateFinished, s.State())

	rc, err := f.blobs.GetObject(context.Background(), "reports/search-1.json")
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Equal(t, "search-1", report.SearchID)
	require.Len(t, report.Counts, 2)

	msgs := pub.Messages("search-events")
	require.Len(t, msgs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	require.Equal(t, FinishedEvent, payload["event"])
	require.Equal(t, "memory://reports/search-1.json", payload["report_uri"])
	digest, err := sha256.New().Hash(raw)
	require.NoError(t, err)
	require.Equal(t, digest, payload["report_sha256"])

	require.Equal(t, progress.StageSearchStart, f.emitter.Stages()[0])
	require.Equal(t, progress.StageSearchDone, f.emitter.Stages()[len(f.emitter.Stages())-1])
}

func TestProcessJobPublishesThroughPublisher(t *testing.T) {
	t.Parallel()

	pub := &mockPublisher{}
	pub.On("Publish", mock.Anything, "search-events", mock.MatchedBy(func(p map[string]any) bool {
		return p["search_id"] == "search-1" && p["job_id"] == "job-1"
	})).Return("msg-1", nil).Once()

	f := newFixture(t, pub, "MEDI")
	f.worker.ProcessJob(context.Background(), f.item)

	require.Equal(t, crawler.JobStatusSucceeded, f.job(t).Status)
	pub.AssertExpectations(t)
}

func TestProcessJobPublishFailureKeepsJobSucceeded(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	pub.FailWith(errors.New("broker down"))
	f := newFixture(t, pub, "MEDI")
	f.worker.ProcessJob(context.Background(), f.item)

	require.Equal(t, crawler.JobStatusSucceeded, f.job(t).Status)
	require.True(t, f.reload(t).Finished)
}

func TestProcessJobStopsAtPageCeiling(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.results["MULT"] = runResult{outcome: paginator.Outcome{CeilingHit: true, Pages: 1000}}
	f.worker.ProcessJob(context.Background(), f.item)

	job := f.job(t)
	require.Equal(t, crawler.JobStatusSucceeded, job.Status)
	require.Equal(t, paginator.CeilingNote, job.ErrorText)
	require.Equal(t, []string{"MULT"}, f.runner.Ran())

	s := f.reload(t)
	require.False(t, s.Finished)
	require.Empty(t, s.FinishedCategories)

	counts, err := f.store.ListCategoryCounts(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, counts, 1)
}

func TestProcessJobFatalErrorFailsJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.results["MEDI"] = runResult{err: &crawler.UpstreamError{Message: "bad query"}}
	f.worker.ProcessJob(context.Background(), f.item)

	job := f.job(t)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "bad query")

	s := f.reload(t)
	require.Equal(t, []string{"MULT"}, s.FinishedCategories)
	require.Equal(t, crawler.SearchStateInProgress, s.State())
	require.Contains(t, f.emitter.Stages(), progress.StageSearchError)
}

func TestProcessJobCancellation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.block["MULT"] = true

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.worker.ProcessJob(context.Background(), f.item)
	}()

	require.Eventually(t, func() bool { return len(f.runner.Ran()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.queue.Cancel(context.Background(), f.item.JobID))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not observe cancellation")
	}
	require.Equal(t, crawler.JobStatusCanceled, f.job(t).Status)
	require.Contains(t, f.emitter.Stages(), progress.StageSearchCanceled)
	require.False(t, f.reload(t).Finished)
}

// reclaimedQueue refuses heartbeats once reclaimed is set, as a queue does
// after it has reaped the job.
type reclaimedQueue struct {
	*queuememory.Queue
	reclaimed atomic.Bool
}

func (q *reclaimedQueue) Heartbeat(ctx context.Context, jobID string) error {
	if q.reclaimed.Load() {
		return fmt.Errorf("heartbeat job %s: %w", jobID, crawler.ErrInvalidTransition)
	}
	return q.Queue.Heartbeat(ctx, jobID)
}

func TestProcessJobStopsWhenLeaseIsLost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.block["MULT"] = true
	queue := &reclaimedQueue{Queue: f.queue}
	deps := f.worker.deps
	deps.Queue = queue
	w := New(deps, Config{CancelPoll: time.Hour, Heartbeat: 5 * time.Millisecond}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.ProcessJob(context.Background(), f.item)
	}()

	require.Eventually(t, func() bool { return len(f.runner.Ran()) == 1 }, time.Second, 5*time.Millisecond)
	queue.reclaimed.Store(true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job kept running after losing its lease")
	}
	job := f.job(t)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "lease lost")
	require.False(t, f.reload(t).Finished)
}

func TestProcessJobRejectsQueryMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	item := f.item
	item.Query = "lung"
	f.worker.ProcessJob(context.Background(), item)

	job := f.job(t)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Contains(t, job.ErrorText, "query")
	require.Empty(t, f.runner.Ran())
}

func TestProcessJobSupersededJobIsCanceled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := checkpoint.NewMachine(f.store, nil).AssignJob(context.Background(), f.search.ID, "job-2")
	require.NoError(t, err)

	f.worker.ProcessJob(context.Background(), f.item)
	require.Equal(t, crawler.JobStatusCanceled, f.job(t).Status)
	require.Empty(t, f.runner.Ran())
}

func TestRunConsumesQueue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, "MEDI")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	second := crawler.Search{ID: "search-2", Query: "lung", Categories: []string{"MEDI"}}
	require.NoError(t, f.store.CreateSearch(ctx, second))
	_, err := f.queue.Enqueue(ctx, crawler.QueueItem{JobID: "job-2", SearchID: second.ID, Query: "lung"})
	require.NoError(t, err)

	go f.worker.Run(ctx)

	require.Eventually(t, func() bool {
		job, err := f.queue.Fetch(ctx, "job-2")
		return err == nil && job.Status == crawler.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)
}

func TestReportPath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "reports/abc.json", ReportPath("reports", "abc"))
	require.Equal(t, "a/b/abc.json", ReportPath("/a/b/", "abc"))
	require.Equal(t, "abc.json", ReportPath("", "abc"))
}
