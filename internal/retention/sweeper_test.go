package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
	queuememory "github.com/JakeFAU/scopus-crawler/internal/queue/memory"
	"github.com/JakeFAU/scopus-crawler/internal/storage/memory"
)

type erroringQueue struct {
	crawler.JobQueue
}

func (erroringQueue) ListActive(context.Context) ([]crawler.Job, error) {
	return nil, errors.New("redis unavailable")
}

func seed(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateSearch(context.Background(), crawler.Search{
		ID:         id,
		Query:      "q " + id,
		Categories: []string{"CHEM"},
	}))
}

func TestSweepOncePurgesStaleSearches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := system.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	queue := queuememory.NewQueue(4, clk)
	t.Cleanup(queue.Close)

	seed(t, store, "old")
	seed(t, store, "busy")
	require.NoError(t, store.InsertEntry(ctx, crawler.ResultEntry{SearchID: "old", CategoryAbbr: "CHEM", ExternalDocID: "1", Title: "t"}))
	_, err := queue.Enqueue(ctx, crawler.QueueItem{JobID: "job-1", SearchID: "busy", Query: "q", Priority: crawler.PriorityDefault})
	require.NoError(t, err)

	clk.Advance(23 * time.Hour)
	seed(t, store, "fresh")
	clk.Advance(2 * time.Hour)

	sweeper := NewSweeper(store, queue, clk, Config{StaleAfter: 24 * time.Hour}, zap.NewNop())
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = store.GetSearch(ctx, "old")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	entries, err := store.ListEntries(ctx, crawler.EntryFilter{SearchID: "old"})
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = store.GetSearch(ctx, "busy")
	require.NoError(t, err)
	_, err = store.GetSearch(ctx, "fresh")
	require.NoError(t, err)

	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

// resumingQueue resumes a search while the sweeper is between its stale
// listing and the purge.
type resumingQueue struct {
	*queuememory.Queue
	resume func()
}

func (q resumingQueue) ListActive(ctx context.Context) ([]crawler.Job, error) {
	jobs, err := q.Queue.ListActive(ctx)
	q.resume()
	return jobs, err
}

func TestSweepOnceSparesSearchResumedMidSweep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := system.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	queue := queuememory.NewQueue(4, clk)
	t.Cleanup(queue.Close)
	seed(t, store, "old")
	clk.Advance(48 * time.Hour)

	resume := func() {
		_, err := store.MutateSearch(ctx, "old", func(search *crawler.Search) error {
			job := "job-2"
			search.JobID = &job
			return nil
		})
		require.NoError(t, err)
	}
	sweeper := NewSweeper(store, resumingQueue{Queue: queue, resume: resume}, clk, Config{StaleAfter: 24 * time.Hour}, zap.NewNop())
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := store.GetSearch(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, "job-2", *got.JobID)
}

func TestSweepOnceFailsWhenQueueUnavailable(t *testing.T) {
	t.Parallel()

	clk := system.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	seed(t, store, "old")
	clk.Advance(48 * time.Hour)

	sweeper := NewSweeper(store, erroringQueue{}, clk, Config{}, nil)
	_, err := sweeper.SweepOnce(context.Background())
	require.ErrorContains(t, err, "list active jobs")

	_, err = store.GetSearch(context.Background(), "old")
	require.NoError(t, err)
}

func TestRunSweepsUntilCanceled(t *testing.T) {
	t.Parallel()

	clk := system.NewManual(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	seed(t, store, "old")
	clk.Advance(25 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sweeper := NewSweeper(store, nil, clk, Config{Interval: 10 * time.Millisecond}, zap.NewNop())
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.GetSearch(context.Background(), "old")
		return errors.Is(err, crawler.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestNewSweeperDefaults(t *testing.T) {
	t.Parallel()

	s := NewSweeper(memory.NewStore(nil), nil, system.New(), Config{}, nil)
	require.Equal(t, DefaultStaleAfter, s.cfg.StaleAfter)
	require.Equal(t, DefaultInterval, s.cfg.Interval)
}
