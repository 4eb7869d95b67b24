package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	result := make(chan crawler.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	handle, err := q.Enqueue(context.Background(), crawler.QueueItem{JobID: "job-1", SearchID: "s1", Query: "heart"})
	require.NoError(t, err)
	require.Equal(t, crawler.JobHandle{ID: "job-1", Status: crawler.JobStatusQueued}, handle)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.JobID)
		require.Equal(t, "s1", got.SearchID)
		require.Equal(t, crawler.PriorityDefault, got.Priority)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueDrainsByPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(4, nil)
	for _, item := range []crawler.QueueItem{
		{JobID: "low", Priority: crawler.PriorityLow},
		{JobID: "default", Priority: crawler.PriorityDefault},
		{JobID: "high", Priority: crawler.PriorityHigh},
	} {
		_, err := q.Enqueue(ctx, item)
		require.NoError(t, err)
	}

	var order []string
	for range 3 {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		order = append(order, item.JobID)
	}
	require.Equal(t, []string{"high", "default", "low"}, order)
}

func TestQueueSkipsJobsCanceledWhileQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(4, nil)
	_, err := q.Enqueue(ctx, crawler.QueueItem{JobID: "a"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, crawler.QueueItem{JobID: "b"})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, "a"))

	job, err := q.Fetch(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, job.Status)
	require.NotNil(t, job.FinishedAt)

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", item.JobID)
}

func TestQueueLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := system.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewQueue(2, clk)
	_, err := q.Enqueue(ctx, crawler.QueueItem{JobID: "j", SearchID: "s"})
	require.NoError(t, err)

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	require.NoError(t, q.MarkRunning(ctx, "j"))
	require.ErrorIs(t, q.MarkRunning(ctx, "j"), crawler.ErrInvalidTransition)
	require.NoError(t, q.Heartbeat(ctx, "j"))
	require.ErrorIs(t, q.Heartbeat(ctx, "missing"), crawler.ErrNotFound)

	require.NoError(t, q.Cancel(ctx, "j"))
	canceled, err := q.IsCanceled(ctx, "j")
	require.NoError(t, err)
	require.True(t, canceled)
	job, err := q.Fetch(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, job.Status)

	clk.Advance(time.Minute)
	require.NoError(t, q.Complete(ctx, "j", crawler.JobStatusCanceled, ""))
	job, err = q.Fetch(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCanceled, job.Status)
	require.Equal(t, clk.Now(), *job.FinishedAt)

	active, err = q.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, active)

	require.ErrorIs(t, q.Heartbeat(ctx, "j"), crawler.ErrInvalidTransition)
	require.NoError(t, q.Cancel(ctx, "j"))
	require.ErrorIs(t, q.Cancel(ctx, "missing"), crawler.ErrNotFound)
	require.ErrorIs(t, q.Complete(ctx, "j", crawler.JobStatusRunning, ""), crawler.ErrInvalidTransition)
}

func TestQueueRejectsBadItems(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue(1, nil)
	_, err := q.Enqueue(ctx, crawler.QueueItem{})
	require.True(t, crawler.IsValidation(err))
	_, err = q.Enqueue(ctx, crawler.QueueItem{JobID: "x", Priority: "urgent"})
	require.True(t, crawler.IsValidation(err))

	_, err = q.Enqueue(ctx, crawler.QueueItem{JobID: "x"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, crawler.QueueItem{JobID: "x"})
	require.Error(t, err)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewQueue(1, nil).Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	q := NewQueue(1, nil)
	_, err = q.Enqueue(context.Background(), crawler.QueueItem{JobID: "primed"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, crawler.QueueItem{JobID: "blocked"})
	require.EqualError(t, err, "enqueue canceled: context canceled")
	_, err = q.Fetch(context.Background(), "blocked")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, nil)
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	q.Close()
}
