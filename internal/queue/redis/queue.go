// Package redis implements crawler.JobQueue on Redis so jobs survive process
// restarts and several serve instances can share one queue.
//
// Layout under the configured key prefix:
//
//	<prefix>:queue:<priority>  LIST of job ids, popped with BLPOP high→default→low
//	<prefix>:job:<id>          STRING holding the JSON-encoded crawler.Job
//	<prefix>:active            SET of queued or running job ids
//	<prefix>:canceled:<id>     STRING flag set by Cancel
//
// Dequeue claims a job with a lease that the worker renews through Heartbeat.
// Once a lease runs out the job is failed the next time it is read, so a
// crashed worker never keeps its search looking busy.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/clock/system"
	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

const (
	defaultKeyPrefix   = "scopus"
	defaultPollTimeout = 5 * time.Second
	defaultCancelTTL   = 48 * time.Hour
	maxUpdateAttempts  = 5

	// DefaultLease is how long a claim survives without a heartbeat.
	DefaultLease = 2 * time.Minute
	// LeaseExpiredNote is recorded on jobs failed because their lease ran out.
	LeaseExpiredNote = "lease expired: worker stopped heartbeating"
)

var errNotClaimable = errors.New("job is not claimable")

// Config tunes the Redis queue.
type Config struct {
	KeyPrefix string
	// PollTimeout bounds each BLPOP so Dequeue notices ctx cancellation.
	PollTimeout time.Duration
	// CancelTTL expires cancel flags after jobs finish.
	CancelTTL time.Duration
	// Lease bounds how long a claimed job may go without a heartbeat.
	Lease time.Duration
}

// Queue is a Redis-backed priority job queue.
type Queue struct {
	rdb    goredis.UniversalClient
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger
}

var _ crawler.JobQueue = (*Queue)(nil)

// New wraps an existing Redis client.
func New(rdb goredis.UniversalClient, cfg Config, clock crawler.Clock, logger *zap.Logger) *Queue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.CancelTTL <= 0 {
		cfg.CancelTTL = defaultCancelTTL
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{rdb: rdb, cfg: cfg, clock: clock, logger: logger.Named("redis_queue")}
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (q *Queue) laneKey(p crawler.Priority) string { return q.cfg.KeyPrefix + ":queue:" + string(p) }
func (q *Queue) jobKey(id string) string           { return q.cfg.KeyPrefix + ":job:" + id }
func (q *Queue) activeKey() string                 { return q.cfg.KeyPrefix + ":active" }
func (q *Queue) cancelKey(id string) string        { return q.cfg.KeyPrefix + ":canceled:" + id }

func (q *Queue) laneKeys() []string {
	keys := make([]string, 0, len(crawler.Priorities))
	for _, p := range crawler.Priorities {
		keys = append(keys, q.laneKey(p))
	}
	return keys
}

// Enqueue stores the job record and pushes its id onto the priority lane.
func (q *Queue) Enqueue(ctx context.Context, item crawler.QueueItem) (crawler.JobHandle, error) {
	if item.JobID == "" {
		return crawler.JobHandle{}, crawler.NewValidationError("job_id", "is required")
	}
	if item.Priority == "" {
		item.Priority = crawler.PriorityDefault
	}
	if !slices.Contains(crawler.Priorities, item.Priority) {
		return crawler.JobHandle{}, crawler.NewValidationError("priority", fmt.Sprintf("unknown priority %q", item.Priority))
	}
	job := crawler.Job{
		ID:         item.JobID,
		SearchID:   item.SearchID,
		Query:      item.Query,
		Priority:   item.Priority,
		Status:     crawler.JobStatusQueued,
		Timeout:    item.Timeout,
		EnqueuedAt: q.clock.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return crawler.JobHandle{}, fmt.Errorf("encode job: %w", err)
	}
	created, err := q.rdb.SetNX(ctx, q.jobKey(job.ID), data, 0).Result()
	if err != nil {
		return crawler.JobHandle{}, fmt.Errorf("store job: %w", err)
	}
	if !created {
		return crawler.JobHandle{}, fmt.Errorf("job %s already enqueued", job.ID)
	}
	if _, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, q.activeKey(), job.ID)
		pipe.RPush(ctx, q.laneKey(job.Priority), job.ID)
		return nil
	}); err != nil {
		return crawler.JobHandle{}, fmt.Errorf("push job: %w", err)
	}
	return crawler.JobHandle{ID: job.ID, Status: crawler.JobStatusQueued}, nil
}

// Dequeue blocks until a queued job is available or ctx ends and claims it
// with a lease. Jobs canceled while queued are dropped.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	keys := q.laneKeys()
	for {
		if err := ctx.Err(); err != nil {
			return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.rdb.BLPop(ctx, q.cfg.PollTimeout, keys...).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return crawler.QueueItem{}, fmt.Errorf("pop job: %w", err)
		}
		if len(res) != 2 {
			continue
		}
		job, err := q.update(ctx, res[1], func(j *crawler.Job) error {
			if j.Status != crawler.JobStatusQueued {
				return errNotClaimable
			}
			lease := q.clock.Now().Add(q.cfg.Lease)
			j.LeaseUntil = &lease
			return nil
		})
		if errors.Is(err, crawler.ErrNotFound) {
			q.logger.Warn("dropping job without record", zap.String("job_id", res[1]))
			continue
		}
		if errors.Is(err, errNotClaimable) {
			continue
		}
		if err != nil {
			return crawler.QueueItem{}, err
		}
		return crawler.QueueItem{
			JobID:    job.ID,
			SearchID: job.SearchID,
			Query:    job.Query,
			Priority: job.Priority,
			Timeout:  job.Timeout,
		}, nil
	}
}

// Cancel flags the job. Queued jobs are canceled at once; running jobs are
// canceled by the worker polling IsCanceled.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.Fetch(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Active() {
		return nil
	}
	if err := q.rdb.Set(ctx, q.cancelKey(jobID), "1", q.cfg.CancelTTL).Err(); err != nil {
		return fmt.Errorf("flag job canceled: %w", err)
	}
	if job.Status != crawler.JobStatusQueued {
		return nil
	}
	_, err = q.update(ctx, jobID, func(j *crawler.Job) error {
		if j.Status != crawler.JobStatusQueued {
			return nil
		}
		now := q.clock.Now()
		j.Status = crawler.JobStatusCanceled
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	if err := q.rdb.LRem(ctx, q.laneKey(job.Priority), 0, jobID).Err(); err != nil {
		q.logger.Warn("remove canceled job from lane", zap.String("job_id", jobID), zap.Error(err))
	}
	return nil
}

// Fetch loads the job record, failing it first when its lease has expired.
func (q *Queue) Fetch(ctx context.Context, jobID string) (crawler.Job, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job crawler.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return crawler.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return q.reap(ctx, job)
}

// ListActive returns queued and running jobs ordered by enqueue time. Jobs
// whose lease expired are failed and left out.
func (q *Queue) ListActive(ctx context.Context) ([]crawler.Job, error) {
	ids, err := q.rdb.SMembers(ctx, q.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	if len(ids) == 0 {
		return []crawler.Job{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.jobKey(id)
	}
	vals, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load active jobs: %w", err)
	}
	out := make([]crawler.Job, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job crawler.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			q.logger.Warn("skipping undecodable job", zap.String("job_id", ids[i]), zap.Error(err))
			continue
		}
		job, err = q.reap(ctx, job)
		if err != nil {
			return nil, err
		}
		if job.Status.Active() {
			out = append(out, job)
		}
	}
	slices.SortFunc(out, func(a, b crawler.Job) int { return a.EnqueuedAt.Compare(b.EnqueuedAt) })
	return out, nil
}

// MarkRunning transitions a queued job to running.
func (q *Queue) MarkRunning(ctx context.Context, jobID string) error {
	_, err := q.update(ctx, jobID, func(j *crawler.Job) error {
		if j.Status != crawler.JobStatusQueued {
			return fmt.Errorf("mark running job %s in status %s: %w", jobID, j.Status, crawler.ErrInvalidTransition)
		}
		now := q.clock.Now()
		lease := now.Add(q.cfg.Lease)
		j.Status = crawler.JobStatusRunning
		j.StartedAt = &now
		j.LeaseUntil = &lease
		return nil
	})
	return err
}

// Heartbeat extends the lease of an active job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	_, err := q.update(ctx, jobID, func(j *crawler.Job) error {
		if !j.Status.Active() {
			return fmt.Errorf("heartbeat job %s in status %s: %w", jobID, j.Status, crawler.ErrInvalidTransition)
		}
		lease := q.clock.Now().Add(q.cfg.Lease)
		j.LeaseUntil = &lease
		return nil
	})
	return err
}

// reap fails an active job whose lease ran out. The update drops it from the
// active set.
func (q *Queue) reap(ctx context.Context, job crawler.Job) (crawler.Job, error) {
	now := q.clock.Now()
	if !job.LeaseExpired(now) {
		return job, nil
	}
	reaped, err := q.update(ctx, job.ID, func(j *crawler.Job) error {
		if !j.LeaseExpired(now) {
			return nil
		}
		j.Status = crawler.JobStatusFailed
		j.FinishedAt = &now
		j.ErrorText = LeaseExpiredNote
		return nil
	})
	if err != nil {
		return crawler.Job{}, fmt.Errorf("reap job %s: %w", job.ID, err)
	}
	if reaped.Status == crawler.JobStatusFailed {
		q.logger.Warn("reaped job with expired lease",
			zap.String("job_id", job.ID),
			zap.String("search_id", job.SearchID),
			zap.Timep("lease_until", job.LeaseUntil),
		)
	}
	return reaped, nil
}

// Complete records the terminal status of a job.
func (q *Queue) Complete(ctx context.Context, jobID string, status crawler.JobStatus, errText string) error {
	if status.Active() {
		return fmt.Errorf("complete job %s with status %s: %w", jobID, status, crawler.ErrInvalidTransition)
	}
	_, err := q.update(ctx, jobID, func(j *crawler.Job) error {
		now := q.clock.Now()
		j.Status = status
		j.FinishedAt = &now
		j.ErrorText = errText
		return nil
	})
	return err
}

// IsCanceled reports whether Cancel was called for the job.
func (q *Queue) IsCanceled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancel flag: %w", err)
	}
	return n > 0, nil
}

// update applies fn to the job under WATCH so concurrent writers retry.
func (q *Queue) update(ctx context.Context, jobID string, fn func(*crawler.Job) error) (crawler.Job, error) {
	key := q.jobKey(jobID)
	var out crawler.Job
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load job %s: %w", jobID, err)
		}
		var job crawler.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", jobID, err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", jobID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if !job.Status.Active() {
				pipe.SRem(ctx, q.activeKey(), jobID)
			}
			return nil
		})
		out = job
		return err
	}
	for range maxUpdateAttempts {
		err := q.rdb.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return crawler.Job{}, err
		}
		return out, nil
	}
	return crawler.Job{}, fmt.Errorf("update job %s: too much contention", jobID)
}
