// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scopus-crawler/internal/crawler"
)

// Runner consumes queue items until ctx ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans queue work out to a pool of workers.
type Dispatcher struct {
	queue   crawler.JobQueue
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue crawler.JobQueue, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("workers stopped")
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) (crawler.JobHandle, error) {
	handle, err := d.queue.Enqueue(ctx, item)
	if err != nil {
		return crawler.JobHandle{}, fmt.Errorf("queue enqueue: %w", err)
	}
	return handle, nil
}
