package orchestrator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/basket/docsearch/internal/otel"
)

const defaultBlockingWorkers = 2

// pool bounds how many blocking collaborator calls run at once.
type pool struct {
	sem     *semaphore.Weighted
	metrics *otel.Metrics
}

func newPool(size int, metrics *otel.Metrics) *pool {
	if size <= 0 {
		size = defaultBlockingWorkers
	}
	return &pool{sem: semaphore.NewWeighted(int64(size)), metrics: metrics}
}

func (p *pool) run(ctx context.Context, fn func() error) (err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for blocking slot: %w", err)
	}
	defer p.sem.Release(1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("blocking call panic: %v", r)
		}
		p.metrics.RecordBlockingCall(context.WithoutCancel(ctx), time.Since(start).Seconds(), err != nil)
	}()
	return fn()
}
