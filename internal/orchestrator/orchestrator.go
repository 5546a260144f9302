// Package orchestrator owns the in-process tasks that execute operations.
// It tracks task liveness only; operation status lives in the store and is
// written by the work functions themselves.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/docsearch/internal/otel"
	"github.com/basket/docsearch/internal/shared"
)

var (
	// ErrAlreadyRunning is returned by Spawn when the id already has a live task.
	ErrAlreadyRunning = errors.New("operation already has a live task")
	// ErrDraining is returned by Spawn once Drain has begun.
	ErrDraining = errors.New("orchestrator is draining")
)

// WorkFunc executes one operation. It must call Start and exactly one
// terminal write on the lifecycle manager, and should check ctx at its
// cancellation checkpoints.
type WorkFunc func(ctx context.Context) error

type Config struct {
	Logger          *slog.Logger
	Metrics         *otel.Metrics
	Tracer          trace.Tracer
	BlockingWorkers int
}

type handle struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

type Orchestrator struct {
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
	pool    *pool

	mu       sync.Mutex
	live     map[string]*handle
	draining bool
	wg       sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Orchestrator{
		logger:  logger.With("component", "orchestrator"),
		metrics: cfg.Metrics,
		tracer:  tracer,
		pool:    newPool(cfg.BlockingWorkers, cfg.Metrics),
		live:    map[string]*handle{},
	}
}

// Spawn runs fn on its own goroutine and returns immediately. The task
// context is detached from ctx's cancellation, so a finished request does
// not cancel background work; only RequestCancel and Drain do. Values such
// as the trace id are inherited.
func (o *Orchestrator) Spawn(ctx context.Context, id string, fn WorkFunc) error {
	if id == "" {
		return fmt.Errorf("spawn: empty operation id")
	}
	if fn == nil {
		return fmt.Errorf("spawn %s: nil work function", id)
	}
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(shared.WithOperationID(ctx, id)))
	h := &handle{cancel: cancel, done: make(chan struct{}), started: time.Now()}

	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		cancel()
		return ErrDraining
	}
	if _, exists := o.live[id]; exists {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("spawn %s: %w", id, ErrAlreadyRunning)
	}
	o.live[id] = h
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.AddLiveTasks(ctx, 1)
	go o.run(taskCtx, id, h, fn)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, id string, h *handle, fn WorkFunc) {
	ctx, span := otel.StartSpan(ctx, o.tracer, "operation.work", otel.AttrOperationID.String(id))
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("work panic: %v", r)
			o.logger.Error("operation task panicked",
				"operation_id", id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
				"trace_id", shared.TraceID(ctx),
			)
		}
		otel.EndSpan(span, err)
		h.cancel()

		o.mu.Lock()
		if o.live[id] == h {
			delete(o.live, id)
		}
		o.mu.Unlock()
		close(h.done)
		o.metrics.AddLiveTasks(context.Background(), -1)
		o.wg.Done()
	}()

	o.logger.Debug("operation task started", "operation_id", id, "trace_id", shared.TraceID(ctx))
	err = fn(ctx)
	if errors.Is(err, context.Canceled) {
		o.logger.Info("operation task cancelled", "operation_id", id, "elapsed", time.Since(h.started).String())
		return
	}
	if err != nil {
		o.logger.Warn("operation task returned error",
			"operation_id", id,
			"error", err,
			"elapsed", time.Since(h.started).String(),
			"trace_id", shared.TraceID(ctx),
		)
		return
	}
	o.logger.Debug("operation task finished", "operation_id", id, "elapsed", time.Since(h.started).String())
}

// RequestCancel cancels the task context of a live task. It reports whether
// a live task was found. Cancellation is cooperative: work past its last
// checkpoint finishes normally.
func (o *Orchestrator) RequestCancel(id string) bool {
	o.mu.Lock()
	h, ok := o.live[id]
	o.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	o.logger.Info("operation cancellation requested", "operation_id", id)
	return true
}

// Drain refuses new spawns, cancels every live task and waits up to timeout
// for them to unregister. It returns the number of tasks still live when the
// wait ended; those are abandoned.
func (o *Orchestrator) Drain(timeout time.Duration) int {
	o.mu.Lock()
	o.draining = true
	handles := make([]*handle, 0, len(o.live))
	for _, h := range o.live {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		o.logger.Info("orchestrator drained cleanly", "cancelled", len(handles))
		return 0
	case <-timer.C:
		abandoned := o.Live()
		o.logger.Warn("orchestrator drain timeout; abandoning live tasks",
			"timeout", timeout.String(),
			"abandoned", len(abandoned),
			"operation_ids", abandoned,
		)
		return len(abandoned)
	}
}

// Live returns the ids of registered tasks, sorted.
func (o *Orchestrator) Live() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.live))
	for id := range o.live {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Done returns a channel closed when the task for id unregisters. For an id
// with no live task the returned channel is already closed.
func (o *Orchestrator) Done(id string) <-chan struct{} {
	o.mu.Lock()
	h, ok := o.live[id]
	o.mu.Unlock()
	if ok {
		return h.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Blocking runs fn on the bounded blocking-call pool. ctx is observed only
// while waiting for a slot; once fn runs it is not interrupted.
func (o *Orchestrator) Blocking(ctx context.Context, fn func() error) error {
	return o.pool.run(ctx, fn)
}
