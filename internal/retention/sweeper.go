// Package retention runs the periodic sweep that deletes old terminal
// operation records.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/docsearch/internal/bus"
	"github.com/basket/docsearch/internal/otel"
)

const DefaultSchedule = "@every 1h"

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@hourly" or "@every 30m".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Cleaner deletes terminal records older than maxAge. A non-positive maxAge
// deletes every terminal record.
type Cleaner interface {
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
}

type Config struct {
	Cleaner  Cleaner
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otel.Metrics
	Schedule string        // defaults to DefaultSchedule
	MaxAge   time.Duration // 0 sweeps every terminal record
}

// Sweeper calls Cleaner on a cron schedule. It holds no state besides the
// threshold and its own loop.
type Sweeper struct {
	cleaner  Cleaner
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	spec     string
	schedule cronlib.Schedule
	maxAge   atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun atomic.Int64
}

// ParseSchedule validates a sweep schedule expression.
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Cleaner == nil {
		return nil, fmt.Errorf("retention: nil cleaner")
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		cleaner:  cfg.Cleaner,
		logger:   logger.With("component", "retention"),
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		spec:     spec,
		schedule: sched,
	}
	s.maxAge.Store(int64(cfg.MaxAge))
	return s, nil
}

// Start sweeps once immediately, then at every scheduled time until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "schedule", s.spec, "max_age", s.MaxAge().String())
}

// Stop ends the loop and runs the shutdown sweep with ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	_, err := s.Sweep(ctx)
	s.logger.Info("retention sweeper stopped")
	return err
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	_, _ = s.Sweep(ctx)
	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_, _ = s.Sweep(ctx)
		}
	}
}

// Sweep deletes terminal records older than the current threshold.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	maxAge := s.MaxAge()
	n, err := s.cleaner.CleanupOlderThan(ctx, maxAge)
	s.lastRun.Store(time.Now().UnixNano())
	if err != nil {
		s.logger.Error("retention sweep failed", "max_age", maxAge.String(), "error", err)
		return 0, err
	}
	s.metrics.RecordRetention(ctx, n)
	if s.bus != nil {
		s.bus.Publish(bus.TopicRetentionSwept, bus.RetentionSweptEvent{Deleted: n})
	}
	s.logger.Debug("retention sweep finished", "deleted", n, "max_age", maxAge.String())
	return n, nil
}

func (s *Sweeper) MaxAge() time.Duration {
	return time.Duration(s.maxAge.Load())
}

// SetMaxAge changes the threshold used by subsequent sweeps.
func (s *Sweeper) SetMaxAge(d time.Duration) {
	old := time.Duration(s.maxAge.Swap(int64(d)))
	if old != d {
		s.logger.Info("retention threshold changed", "old", old.String(), "new", d.String())
	}
}

// LastRun returns when the last sweep finished, or the zero time.
func (s *Sweeper) LastRun() time.Time {
	ns := s.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
