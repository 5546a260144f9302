// Package documents runs index maintenance as tracked background operations.
package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/docsearch/internal/bus"
	"github.com/basket/docsearch/internal/index"
	"github.com/basket/docsearch/internal/operations"
	"github.com/basket/docsearch/internal/orchestrator"
	"github.com/basket/docsearch/internal/otel"
)

const (
	TypeRefreshIndex = "refresh_index"
	TypeAddDocuments = "add_documents"
)

var (
	ErrNotReady     = errors.New("document service not initialized")
	ErrNoValidPaths = errors.New("no valid file paths provided")
)

// Indexer is the blocking document-index collaborator.
type Indexer interface {
	Refresh(dirs []string) (index.Stats, error)
	AddDocument(path string) error
	Stats() index.Stats
	Search(query string, topK int) []index.Result
	Scan(dirs []string) ([]string, error)
	Documents() []string
}

// Lifecycle is the subset of the operation manager the work functions drive.
type Lifecycle interface {
	Create(ctx context.Context, opType string, totalItems *int) (string, error)
	Start(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, p operations.Progress) error
	Complete(ctx context.Context, id string, result map[string]any) error
	Fail(ctx context.Context, id string, errMsg string) error
	Cancel(ctx context.Context, id string) (bool, error)
}

// Runner schedules work functions and blocking calls.
type Runner interface {
	Spawn(ctx context.Context, id string, fn orchestrator.WorkFunc) error
	Blocking(ctx context.Context, fn func() error) error
}

// IndexUpdate is delivered to index-updated listeners.
type IndexUpdate struct {
	OperationID string
	Reason      string // "refresh" or "add"
	Stats       index.Stats
}

type Config struct {
	Operations        Lifecycle
	Runner            Runner
	Indexer           Indexer
	TargetDirectories []string
	Logger            *slog.Logger
	Bus               *bus.Bus
	Metrics           *otel.Metrics
	Tracer            trace.Tracer
}

// Started is returned to callers as soon as the background work is scheduled.
type Started struct {
	OperationID string `json:"operation_id"`
	Message     string `json:"message"`
	Status      string `json:"status"`
}

type Service struct {
	ops     Lifecycle
	runner  Runner
	indexer Indexer
	dirs    []string
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer

	ready     atomic.Bool
	listeners *bus.Listeners[IndexUpdate]
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Operations == nil || cfg.Runner == nil || cfg.Indexer == nil {
		return nil, fmt.Errorf("documents: operations, runner and indexer are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "documents")
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Service{
		ops:       cfg.Operations,
		runner:    cfg.Runner,
		indexer:   cfg.Indexer,
		dirs:      append([]string(nil), cfg.TargetDirectories...),
		logger:    logger,
		bus:       cfg.Bus,
		metrics:   cfg.Metrics,
		tracer:    tracer,
		listeners: bus.NewListeners[IndexUpdate]("documents.index_updated", logger),
	}, nil
}

// Initialize builds the initial index from the target directories. An
// unreadable corpus is logged, not fatal: the service starts with an empty index.
func (s *Service) Initialize(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	if len(s.dirs) > 0 {
		err := s.runner.Blocking(ctx, func() error {
			_, err := s.indexer.Refresh(s.dirs)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("initialize documents: %w", ctx.Err())
			}
			s.logger.Warn("initial index build failed; starting empty", "error", err)
		}
	}
	s.ready.Store(true)
	s.logger.Info("document service initialized", "documents", s.indexer.Stats().Documents)
	return nil
}

func (s *Service) Ready() bool {
	return s.ready.Load()
}

// OnIndexUpdated registers fn to run after the index changed and the
// owning operation's terminal write was attempted.
func (s *Service) OnIndexUpdated(fn bus.Listener[IndexUpdate]) {
	s.listeners.Add(fn)
}

// RefreshIndex schedules a full rebuild and returns its operation id.
func (s *Service) RefreshIndex(ctx context.Context) (Started, error) {
	if !s.Ready() {
		return Started{}, ErrNotReady
	}
	id, err := s.ops.Create(ctx, TypeRefreshIndex, nil)
	if err != nil {
		return Started{}, err
	}
	if err := s.spawn(ctx, id, s.refreshWork(id)); err != nil {
		return Started{}, err
	}
	s.logger.Info("index refresh started", "operation_id", id)
	return Started{OperationID: id, Message: "Index refresh started", Status: string(operations.StatusPending)}, nil
}

// AddDocuments schedules ingestion of paths. Paths that do not exist are
// dropped with a warning; if none remain no operation is created.
func (s *Service) AddDocuments(ctx context.Context, paths []string) (Started, error) {
	if !s.Ready() {
		return Started{}, ErrNotReady
	}
	valid := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			s.logger.Warn("file not found", "path", p)
			continue
		}
		valid = append(valid, p)
	}
	if len(valid) == 0 {
		return Started{}, ErrNoValidPaths
	}
	total := len(valid)
	id, err := s.ops.Create(ctx, TypeAddDocuments, &total)
	if err != nil {
		return Started{}, err
	}
	if err := s.spawn(ctx, id, s.addWork(id, valid)); err != nil {
		return Started{}, err
	}
	s.logger.Info("add documents started", "operation_id", id, "files", total)
	return Started{OperationID: id, Message: fmt.Sprintf("Adding %d documents", total), Status: string(operations.StatusPending)}, nil
}

// spawn hands work to the runner. If scheduling fails the pending record
// would never progress, so it is cancelled on the spot.
func (s *Service) spawn(ctx context.Context, id string, fn orchestrator.WorkFunc) error {
	if err := s.runner.Spawn(ctx, id, fn); err != nil {
		storeCtx := context.WithoutCancel(ctx)
		if _, cerr := s.ops.Cancel(storeCtx, id); cerr != nil {
			s.logger.Error("cancel unscheduled operation failed", "operation_id", id, "error", cerr)
		}
		return fmt.Errorf("schedule %s: %w", id, err)
	}
	return nil
}

func (s *Service) Stats() index.Stats {
	return s.indexer.Stats()
}

func (s *Service) Search(query string, topK int) []index.Result {
	return s.indexer.Search(query, topK)
}

// Scan lists every indexable file under the target directories.
func (s *Service) Scan(ctx context.Context) ([]string, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	var files []string
	err := s.runner.Blocking(ctx, func() error {
		var err error
		files, err = s.indexer.Scan(s.dirs)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("scanned target directories", "files", len(files))
	return files, nil
}

func (s *Service) TargetDirectories() []string {
	return append([]string(nil), s.dirs...)
}

// Documents lists the indexed file paths.
func (s *Service) Documents() []string {
	return s.indexer.Documents()
}

func (s *Service) notifyIndexUpdated(ctx context.Context, id, reason string) {
	update := IndexUpdate{OperationID: id, Reason: reason, Stats: s.indexer.Stats()}
	s.listeners.Notify(ctx, update)
	if s.bus != nil {
		s.bus.Publish(bus.TopicIndexUpdated, bus.IndexUpdatedEvent{OperationID: id, Reason: reason})
	}
}

func relName(path string) string {
	if base := filepath.Base(path); base != "." && base != string(filepath.Separator) {
		return base
	}
	return path
}
