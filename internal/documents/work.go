package documents

import (
	"context"
	"errors"

	"github.com/basket/docsearch/internal/index"
	"github.com/basket/docsearch/internal/operations"
	"github.com/basket/docsearch/internal/orchestrator"
	"github.com/basket/docsearch/internal/otel"
)

// Work functions write through storeCtx, which outlives task cancellation,
// and use ctx only at checkpoints and while waiting for a blocking slot.

func (s *Service) refreshWork(id string) orchestrator.WorkFunc {
	return func(ctx context.Context) (err error) {
		ctx, span := otel.StartSpan(ctx, s.tracer, "documents.refresh_index",
			otel.AttrOperationID.String(id),
			otel.AttrOperationType.String(TypeRefreshIndex),
		)
		defer func() { otel.EndSpan(span, err) }()
		storeCtx := context.WithoutCancel(ctx)

		if proceed, err := s.begin(ctx, storeCtx, id); !proceed {
			return err
		}

		var stats index.Stats
		err = s.runner.Blocking(ctx, func() error {
			var rerr error
			stats, rerr = s.indexer.Refresh(s.dirs)
			return rerr
		})
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return s.cancelled(storeCtx, id)
			}
			return s.fail(storeCtx, id, err)
		}

		if err := s.ops.Complete(storeCtx, id, stats.Map()); err != nil {
			return s.fail(storeCtx, id, err)
		}
		s.notifyIndexUpdated(storeCtx, id, "refresh")
		s.logger.Info("index refresh completed", "operation_id", id, "documents", stats.Documents, "chunks", stats.Chunks)
		return nil
	}
}

func (s *Service) addWork(id string, paths []string) orchestrator.WorkFunc {
	return func(ctx context.Context) (err error) {
		ctx, span := otel.StartSpan(ctx, s.tracer, "documents.add_documents",
			otel.AttrOperationID.String(id),
			otel.AttrOperationType.String(TypeAddDocuments),
			otel.AttrDocumentCount.Int(len(paths)),
		)
		defer func() { otel.EndSpan(span, err) }()
		storeCtx := context.WithoutCancel(ctx)

		if proceed, err := s.begin(ctx, storeCtx, id); !proceed {
			return err
		}

		added, failed := 0, 0
		failedFiles := []string{}
		for _, path := range paths {
			// Checkpoint: cancellation is honored only between files.
			if ctx.Err() != nil {
				return s.cancelled(storeCtx, id)
			}
			current := relName(path)
			if err := s.ops.UpdateProgress(storeCtx, id, operations.Progress{CurrentItem: &current}); err != nil {
				return s.fail(storeCtx, id, err)
			}

			addErr := s.runner.Blocking(ctx, func() error { return s.indexer.AddDocument(path) })
			switch {
			case addErr == nil:
				added++
			case ctx.Err() != nil && errors.Is(addErr, ctx.Err()):
				return s.cancelled(storeCtx, id)
			default:
				failed++
				failedFiles = append(failedFiles, path)
				s.logger.Warn("document failed to index", "operation_id", id, "path", path, "error", addErr)
			}
			if err := s.ops.UpdateProgress(storeCtx, id, operations.Progress{Processed: &added, Failed: &failed}); err != nil {
				return s.fail(storeCtx, id, err)
			}
		}

		s.metrics.RecordIndexed(storeCtx, int64(added))
		stats := s.indexer.Stats()
		result := stats.Map()
		result["indexed_documents"] = stats.Documents
		result["document_count"] = added
		result["failed_files"] = failedFiles
		if err := s.ops.Complete(storeCtx, id, result); err != nil {
			return s.fail(storeCtx, id, err)
		}
		if added > 0 {
			s.notifyIndexUpdated(storeCtx, id, "add")
		}
		s.logger.Info("documents added", "operation_id", id, "added", added, "failed", failed)
		return nil
	}
}

// begin marks the operation running. It reports false when the work must
// not proceed: the record was cancelled before the task got to run, the
// task was cancelled before its first checkpoint, or the store failed.
func (s *Service) begin(ctx, storeCtx context.Context, id string) (bool, error) {
	if err := s.ops.Start(storeCtx, id); err != nil {
		if errors.Is(err, operations.ErrTerminal) {
			s.logger.Info("operation finished before work began", "operation_id", id)
			return false, nil
		}
		return false, s.fail(storeCtx, id, err)
	}
	if ctx.Err() != nil {
		return false, s.cancelled(storeCtx, id)
	}
	return true, nil
}

// cancelled records an observed cancellation. If the cancel endpoint already
// wrote the terminal status this is a no-op.
func (s *Service) cancelled(storeCtx context.Context, id string) error {
	if _, err := s.ops.Cancel(storeCtx, id); err != nil {
		s.logger.Error("record cancellation failed", "operation_id", id, "error", err)
		return err
	}
	s.logger.Info("operation cancelled at checkpoint", "operation_id", id)
	return context.Canceled
}

// fail makes a best-effort failed write. When the store itself is the
// cause this write may fail too; then it is only logged.
func (s *Service) fail(storeCtx context.Context, id string, cause error) error {
	if err := s.ops.Fail(storeCtx, id, cause.Error()); err != nil {
		s.logger.Error("fail operation write failed", "operation_id", id, "cause", cause, "error", err)
	}
	return cause
}
