package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/docsearch/internal/audit"
	"github.com/basket/docsearch/internal/operations"
	"github.com/basket/docsearch/internal/shared"
)

const defaultListLimit = 50

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	var status operations.Status
	if v := q.Get("status"); v != "" {
		status = operations.Status(v)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", v))
			return
		}
	}
	ops, err := s.cfg.Operations.List(r.Context(), limit, status)
	if err != nil {
		s.internalError(w, r, "list operations", err)
		return
	}
	if ops == nil {
		ops = []operations.Operation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"operations": ops,
		"count":      len(ops),
	})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	op, err := s.cfg.Operations.Get(r.Context(), id)
	if err != nil {
		s.operationError(w, r, id, "get operation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "operation": op})
}

func (s *Server) handleOperationEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.cfg.Operations.Events(r.Context(), id)
	if err != nil {
		s.operationError(w, r, id, "operation events", err)
		return
	}
	if events == nil {
		events = []operations.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": events, "count": len(events)})
}

// handleCancelOperation writes the cancelled status first, then signals the
// live task. A record that already finished is reported, not an error.
func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Operations.Get(r.Context(), id); err != nil {
		s.operationError(w, r, id, "cancel operation", err)
		return
	}
	cancelled, err := s.cfg.Operations.Cancel(r.Context(), id)
	if err != nil {
		s.operationError(w, r, id, "cancel operation", err)
		return
	}
	signalled := false
	if s.cfg.Tasks != nil {
		signalled = s.cfg.Tasks.RequestCancel(id)
	}
	s.logger.Info("cancel requested",
		"operation_id", id,
		"cancelled", cancelled,
		"task_signalled", signalled,
		"trace_id", shared.TraceID(r.Context()),
	)
	msg := fmt.Sprintf("Operation %s cancelled", id)
	reason := "cancelled"
	if !cancelled {
		msg = fmt.Sprintf("Operation %s already finished", id)
		reason = "already_terminal"
	}
	audit.Record(r.Context(), "allow", "operations.cancel", reason, id)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"message":        msg,
		"cancelled":      cancelled,
		"task_signalled": signalled,
	})
}

// handleCleanup removes terminal records older than ?hours (default: the
// configured retention). hours=0 removes every terminal record.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.Operations.RetentionAge()
	if v := r.URL.Query().Get("hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid hours %q", v))
			return
		}
		maxAge = time.Duration(hours) * time.Hour
	}
	deleted, err := s.cfg.Operations.CleanupOlderThan(r.Context(), maxAge)
	if err != nil {
		s.internalError(w, r, "cleanup operations", err)
		return
	}
	audit.Record(r.Context(), "allow", "operations.cleanup", fmt.Sprintf("deleted=%d max_age=%s", deleted, maxAge), "")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deleted": deleted,
		"message": fmt.Sprintf("Removed %d operations", deleted),
	})
}

func (s *Server) operationError(w http.ResponseWriter, r *http.Request, id, op string, err error) {
	if errors.Is(err, operations.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Operation %s not found", id))
		return
	}
	s.internalError(w, r, op, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", "error", err, "trace_id", shared.TraceID(r.Context()))
	writeError(w, http.StatusInternalServerError, err.Error())
}
