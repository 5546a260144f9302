// Package operations implements the operation lifecycle state machine and the
// read path used by status polling. The persisted record is the only state;
// the manager keeps no in-memory copy of any operation.
package operations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/docsearch/internal/bus"
	"github.com/basket/docsearch/internal/otel"
	"github.com/basket/docsearch/internal/persistence"
	"github.com/basket/docsearch/internal/shared"
)

type (
	Operation = persistence.Operation
	Status    = persistence.OperationStatus
	Event     = persistence.OperationEvent
)

const (
	StatusPending   = persistence.OperationPending
	StatusRunning   = persistence.OperationRunning
	StatusCompleted = persistence.OperationCompleted
	StatusFailed    = persistence.OperationFailed
	StatusCancelled = persistence.OperationCancelled
)

const DefaultRetention = 24 * time.Hour

// farFuture is the cleanup cutoff for a non-positive max age: every terminal
// record qualifies regardless of age.
var farFuture = time.Unix(1<<40, 0)

// Store is the persistence surface the manager needs.
type Store interface {
	InsertOperation(ctx context.Context, op persistence.Operation) error
	GetOperation(ctx context.Context, id string) (*persistence.Operation, error)
	UpdateOperation(ctx context.Context, id string, expect []persistence.OperationStatus, patch persistence.OperationPatch) (bool, error)
	SwapOperation(ctx context.Context, id string, expect []persistence.OperationStatus, patch persistence.OperationPatch) (persistence.OperationStatus, bool, error)
	ListOperations(ctx context.Context, limit int, status persistence.OperationStatus) ([]persistence.Operation, error)
	DeleteOperationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ListOperationEvents(ctx context.Context, id string) ([]persistence.OperationEvent, error)
	CountOperations(ctx context.Context) (map[persistence.OperationStatus]int, error)
}

// Reader is the Status Query Surface consumed by the route layer.
type Reader interface {
	Get(ctx context.Context, id string) (*Operation, error)
	List(ctx context.Context, limit int, status Status) ([]Operation, error)
}

// Progress carries a partial counter update. Nil fields are left untouched.
// Counters are absolute values, not deltas.
type Progress struct {
	Processed   *int
	Failed      *int
	CurrentItem *string
}

// TerminalEvent is delivered to terminal listeners after a terminal write lands.
type TerminalEvent struct {
	Operation Operation
	Previous  Status
}

type TerminalListener = bus.Listener[TerminalEvent]

type Config struct {
	Logger       *slog.Logger
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	Now          func() time.Time
	RetentionAge time.Duration
	// NewID overrides id generation. Used by tests.
	NewID func(opType string) string
}

type Manager struct {
	store    Store
	logger   *slog.Logger
	bus      *bus.Bus
	metrics  *otel.Metrics
	now      func() time.Time
	newID    func(string) string
	terminal *bus.Listeners[TerminalEvent]

	retention atomic.Int64
}

func NewManager(store Store, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "operations")
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = NewOperationID
	}
	m := &Manager{
		store:    store,
		logger:   logger,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		now:      now,
		newID:    newID,
		terminal: bus.NewListeners[TerminalEvent]("operations.terminal", logger),
	}
	retention := cfg.RetentionAge
	if retention == 0 {
		retention = DefaultRetention
	}
	m.retention.Store(int64(retention))
	return m
}

// NewOperationID returns "{opType}-{8 hex chars}".
func NewOperationID(opType string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return opType + "-" + suffix[:8]
}

// OnTerminal registers fn to run synchronously, in registration order, after
// every successful terminal write. Listener failures are logged and dropped.
func (m *Manager) OnTerminal(fn TerminalListener) {
	m.terminal.Add(fn)
}

// Create writes a pending record and returns its id.
func (m *Manager) Create(ctx context.Context, opType string, totalItems *int) (string, error) {
	opType = strings.TrimSpace(opType)
	if opType == "" {
		return "", fmt.Errorf("create operation: empty operation type")
	}
	if totalItems != nil && *totalItems < 0 {
		return "", fmt.Errorf("create operation: negative total_items %d", *totalItems)
	}
	now := m.now()
	op := persistence.Operation{
		ID:        m.newID(opType),
		Type:      opType,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if totalItems != nil {
		n := *totalItems
		op.TotalItems = &n
	}
	if err := m.store.InsertOperation(ctx, op); err != nil {
		err = classify("create", err)
		if errors.Is(err, ErrDuplicateID) {
			m.logger.Error("operation id collision", "operation_id", op.ID, "operation_type", opType, "trace_id", shared.TraceID(ctx))
		} else {
			m.logger.Error("create operation failed", "operation_type", opType, "error", err, "trace_id", shared.TraceID(ctx))
		}
		return "", err
	}
	m.logger.Info("operation created", "operation_id", op.ID, "operation_type", opType, "trace_id", shared.TraceID(ctx))
	m.metrics.RecordTransition(ctx, opType, string(StatusPending))
	m.publishState(op.ID, opType, "", StatusPending, now)
	return op.ID, nil
}

// Start moves a pending record to running. A second Start is a no-op and
// never moves started_at. Starting a terminal record returns ErrTerminal so
// work that was cancelled before it began can bail out.
func (m *Manager) Start(ctx context.Context, id string) error {
	now := m.now()
	to := StatusRunning
	ok, err := m.store.UpdateOperation(ctx, id, []Status{StatusPending}, persistence.OperationPatch{
		Status:    &to,
		StartedAt: &now,
		UpdatedAt: now,
	})
	if err != nil {
		return m.storeFailure(ctx, "start", id, err)
	}
	if ok {
		m.afterTransition(ctx, id, StatusPending, StatusRunning)
		return nil
	}
	current, err := m.store.GetOperation(ctx, id)
	if err != nil {
		return m.storeFailure(ctx, "start", id, err)
	}
	if current.Status == StatusRunning {
		return nil
	}
	return fmt.Errorf("start %s: %w (status %s)", id, ErrTerminal, current.Status)
}

// UpdateProgress applies p only while the record is running. Reports that
// arrive before start or after a terminal write are dropped.
func (m *Manager) UpdateProgress(ctx context.Context, id string, p Progress) error {
	if p.Processed == nil && p.Failed == nil && p.CurrentItem == nil {
		return nil
	}
	now := m.now()
	ok, err := m.store.UpdateOperation(ctx, id, []Status{StatusRunning}, persistence.OperationPatch{
		ProcessedItems: p.Processed,
		FailedItems:    p.Failed,
		CurrentItem:    p.CurrentItem,
		UpdatedAt:      now,
	})
	if err != nil {
		return m.storeFailure(ctx, "update progress", id, err)
	}
	if !ok {
		m.logger.Debug("progress dropped for non-running operation", "operation_id", id)
		return nil
	}
	if m.bus != nil {
		ev := bus.OperationProgressEvent{OperationID: id, ProcessedItems: p.Processed, FailedItems: p.Failed}
		if p.CurrentItem != nil {
			ev.CurrentItem = *p.CurrentItem
		}
		m.bus.Publish(bus.TopicOperationProgress, ev)
	}
	return nil
}

// Complete writes completed with result. If the record is already terminal
// the write is dropped and nil is returned: the first terminal write wins.
func (m *Manager) Complete(ctx context.Context, id string, result map[string]any) error {
	if result == nil {
		result = map[string]any{}
	}
	return m.finish(ctx, "complete", id, StatusCompleted, persistence.OperationPatch{Result: result})
}

// Fail writes failed with a redacted error message. Like Complete it is a
// no-op once the record is terminal.
func (m *Manager) Fail(ctx context.Context, id string, errMsg string) error {
	msg := shared.Redact(strings.TrimSpace(errMsg))
	if msg == "" {
		msg = "operation failed"
	}
	return m.finish(ctx, "fail", id, StatusFailed, persistence.OperationPatch{Error: &msg})
}

func (m *Manager) finish(ctx context.Context, op, id string, to Status, patch persistence.OperationPatch) error {
	now := m.now()
	patch.Status = &to
	patch.CompletedAt = &now
	patch.UpdatedAt = now
	ok, err := m.store.UpdateOperation(ctx, id, []Status{StatusRunning}, patch)
	if err != nil {
		return m.storeFailure(ctx, op, id, err)
	}
	if ok {
		m.afterTransition(ctx, id, StatusRunning, to)
		return nil
	}
	current, err := m.store.GetOperation(ctx, id)
	if err != nil {
		return m.storeFailure(ctx, op, id, err)
	}
	if current.Status.Terminal() {
		m.logger.Warn("terminal write dropped; operation already terminal",
			"operation_id", id,
			"operation_type", current.Type,
			"status", current.Status,
			"attempted", to,
			"trace_id", shared.TraceID(ctx),
		)
		return nil
	}
	return fmt.Errorf("%s %s: %w (status %s)", op, id, ErrInvalidTransition, current.Status)
}

// Cancel moves a pending or running record to cancelled. It reports false
// when the record was already terminal.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	now := m.now()
	to := StatusCancelled
	from, ok, err := m.store.SwapOperation(ctx, id, []Status{StatusPending, StatusRunning}, persistence.OperationPatch{
		Status:      &to,
		CompletedAt: &now,
		UpdatedAt:   now,
	})
	if err != nil {
		return false, m.storeFailure(ctx, "cancel", id, err)
	}
	if !ok {
		return false, nil
	}
	m.afterTransition(ctx, id, from, StatusCancelled)
	return true, nil
}

// Get returns the current record. No caching: every call reads the store.
func (m *Manager) Get(ctx context.Context, id string) (*Operation, error) {
	op, err := m.store.GetOperation(ctx, id)
	if err != nil {
		return nil, classify("get", err)
	}
	return op, nil
}

// List returns up to limit records, newest first, optionally filtered by status.
func (m *Manager) List(ctx context.Context, limit int, status Status) ([]Operation, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("list operations: unknown status %q", status)
	}
	ops, err := m.store.ListOperations(ctx, limit, status)
	if err != nil {
		return nil, classify("list", err)
	}
	return ops, nil
}

// Events returns the transition log of one operation, oldest first.
func (m *Manager) Events(ctx context.Context, id string) ([]Event, error) {
	if _, err := m.store.GetOperation(ctx, id); err != nil {
		return nil, classify("events", err)
	}
	events, err := m.store.ListOperationEvents(ctx, id)
	if err != nil {
		return nil, classify("events", err)
	}
	return events, nil
}

// Counts returns the number of records per status.
func (m *Manager) Counts(ctx context.Context) (map[Status]int, error) {
	counts, err := m.store.CountOperations(ctx)
	if err != nil {
		return nil, classify("counts", err)
	}
	return counts, nil
}

// CleanupOlderThan deletes terminal records created more than maxAge ago.
// A non-positive maxAge removes every terminal record.
func (m *Manager) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := farFuture
	if maxAge > 0 {
		cutoff = m.now().Add(-maxAge)
	}
	n, err := m.store.DeleteOperationsOlderThan(ctx, cutoff)
	if err != nil {
		err = classify("cleanup", err)
		m.logger.Error("operation cleanup failed", "error", err)
		return 0, err
	}
	if n > 0 {
		m.logger.Info("old operations removed", "deleted", n, "max_age", maxAge.String())
	}
	return n, nil
}

// CleanupExpired runs CleanupOlderThan with the configured retention age.
func (m *Manager) CleanupExpired(ctx context.Context) (int64, error) {
	return m.CleanupOlderThan(ctx, m.RetentionAge())
}

func (m *Manager) RetentionAge() time.Duration {
	return time.Duration(m.retention.Load())
}

// SetRetentionAge changes the default used by CleanupExpired.
func (m *Manager) SetRetentionAge(d time.Duration) {
	m.retention.Store(int64(d))
}

func (m *Manager) storeFailure(ctx context.Context, op, id string, err error) error {
	err = classify(op, err)
	if IsPersistence(err) {
		m.logger.Error("operation store failure", "op", op, "operation_id", id, "error", err, "trace_id", shared.TraceID(ctx))
	}
	return err
}

// afterTransition reads the written record back for logging, metrics and
// notification. The transition itself has already committed.
func (m *Manager) afterTransition(ctx context.Context, id string, from, to Status) {
	op, err := m.store.GetOperation(ctx, id)
	if err != nil {
		m.logger.Error("read back after transition failed", "operation_id", id, "status", to, "error", err)
		return
	}
	m.logger.Info("operation transition",
		"operation_id", id,
		"operation_type", op.Type,
		"from", from,
		"status", to,
		"trace_id", shared.TraceID(ctx),
	)
	m.metrics.RecordTransition(ctx, op.Type, string(to))
	m.publishState(id, op.Type, from, to, op.UpdatedAt)

	if !to.Terminal() {
		return
	}
	if op.StartedAt != nil && op.CompletedAt != nil {
		m.metrics.RecordDuration(ctx, op.Type, string(to), op.CompletedAt.Sub(*op.StartedAt).Seconds())
	}
	m.terminal.Notify(ctx, TerminalEvent{Operation: *op, Previous: from})
}

func (m *Manager) publishState(id, opType string, from, to Status, at time.Time) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.TopicOperationStateChanged, bus.OperationStateChangedEvent{
		OperationID:   id,
		OperationType: opType,
		OldStatus:     string(from),
		NewStatus:     string(to),
		At:            at.UnixMilli(),
	})
}
