package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/docsearch/internal/shared"
)

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

// ErrIllegalTransition is returned when a patch would move status backwards
// or out of a terminal state.
var ErrIllegalTransition = errors.New("illegal operation status transition")

var allowedTransitions = map[OperationStatus]map[OperationStatus]struct{}{
	OperationPending: {
		OperationRunning:   {},
		OperationCancelled: {},
	},
	OperationRunning: {
		OperationCompleted: {},
		OperationFailed:    {},
		OperationCancelled: {},
	},
}

// Terminal reports whether no further transitions are permitted.
func (s OperationStatus) Terminal() bool {
	switch s {
	case OperationCompleted, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

func (s OperationStatus) Valid() bool {
	switch s {
	case OperationPending, OperationRunning, OperationCompleted, OperationFailed, OperationCancelled:
		return true
	default:
		return false
	}
}

// ParseOperationStatus accepts a status name case-insensitively.
func ParseOperationStatus(raw string) (OperationStatus, error) {
	s := OperationStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown operation status %q", raw)
	}
	return s, nil
}

func canTransition(from, to OperationStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Operation struct {
	ID             string          `json:"id"`
	Type           string          `json:"operation_type"`
	Status         OperationStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
	TotalItems     *int            `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	FailedItems    int             `json:"failed_items"`
	CurrentItem    string          `json:"current_item,omitempty"`
	Result         map[string]any  `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// operationJSON is the wire form: timestamps are seconds since the epoch.
type operationJSON struct {
	ID             string          `json:"id"`
	Type           string          `json:"operation_type"`
	Status         OperationStatus `json:"status"`
	CreatedAt      float64         `json:"created_at"`
	UpdatedAt      float64         `json:"updated_at"`
	StartedAt      *float64        `json:"started_at"`
	CompletedAt    *float64        `json:"completed_at"`
	TotalItems     *int            `json:"total_items"`
	ProcessedItems int             `json:"processed_items"`
	FailedItems    int             `json:"failed_items"`
	CurrentItem    string          `json:"current_item,omitempty"`
	Result         map[string]any  `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	out := operationJSON{
		ID:             o.ID,
		Type:           o.Type,
		Status:         o.Status,
		CreatedAt:      toEpoch(o.CreatedAt),
		UpdatedAt:      toEpoch(o.UpdatedAt),
		TotalItems:     o.TotalItems,
		ProcessedItems: o.ProcessedItems,
		FailedItems:    o.FailedItems,
		CurrentItem:    o.CurrentItem,
		Result:         o.Result,
		Error:          o.Error,
	}
	if o.StartedAt != nil {
		v := toEpoch(*o.StartedAt)
		out.StartedAt = &v
	}
	if o.CompletedAt != nil {
		v := toEpoch(*o.CompletedAt)
		out.CompletedAt = &v
	}
	return json.Marshal(out)
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var in operationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*o = Operation{
		ID:             in.ID,
		Type:           in.Type,
		Status:         in.Status,
		CreatedAt:      fromEpoch(in.CreatedAt),
		UpdatedAt:      fromEpoch(in.UpdatedAt),
		TotalItems:     in.TotalItems,
		ProcessedItems: in.ProcessedItems,
		FailedItems:    in.FailedItems,
		CurrentItem:    in.CurrentItem,
		Result:         in.Result,
		Error:          in.Error,
	}
	if in.StartedAt != nil {
		t := fromEpoch(*in.StartedAt)
		o.StartedAt = &t
	}
	if in.CompletedAt != nil {
		t := fromEpoch(*in.CompletedAt)
		o.CompletedAt = &t
	}
	return nil
}

// OperationPatch is a partial update. Nil fields are left untouched.
// StartedAt and CompletedAt are write-once: an existing value is never replaced.
type OperationPatch struct {
	Status         *OperationStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ProcessedItems *int
	FailedItems    *int
	CurrentItem    *string
	Result         map[string]any
	Error          *string
	UpdatedAt      time.Time
}

type OperationEvent struct {
	EventID     int64           `json:"event_id"`
	OperationID string          `json:"operation_id"`
	StateFrom   OperationStatus `json:"state_from,omitempty"`
	StateTo     OperationStatus `json:"state_to"`
	TraceID     string          `json:"trace_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

const operationColumns = `id, operation_type, status, created_at, updated_at, started_at, completed_at,
	total_items, COALESCE(processed_items, 0), COALESCE(failed_items, 0), COALESCE(current_item, ''),
	result, COALESCE(error, '')`

func scanOperation(scanFn func(dest ...any) error, op *Operation) error {
	var (
		createdAt   float64
		updatedAt   float64
		startedAt   sql.NullFloat64
		completedAt sql.NullFloat64
		totalItems  sql.NullInt64
		result      sql.NullString
	)
	if err := scanFn(
		&op.ID,
		&op.Type,
		&op.Status,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
		&totalItems,
		&op.ProcessedItems,
		&op.FailedItems,
		&op.CurrentItem,
		&result,
		&op.Error,
	); err != nil {
		return err
	}
	op.CreatedAt = fromEpoch(createdAt)
	op.UpdatedAt = fromEpoch(updatedAt)
	op.StartedAt = epochPtr(startedAt)
	op.CompletedAt = epochPtr(completedAt)
	if totalItems.Valid {
		n := int(totalItems.Int64)
		op.TotalItems = &n
	}
	op.Result = nil
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &op.Result); err != nil {
			return fmt.Errorf("decode result for %s: %w", op.ID, err)
		}
	}
	return nil
}

func (s *Store) InsertOperation(ctx context.Context, op Operation) error {
	if op.ID == "" {
		return fmt.Errorf("insert operation: empty id")
	}
	if !op.Status.Valid() {
		return fmt.Errorf("insert operation %s: invalid status %q", op.ID, op.Status)
	}
	var total sql.NullInt64
	if op.TotalItems != nil {
		total = sql.NullInt64{Int64: int64(*op.TotalItems), Valid: true}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert operation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO operations (
			id, operation_type, status, created_at, updated_at, total_items, processed_items, failed_items
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, op.ID, op.Type, op.Status, toEpoch(op.CreatedAt), toEpoch(op.UpdatedAt), total, op.ProcessedItems, op.FailedItems); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert operation %s: %w", op.ID, ErrDuplicateOperation)
		}
		return fmt.Errorf("insert operation: %w", err)
	}
	if err := s.appendOperationEventTx(ctx, tx, op.ID, "", op.Status, op.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert operation tx: %w", err)
	}
	return nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?;`, id)
	if err := scanOperation(row.Scan, &op); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get operation %s: %w", id, ErrOperationNotFound)
		}
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return &op, nil
}

// UpdateOperation applies patch atomically. When expect is non-empty the
// patch only lands if the current status is one of expect; otherwise it
// returns (false, nil). A missing row yields ErrOperationNotFound.
func (s *Store) UpdateOperation(ctx context.Context, id string, expect []OperationStatus, patch OperationPatch) (bool, error) {
	_, ok, err := s.SwapOperation(ctx, id, expect, patch)
	return ok, err
}

// SwapOperation is UpdateOperation that also reports the status the row held
// inside the transaction, whether or not the patch landed.
func (s *Store) SwapOperation(ctx context.Context, id string, expect []OperationStatus, patch OperationPatch) (OperationStatus, bool, error) {
	var current OperationStatus
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return current, false, fmt.Errorf("begin update operation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx, `SELECT status FROM operations WHERE id = ?;`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return current, false, fmt.Errorf("update operation %s: %w", id, ErrOperationNotFound)
		}
		return current, false, fmt.Errorf("select operation for update: %w", err)
	}
	if len(expect) > 0 && !slices.Contains(expect, current) {
		return current, false, nil
	}
	statusChanged := patch.Status != nil && *patch.Status != current
	if statusChanged && !canTransition(current, *patch.Status) {
		return current, false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, *patch.Status)
	}

	updatedAt := patch.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	sets := []string{"updated_at = ?"}
	args := []any{toEpoch(updatedAt)}
	if statusChanged {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, toEpoch(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, toEpoch(*patch.CompletedAt))
	}
	if patch.ProcessedItems != nil {
		sets = append(sets, "processed_items = ?")
		args = append(args, *patch.ProcessedItems)
	}
	if patch.FailedItems != nil {
		sets = append(sets, "failed_items = ?")
		args = append(args, *patch.FailedItems)
	}
	if patch.CurrentItem != nil {
		sets = append(sets, "current_item = ?")
		args = append(args, *patch.CurrentItem)
	}
	if patch.Result != nil {
		encoded, err := json.Marshal(patch.Result)
		if err != nil {
			return current, false, fmt.Errorf("encode result: %w", err)
		}
		sets = append(sets, "result = COALESCE(result, ?)")
		args = append(args, string(encoded))
	}
	if patch.Error != nil {
		sets = append(sets, "error = COALESCE(error, ?)")
		args = append(args, *patch.Error)
	}
	args = append(args, id, current)

	res, err := tx.ExecContext(ctx,
		`UPDATE operations SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?;`,
		args...,
	)
	if err != nil {
		return current, false, fmt.Errorf("update operation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, false, fmt.Errorf("update operation rows affected: %w", err)
	}
	if affected != 1 {
		return current, false, nil
	}
	if statusChanged {
		if err := s.appendOperationEventTx(ctx, tx, id, current, *patch.Status, updatedAt); err != nil {
			return current, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return current, false, fmt.Errorf("commit update operation tx: %w", err)
	}
	return current, true, nil
}

// ListOperations returns the newest operations first, optionally filtered by status.
func (s *Store) ListOperations(ctx context.Context, limit int, status OperationStatus) ([]Operation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := `SELECT ` + operationColumns + ` FROM operations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := []Operation{}
	for rows.Next() {
		var op Operation
		if err := scanOperation(rows.Scan, &op); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation rows: %w", err)
	}
	return out, nil
}

// DeleteOperationsOlderThan removes terminal operations created before cutoff.
// Rows with a NULL completed_at are never touched.
func (s *Store) DeleteOperationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM operations
		WHERE completed_at IS NOT NULL AND created_at < ?;
	`, toEpoch(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old operations rows affected: %w", err)
	}
	return n, nil
}

// CountOperations returns the number of operations per status.
func (s *Store) CountOperations(ctx context.Context) (map[OperationStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM operations GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[OperationStatus]int)
	for rows.Next() {
		var (
			status OperationStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan operation count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation count rows: %w", err)
	}
	return counts, nil
}

func (s *Store) ListOperationEvents(ctx context.Context, id string) ([]OperationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, operation_id, COALESCE(state_from, ''), state_to, COALESCE(trace_id, ''), created_at
		FROM operation_events
		WHERE operation_id = ?
		ORDER BY event_id ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list operation events: %w", err)
	}
	defer rows.Close()

	var out []OperationEvent
	for rows.Next() {
		var (
			ev        OperationEvent
			createdAt float64
		)
		if err := rows.Scan(&ev.EventID, &ev.OperationID, &ev.StateFrom, &ev.StateTo, &ev.TraceID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan operation event: %w", err)
		}
		ev.CreatedAt = fromEpoch(createdAt)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("operation event rows: %w", err)
	}
	return out, nil
}

func (s *Store) appendOperationEventTx(ctx context.Context, tx *sql.Tx, id string, from, to OperationStatus, at time.Time) error {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO operation_events (operation_id, state_from, state_to, trace_id, created_at)
		VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), ?);
	`, id, string(from), string(to), traceID, toEpoch(at))
	if err != nil {
		return fmt.Errorf("insert operation_event: %w", err)
	}
	return nil
}
