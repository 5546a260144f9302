package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricTransitions      = "docsearch.operations.transitions"
	metricDuration         = "docsearch.operations.duration"
	metricLiveTasks        = "docsearch.orchestrator.live_tasks"
	metricBlockingDuration = "docsearch.orchestrator.blocking.duration"
	metricRequestDuration  = "docsearch.request.duration"
	metricRetentionDeleted = "docsearch.retention.deleted"
	metricDocumentsIndexed = "docsearch.documents.indexed"
)

// Metrics holds all docsearch metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	OperationTransitions metric.Int64Counter
	OperationDuration    metric.Float64Histogram
	LiveTasks            metric.Int64UpDownCounter
	BlockingCallDuration metric.Float64Histogram
	RequestDuration      metric.Float64Histogram
	RetentionDeleted     metric.Int64Counter
	DocumentsIndexed     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationTransitions, err = meter.Int64Counter(metricTransitions,
		metric.WithDescription("Operation status transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationDuration, err = meter.Float64Histogram(metricDuration,
		metric.WithDescription("Time from start to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LiveTasks, err = meter.Int64UpDownCounter(metricLiveTasks,
		metric.WithDescription("Background tasks currently registered with the orchestrator"),
	)
	if err != nil {
		return nil, err
	}

	m.BlockingCallDuration, err = meter.Float64Histogram(metricBlockingDuration,
		metric.WithDescription("Duration of blocking collaborator calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(metricRequestDuration,
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RetentionDeleted, err = meter.Int64Counter(metricRetentionDeleted,
		metric.WithDescription("Operation records removed by the retention sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.DocumentsIndexed, err = meter.Int64Counter(metricDocumentsIndexed,
		metric.WithDescription("Documents added to the index"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTransition counts one status change.
func (m *Metrics) RecordTransition(ctx context.Context, opType, status string) {
	if m == nil || m.OperationTransitions == nil {
		return
	}
	m.OperationTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrOperationType.String(opType),
		AttrOperationStatus.String(status),
	))
}

// RecordDuration observes the running time of an operation that reached a terminal status.
func (m *Metrics) RecordDuration(ctx context.Context, opType, status string, seconds float64) {
	if m == nil || m.OperationDuration == nil {
		return
	}
	m.OperationDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrOperationType.String(opType),
		AttrOperationStatus.String(status),
	))
}

// AddLiveTasks adjusts the live-task gauge by delta.
func (m *Metrics) AddLiveTasks(ctx context.Context, delta int64) {
	if m == nil || m.LiveTasks == nil {
		return
	}
	m.LiveTasks.Add(ctx, delta)
}

func (m *Metrics) RecordBlockingCall(ctx context.Context, seconds float64, failed bool) {
	if m == nil || m.BlockingCallDuration == nil {
		return
	}
	m.BlockingCallDuration.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("error", failed)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, seconds float64) {
	if m == nil || m.RequestDuration == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrHTTPRoute.String(route),
		attribute.Int("http.status_code", status),
	))
}

func (m *Metrics) RecordRetention(ctx context.Context, deleted int64) {
	if m == nil || m.RetentionDeleted == nil {
		return
	}
	m.RetentionDeleted.Add(ctx, deleted)
}

func (m *Metrics) RecordIndexed(ctx context.Context, n int64) {
	if m == nil || m.DocumentsIndexed == nil {
		return
	}
	m.DocumentsIndexed.Add(ctx, n)
}
