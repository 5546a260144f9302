package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Totals is a point-in-time summary of the daemon's instruments since start.
type Totals struct {
	Transitions      map[string]int64 `json:"transitions"`
	LiveTasks        int64            `json:"live_tasks"`
	RetentionDeleted int64            `json:"retention_deleted"`
	DocumentsIndexed int64            `json:"documents_indexed"`
	Requests         uint64           `json:"requests"`
}

// Totals collects the in-process reader. A nil provider reports zeros.
func (p *Provider) Totals(ctx context.Context) (Totals, error) {
	out := Totals{Transitions: map[string]int64{}}
	if p == nil || p.reader == nil {
		return out, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return out, fmt.Errorf("collect metrics: %w", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			switch md.Name {
			case metricTransitions:
				if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						status, _ := dp.Attributes.Value(AttrOperationStatus)
						out.Transitions[status.AsString()] += dp.Value
					}
				}
			case metricLiveTasks:
				out.LiveTasks += sumInt64(md.Data)
			case metricRetentionDeleted:
				out.RetentionDeleted += sumInt64(md.Data)
			case metricDocumentsIndexed:
				out.DocumentsIndexed += sumInt64(md.Data)
			case metricRequestDuration:
				if hist, ok := md.Data.(metricdata.Histogram[float64]); ok {
					for _, dp := range hist.DataPoints {
						out.Requests += dp.Count
					}
				}
			}
		}
	}
	return out, nil
}

func sumInt64(data metricdata.Aggregation) int64 {
	sum, ok := data.(metricdata.Sum[int64])
	if !ok {
		return 0
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}
