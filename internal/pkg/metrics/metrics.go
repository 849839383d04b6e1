package metrics

import (
	"context"
	"time"

	"loan-sync-worker/internal/pkg/store/models"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder holds the replication counters. Fallback counters exist so that
// silent data quality decay (dates replaced by "now", payloads stored
// without a schema) is visible to operators.
type Recorder struct {
	applied      metric.Int64Counter
	dropped      metric.Int64Counter
	requeued     metric.Int64Counter
	dateFallback metric.Int64Counter
	passthrough  metric.Int64Counter
	bulkRecords  metric.Int64Counter
	bulkTables   metric.Int64Counter
	bulkDuration metric.Int64Histogram
}

func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error

	if r.applied, err = meter.Int64Counter("replication.events_applied_total",
		metric.WithDescription("Change events written to the destination store.")); err != nil {
		return nil, err
	}
	if r.dropped, err = meter.Int64Counter("replication.events_dropped_total",
		metric.WithDescription("Change events acknowledged without being applied.")); err != nil {
		return nil, err
	}
	if r.requeued, err = meter.Int64Counter("replication.events_requeued_total",
		metric.WithDescription("Change events returned to the bus after a store failure.")); err != nil {
		return nil, err
	}
	if r.dateFallback, err = meter.Int64Counter("replication.date_fallback_total",
		metric.WithDescription("Date values replaced by the current instant.")); err != nil {
		return nil, err
	}
	if r.passthrough, err = meter.Int64Counter("replication.passthrough_total",
		metric.WithDescription("Payloads stored unchanged because their entity kind has no schema.")); err != nil {
		return nil, err
	}
	if r.bulkRecords, err = meter.Int64Counter("bulk_sync.records_total",
		metric.WithDescription("Records written by bulk resync.")); err != nil {
		return nil, err
	}
	if r.bulkTables, err = meter.Int64Counter("bulk_sync.tables_total",
		metric.WithDescription("Tables processed by bulk resync.")); err != nil {
		return nil, err
	}
	if r.bulkDuration, err = meter.Int64Histogram("bulk_sync.table_duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken to resync one table.")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) EventApplied(ctx context.Context, kind models.EntityKind, operation, outcome string) {
	r.applied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_kind", kind.String()),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func (r *Recorder) EventDropped(ctx context.Context, kind models.EntityKind, reason string) {
	r.dropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_kind", kind.String()),
		attribute.String("reason", reason),
	))
}

func (r *Recorder) EventRequeued(ctx context.Context, kind models.EntityKind) {
	r.requeued.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_kind", kind.String())))
}

// DateFallback matches canonicalizer.FallbackHook.
func (r *Recorder) DateFallback(reason string, _ interface{}) {
	r.dateFallback.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Passthrough matches normalizer.PassthroughHook.
func (r *Recorder) Passthrough(kind models.EntityKind) {
	r.passthrough.Add(context.Background(), 1, metric.WithAttributes(attribute.String("entity_kind", kind.String())))
}

func (r *Recorder) BulkTable(ctx context.Context, table string, success bool, records int64, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.Bool("success", success),
	)
	r.bulkTables.Add(ctx, 1, attrs)
	r.bulkRecords.Add(ctx, records, attrs)
	r.bulkDuration.Record(ctx, elapsed.Milliseconds(), attrs)
}
