package mailstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/mailstore"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the engine.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Transactions
	commitLatency metric.Float64Histogram
	commitCount   metric.Int64Counter
	commitErrors  metric.Int64Counter
	rollbackCount metric.Int64Counter

	// Indexing
	indexLatency  metric.Float64Histogram
	indexedItems  metric.Int64Counter
	indexErrors   metric.Int64Counter
	indexDeferred metric.Int64UpDownCounter
	countDrift    metric.Int64Counter

	// Search
	searchLatency metric.Float64Histogram
	searchCount   metric.Int64Counter
	searchErrors  metric.Int64Counter

	// Re-index jobs
	reindexCount  metric.Int64Counter
	reindexErrors metric.Int64Counter

	// Delivery
	deliveryLatency metric.Float64Histogram
	deliveredItems  metric.Int64Counter
	deliveryErrors  metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	serviceName := opts.serviceName
	if serviceName == "" {
		serviceName = "mailstore"
	}

	// Initialize tracer
	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	// Initialize metrics
	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	// Transaction metrics
	o.commitLatency, err = meter.Float64Histogram(
		"mailstore.txn.duration",
		metric.WithDescription("Duration of transactions from begin to lock release"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.commitCount, err = meter.Int64Counter(
		"mailstore.txn.commits",
		metric.WithDescription("Number of committed transactions"),
	)
	if err != nil {
		return err
	}

	o.commitErrors, err = meter.Int64Counter(
		"mailstore.txn.errors",
		metric.WithDescription("Number of failed commits"),
	)
	if err != nil {
		return err
	}

	o.rollbackCount, err = meter.Int64Counter(
		"mailstore.txn.rollbacks",
		metric.WithDescription("Number of rolled-back transactions"),
	)
	if err != nil {
		return err
	}

	// Indexing metrics
	o.indexLatency, err = meter.Float64Histogram(
		"mailstore.index.duration",
		metric.WithDescription("Duration of index catch-up passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.indexedItems, err = meter.Int64Counter(
		"mailstore.index.items",
		metric.WithDescription("Number of items submitted to the index"),
	)
	if err != nil {
		return err
	}

	o.indexErrors, err = meter.Int64Counter(
		"mailstore.index.errors",
		metric.WithDescription("Number of indexing failures"),
	)
	if err != nil {
		return err
	}

	o.indexDeferred, err = meter.Int64UpDownCounter(
		"mailstore.index.deferred",
		metric.WithDescription("Items awaiting indexing across all mailboxes"),
	)
	if err != nil {
		return err
	}

	o.countDrift, err = meter.Int64Counter(
		"mailstore.index.count_drift",
		metric.WithDescription("Times the persisted deferred count disagreed with the store"),
	)
	if err != nil {
		return err
	}

	// Search metrics
	o.searchLatency, err = meter.Float64Histogram(
		"mailstore.search.duration",
		metric.WithDescription("Duration of search operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.searchCount, err = meter.Int64Counter(
		"mailstore.search.count",
		metric.WithDescription("Number of search operations"),
	)
	if err != nil {
		return err
	}

	o.searchErrors, err = meter.Int64Counter(
		"mailstore.search.errors",
		metric.WithDescription("Number of search errors"),
	)
	if err != nil {
		return err
	}

	// Re-index metrics
	o.reindexCount, err = meter.Int64Counter(
		"mailstore.reindex.count",
		metric.WithDescription("Number of re-index jobs started"),
	)
	if err != nil {
		return err
	}

	o.reindexErrors, err = meter.Int64Counter(
		"mailstore.reindex.errors",
		metric.WithDescription("Number of re-index jobs that failed or were interrupted"),
	)
	if err != nil {
		return err
	}

	// Delivery metrics
	o.deliveryLatency, err = meter.Float64Histogram(
		"mailstore.delivery.duration",
		metric.WithDescription("Duration of message delivery fan-out"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.deliveredItems, err = meter.Int64Counter(
		"mailstore.delivery.items",
		metric.WithDescription("Number of recipient copies delivered"),
	)
	if err != nil {
		return err
	}

	o.deliveryErrors, err = meter.Int64Counter(
		"mailstore.delivery.errors",
		metric.WithDescription("Number of recipient deliveries that failed"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// Caller must call the returned func with the operation's final error.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordCommit records transaction outcome metrics.
func (o *otelInstrumentation) recordCommit(ctx context.Context, duration time.Duration, op string, itemCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("item_count", itemCount),
	)

	o.commitLatency.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		o.commitErrors.Add(ctx, 1, attrs)
		return
	}
	o.commitCount.Add(ctx, 1, attrs)
}

// recordRollback records a rolled-back transaction.
func (o *otelInstrumentation) recordRollback(ctx context.Context, op string) {
	if !o.metricsEnabled {
		return
	}
	o.rollbackCount.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
}

// recordIndexPass records one catch-up pass against the index.
func (o *otelInstrumentation) recordIndexPass(ctx context.Context, duration time.Duration, submitted int, err error) {
	if !o.metricsEnabled {
		return
	}

	o.indexLatency.Record(ctx, duration.Seconds())
	o.indexedItems.Add(ctx, int64(submitted))
	if err != nil {
		o.indexErrors.Add(ctx, 1)
	}
}

// recordDeferred adjusts the deferred-items gauge by delta.
func (o *otelInstrumentation) recordDeferred(ctx context.Context, delta int) {
	if !o.metricsEnabled || delta == 0 {
		return
	}
	o.indexDeferred.Add(ctx, int64(delta))
}

// recordCountDrift records a deferred-count reconciliation against the store.
func (o *otelInstrumentation) recordCountDrift(ctx context.Context, mailboxID int) {
	if !o.metricsEnabled {
		return
	}
	o.countDrift.Add(ctx, 1, metric.WithAttributes(attribute.Int("mailbox_id", mailboxID)))
}

// recordSearch records search operation metrics.
func (o *otelInstrumentation) recordSearch(ctx context.Context, duration time.Duration, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("result_count", resultCount),
	)

	o.searchLatency.Record(ctx, duration.Seconds(), attrs)
	o.searchCount.Add(ctx, 1, attrs)
	if err != nil {
		o.searchErrors.Add(ctx, 1, attrs)
	}
}

// recordDelivery records a delivery fan-out outcome.
func (o *otelInstrumentation) recordDelivery(ctx context.Context, duration time.Duration, delivered, failed int) {
	if !o.metricsEnabled {
		return
	}

	o.deliveryLatency.Record(ctx, duration.Seconds())
	o.deliveredItems.Add(ctx, int64(delivered))
	if failed > 0 {
		o.deliveryErrors.Add(ctx, int64(failed))
	}
}

// recordReindex records a re-index job outcome.
func (o *otelInstrumentation) recordReindex(ctx context.Context, full bool, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("full", full),
	)

	o.reindexCount.Add(ctx, 1, attrs)
	if err != nil {
		o.reindexErrors.Add(ctx, 1, attrs)
	}
}
