package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/types"
)

const (
	backendScopeName = "github.com/weftlabs/weft/backend"
	engineScopeName  = "github.com/weftlabs/weft/engine"
)

// InstrumentedBackend wraps backend.Backend with OTel tracing and metrics.
// Every remote call gets a span and is counted in weft.backend.* metrics.
// Use WrapBackend to create one; it returns the original backend unchanged
// when telemetry is disabled.
type InstrumentedBackend struct {
	inner  backend.Backend
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapBackend returns b decorated with OTel instrumentation.
// When telemetry is disabled, b is returned as-is with zero overhead.
func WrapBackend(b backend.Backend) backend.Backend {
	if !Enabled() {
		return b
	}
	m := Meter(backendScopeName)
	ops, _ := m.Int64Counter("weft.backend.operations",
		metric.WithDescription("Total backend operations executed"),
	)
	dur, _ := m.Float64Histogram("weft.backend.operation.duration",
		metric.WithDescription("Backend operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("weft.backend.errors",
		metric.WithDescription("Total backend operation errors"),
	)
	return &InstrumentedBackend{
		inner:  b,
		tracer: Tracer(backendScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named backend operation.
func (b *InstrumentedBackend) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{
		attribute.String("weft.backend", b.inner.Name()),
		attribute.String("weft.op", name),
	}, attrs...)
	ctx, span := b.tracer.Start(ctx, "backend."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	b.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (b *InstrumentedBackend) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	b.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (b *InstrumentedBackend) Name() string { return b.inner.Name() }

func (b *InstrumentedBackend) BatchLimit() int { return b.inner.BatchLimit() }

func (b *InstrumentedBackend) Close() error { return b.inner.Close() }

func (b *InstrumentedBackend) Authenticate(ctx context.Context) error {
	ctx, span, t := b.op(ctx, "Authenticate")
	err := b.inner.Authenticate(ctx)
	b.done(ctx, span, t, err)
	return err
}

func (b *InstrumentedBackend) FetchAll(ctx context.Context, opts backend.FetchOptions) ([]*backend.RemoteRecord, error) {
	attrs := []attribute.KeyValue{attribute.Bool("weft.fetch.incremental", opts.Since != nil)}
	ctx, span, t := b.op(ctx, "FetchAll", attrs...)
	records, err := b.inner.FetchAll(ctx, opts)
	if err == nil {
		span.SetAttributes(attribute.Int("weft.result.count", len(records)))
	}
	b.done(ctx, span, t, err, attrs...)
	return records, err
}

func (b *InstrumentedBackend) Push(ctx context.Context, records []*types.Record) (*backend.PushOutcome, error) {
	attrs := []attribute.KeyValue{attribute.Int("weft.record.count", len(records))}
	ctx, span, t := b.op(ctx, "Push", attrs...)
	outcome, err := b.inner.Push(ctx, records)
	if err == nil && outcome != nil {
		span.SetAttributes(attribute.Int("weft.failed.count", len(outcome.Failed)))
	}
	b.done(ctx, span, t, err, attrs...)
	return outcome, err
}

func (b *InstrumentedBackend) Pull(ctx context.Context, remoteIDs []string) (*backend.PullOutcome, error) {
	attrs := []attribute.KeyValue{attribute.Int("weft.record.count", len(remoteIDs))}
	ctx, span, t := b.op(ctx, "Pull", attrs...)
	outcome, err := b.inner.Pull(ctx, remoteIDs)
	if err == nil && outcome != nil {
		span.SetAttributes(attribute.Int("weft.failed.count", len(outcome.Failed)))
	}
	b.done(ctx, span, t, err, attrs...)
	return outcome, err
}

func (b *InstrumentedBackend) DeleteRemote(ctx context.Context, remoteIDs []string) (*backend.DeleteOutcome, error) {
	attrs := []attribute.KeyValue{attribute.Int("weft.record.count", len(remoteIDs))}
	ctx, span, t := b.op(ctx, "DeleteRemote", attrs...)
	outcome, err := b.inner.DeleteRemote(ctx, remoteIDs)
	if err == nil && outcome != nil {
		span.SetAttributes(attribute.Int("weft.failed.count", len(outcome.Failed)))
	}
	b.done(ctx, span, t, err, attrs...)
	return outcome, err
}

// RecordRun emits the span tree and counters for one completed sync run.
// Stage spans are reconstructed from the report's timings so the engine
// itself stays free of OTel plumbing. No-op when telemetry is disabled.
func RecordRun(ctx context.Context, r *engine.Report) {
	if !Enabled() || r == nil {
		return
	}

	result := runResult(r)
	attrs := []attribute.KeyValue{
		attribute.Bool("weft.dry_run", r.DryRun),
		attribute.String("weft.result", result),
	}

	tracer := Tracer(engineScopeName)
	ctx, root := tracer.Start(ctx, "weft.sync",
		trace.WithTimestamp(r.StartedAt),
		trace.WithAttributes(attrs...),
	)
	cursor := r.StartedAt
	for _, st := range r.Stages {
		end := cursor.Add(time.Duration(st.Millis) * time.Millisecond)
		_, span := tracer.Start(ctx, "sync."+st.Stage, trace.WithTimestamp(cursor))
		span.End(trace.WithTimestamp(end))
		cursor = end
	}
	if r.Aborted {
		root.SetStatus(codes.Error, "sync aborted")
	}
	root.End(trace.WithTimestamp(r.FinishedAt))

	m := Meter(engineScopeName)
	counter := func(name, desc string, v int) {
		c, _ := m.Int64Counter(name, metric.WithDescription(desc))
		c.Add(ctx, int64(v), metric.WithAttributes(attrs...))
	}
	counter("weft.sync.pushed", "Records pushed to remote backends", r.Pushed)
	counter("weft.sync.pulled", "Remote changes applied to the local store", r.Pulled)
	counter("weft.sync.conflicts", "Conflicts flagged for manual resolution", r.ConflictsFlagged)
	counter("weft.sync.duplicates", "Duplicate records collapsed", r.DuplicatesResolved)
	counter("weft.sync.errors", "Per-record sync errors", len(r.Errors))

	stageDur, _ := m.Float64Histogram("weft.sync.stage.duration",
		metric.WithDescription("Sync stage duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	for _, st := range r.Stages {
		stageDur.Record(ctx, float64(st.Millis),
			metric.WithAttributes(attribute.String("weft.stage", st.Stage)),
		)
	}
}

func runResult(r *engine.Report) string {
	switch r.ExitCode() {
	case 3:
		return "aborted"
	case 2:
		return "errors"
	case 1:
		return "conflicts"
	default:
		return "clean"
	}
}
