package otel

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/consistency"
)

var _ consistency.EventStore = (*TelemetryStore)(nil)

// TelemetryStore instruments an EventStore and propagates the trace
// context into the metadata of appended records.
type TelemetryStore struct {
	next consistency.EventStore
	cfg  *config
}

// WithEventStoreTelemetry wraps next with spans and metrics.
func WithEventStoreTelemetry(next consistency.EventStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig("eventstore", options)}
}

// Append with metrics + span. Records are annotated with the propagation
// fields of the current context, the trace id as correlation id and the
// command id as causation id; keys already present are left alone.
func (t *TelemetryStore) Append(ctx context.Context, stream string, expected consistency.ExpectedVersion, records []consistency.SerializedEvent) (int64, error) {
	ctx, span := tracer.Start(ctx, t.cfg.spanName("append"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("append"),
			AttrStreamID.String(stream),
			AttrExpected.String(expectedString(expected)),
			AttrEventCount.Int(len(records)),
		)...),
	)
	defer span.End()

	annotated, err := annotate(ctx, span, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("append")))
		return -1, err
	}

	start := time.Now()
	last, err := t.next.Append(ctx, stream, expected, annotated)
	EventStoreDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(AttrOperation.String("append")),
	)
	EventStoreAppends.Add(ctx, 1)

	if err != nil {
		if errors.Is(err, consistency.ErrConcurrencyConflict) {
			ConcurrencyConflicts.Add(ctx, 1)
			span.AddEvent("concurrency_conflict")
		}
		EventStoreErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String("append")))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return last, err
	}

	EventsAppended.Add(ctx, int64(len(records)))
	StreamRevisionGauge.Record(ctx, last)
	span.SetAttributes(AttrStreamRevision.Int64(last))
	return last, nil
}

func annotate(ctx context.Context, span trace.Span, records []consistency.SerializedEvent) ([]consistency.SerializedEvent, error) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if sc := span.SpanContext(); sc.HasTraceID() {
		carrier[CorrelationIDKey] = sc.TraceID().String()
	}
	if id := consistency.CommandIDFromContext(ctx); id != uuid.Nil {
		carrier[CausationIDKey] = id.String()
	}
	if len(carrier) == 0 {
		return records, nil
	}

	out := make([]consistency.SerializedEvent, len(records))
	for i, rec := range records {
		md, err := consistency.MergeMetadata(rec.Metadata, carrier)
		if err != nil {
			return nil, err
		}
		rec.Metadata = md
		out[i] = rec
	}
	return out, nil
}

// ReadForward with inline tracing middleware
func (t *TelemetryStore) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	return t.read(ctx, "forward", stream, func(ctx context.Context) (*consistency.Iterator[consistency.SerializedEvent], error) {
		return t.next.ReadForward(ctx, stream, start, batchSize, onNotFound)
	})
}

// ReadBackward with inline tracing middleware
func (t *TelemetryStore) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	return t.read(ctx, "backward", stream, func(ctx context.Context) (*consistency.Iterator[consistency.SerializedEvent], error) {
		return t.next.ReadBackward(ctx, stream, batchSize, maxCount, onNotFound)
	})
}

// read spans the whole consumption of the cursor: the span ends when the
// cursor is exhausted or fails.
func (t *TelemetryStore) read(ctx context.Context, direction, stream string, open func(context.Context) (*consistency.Iterator[consistency.SerializedEvent], error)) (*consistency.Iterator[consistency.SerializedEvent], error) {
	opAttr := metric.WithAttributes(AttrOperation.String("read"), AttrDirection.String(direction))

	ctx, span := tracer.Start(ctx, t.cfg.spanName("read "+direction),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrOperation.String("read"),
			AttrDirection.String(direction),
			AttrStreamID.String(stream),
		)...),
	)
	EventStoreReads.Add(ctx, 1, opAttr)

	iter, err := open(ctx)
	if err != nil {
		EventStoreErrors.Add(ctx, 1, opAttr)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}

	startedAt := time.Now()
	var count int64
	done := false
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		if !iter.Next(ctx) {
			err := iter.Err()
			if !done {
				done = true
				span.SetAttributes(AttrEventCount.Int64(count))
				EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), opAttr)
				if err != nil {
					EventStoreErrors.Add(ctx, 1, opAttr)
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				span.End()
			}
			if err == nil {
				err = io.EOF
			}
			return consistency.SerializedEvent{}, err
		}

		count++
		EventsLoaded.Add(ctx, 1, opAttr)
		return iter.Value(), nil
	}), nil
}

// Close just forwards
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}

func expectedString(v consistency.ExpectedVersion) string {
	if v == nil {
		return consistency.Any{}.String()
	}
	return v.String()
}
