package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/consistency"
)

type telemetryExecutor struct {
	next consistency.Executor
	cfg  *config
}

// WithExecutorTelemetry wraps an Executor with OpenTelemetry tracing and
// metrics.
//
// Each batch runs inside an internal span named after the type of its
// first command. The span carries the command type, the aggregate id and
// the batch size.
//
// Behavior Details:
//   - CommandsInFlight is incremented for the duration of the batch.
//   - CommandsDuration records the execution time in milliseconds.
//   - A concurrency conflict adds a "concurrency_conflict" span event and
//     increments ConcurrencyConflicts.
//   - A validation error is a business outcome: the span status stays Ok
//     and a "business_rule_violation" event is recorded.
//   - Any other error marks the span as failed.
//
// Example Usage:
//
//	executor := otel.WithExecutorTelemetry(registry)
//	result, err := executor.Execute(ctx, cmd)
func WithExecutorTelemetry(next consistency.Executor, options ...Option) consistency.Executor {
	return &telemetryExecutor{next: next, cfg: newConfig("command", options)}
}

func (t *telemetryExecutor) Execute(ctx context.Context, cmds ...consistency.Command) (*consistency.Result, error) {
	if len(cmds) == 0 {
		return t.next.Execute(ctx, cmds...)
	}
	commandType := fmt.Sprintf("%T", cmds[0])
	typeAttr := metric.WithAttributes(AttrCommandType.String(commandType))

	ctx, span := tracer.Start(ctx, t.cfg.spanName("execute "+commandType),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrCommandType.String(commandType),
			AttrCommandID.String(cmds[0].CommandID().String()),
			AttrAggregateID.String(cmds[0].AggregateID()),
			AttrBatchSize.Int(len(cmds)),
		)...),
	)
	defer span.End()

	CommandsInFlight.Add(ctx, 1, typeAttr)
	defer CommandsInFlight.Add(ctx, -1, typeAttr)

	start := time.Now()
	result, err := t.next.Execute(ctx, cmds...)
	CommandsDuration.Record(ctx, float64(time.Since(start).Milliseconds()), typeAttr)

	if err == nil {
		span.SetStatus(codes.Ok, "")
		CommandsHandled.Add(ctx, 1, typeAttr)
		return result, nil
	}

	var conflict *consistency.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		ConcurrencyConflicts.Add(ctx, 1, typeAttr)
		span.AddEvent("concurrency_conflict", trace.WithAttributes(
			AttrStreamID.String(conflict.Stream),
			AttrExpected.String(conflict.Expected.String()),
		))
	}

	CommandsFailed.Add(ctx, 1, typeAttr)
	if errors.Is(err, consistency.ErrValidation) {
		span.SetStatus(codes.Ok, fmt.Sprintf("business rule violation: %v", err))
		span.AddEvent("business_rule_violation")
		return result, err
	}

	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	return result, err
}
