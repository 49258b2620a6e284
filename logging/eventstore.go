package logging

import (
	"context"
	"errors"
	"log/slog"

	cqrs "github.com/terraskye/consistency"
)

var _ cqrs.EventStore = (*loggingStore)(nil)

type loggingStore struct {
	next   cqrs.EventStore
	logger *slog.Logger
}

// WithEventStoreLogging debug-logs appends and reads of next. Failed
// appends are logged as errors, concurrency conflicts as warnings.
func WithEventStoreLogging(logger *slog.Logger, next cqrs.EventStore) cqrs.EventStore {
	return &loggingStore{next: next, logger: logger}
}

func (s *loggingStore) with(ctx context.Context, stream string) *slog.Logger {
	return s.logger.With(
		"stream", stream,
		"command-id", cqrs.CommandIDFromContext(ctx),
		"aggregateId", cqrs.AggregateIDFromContext(ctx),
	)
}

func (s *loggingStore) Append(ctx context.Context, stream string, expected cqrs.ExpectedVersion, records []cqrs.SerializedEvent) (int64, error) {
	l := s.with(ctx, stream).With("expected", expected, "count", len(records))
	l.DebugContext(ctx, "append started")

	last, err := s.next.Append(ctx, stream, expected, records)
	switch {
	case err == nil:
		l.DebugContext(ctx, "append succeeded", "revision", last)
	case errors.Is(err, cqrs.ErrConcurrencyConflict):
		l.WarnContext(ctx, "append rejected", "error", err)
	default:
		l.ErrorContext(ctx, "append failed", "error", err)
	}
	return last, err
}

func (s *loggingStore) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound cqrs.NotFoundFunc) (*cqrs.Iterator[cqrs.SerializedEvent], error) {
	l := s.with(ctx, stream)
	l.DebugContext(ctx, "read forward", "start", start, "batch", batchSize)
	it, err := s.next.ReadForward(ctx, stream, start, batchSize, s.notFound(ctx, l, onNotFound))
	if err != nil {
		l.ErrorContext(ctx, "read forward failed", "error", err)
	}
	return it, err
}

func (s *loggingStore) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound cqrs.NotFoundFunc) (*cqrs.Iterator[cqrs.SerializedEvent], error) {
	l := s.with(ctx, stream)
	l.DebugContext(ctx, "read backward", "batch", batchSize, "max", maxCount)
	it, err := s.next.ReadBackward(ctx, stream, batchSize, maxCount, s.notFound(ctx, l, onNotFound))
	if err != nil {
		l.ErrorContext(ctx, "read backward failed", "error", err)
	}
	return it, err
}

func (s *loggingStore) notFound(ctx context.Context, l *slog.Logger, next cqrs.NotFoundFunc) cqrs.NotFoundFunc {
	return func(stream string) {
		l.DebugContext(ctx, "stream not found")
		if next != nil {
			next(stream)
		}
	}
}

func (s *loggingStore) Close() error {
	return s.next.Close()
}
