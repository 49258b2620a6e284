package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/terraskye/consistency"
	"github.com/terraskye/consistency/eventstore/eventstoretest"
	"github.com/terraskye/consistency/eventstore/memory"
	"github.com/terraskye/consistency/fixtures"
)

func TestTelemetryStoreAppendAnnotatesRecords(t *testing.T) {
	exported.Reset()
	inner := memory.NewMemoryStore()
	store := WithEventStoreTelemetry(inner)

	cmd := fixtures.NewDeposit("acc-1", 5)
	ctx := consistency.WithCommandContext(t.Context(), cmd)
	records := eventstoretest.Records("deposited", 2)
	original := string(records[0].Metadata)

	last, err := store.Append(ctx, "account-acc-1", consistency.MustNotExist{}, records)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
	assert.Equal(t, original, string(records[0].Metadata), "caller records must not be modified")

	span := findSpan(t, "eventstore.append")
	stored := fixtures.ReadAll(t, inner, "account-acc-1")
	require.Len(t, stored, 2)
	for _, rec := range stored {
		md, err := consistency.DecodeMetadata(rec.Metadata, rec.Revision)
		require.NoError(t, err)
		assert.Equal(t, "deposited", md.Type(), "existing keys are kept")

		traceparent, err := consistency.ReadMetadata[string](md, "traceparent")
		require.NoError(t, err)
		assert.Contains(t, traceparent, span.SpanContext.TraceID().String())

		correlation, _ := consistency.TryReadMetadata[string](md, CorrelationIDKey)
		assert.Equal(t, span.SpanContext.TraceID().String(), correlation)
		causation, _ := consistency.TryReadMetadata[string](md, CausationIDKey)
		assert.Equal(t, cmd.CommandID().String(), causation)
	}

	stream, ok := attr(span, AttrStreamID)
	require.True(t, ok)
	assert.Equal(t, "account-acc-1", stream.AsString())
	revision, ok := attr(span, AttrStreamRevision)
	require.True(t, ok)
	assert.Equal(t, int64(1), revision.AsInt64())
}

func TestTelemetryStoreAppendConflict(t *testing.T) {
	exported.Reset()
	store := WithEventStoreTelemetry(memory.NewMemoryStore())
	ctx := t.Context()

	_, err := store.Append(ctx, "s", consistency.Any{}, eventstoretest.Records("created", 1))
	require.NoError(t, err)
	_, err = store.Append(ctx, "s", consistency.MustNotExist{}, eventstoretest.Records("created", 1))
	require.ErrorIs(t, err, consistency.ErrConcurrencyConflict)

	spans := exported.GetSpans()
	require.Len(t, spans, 2)
	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status.Code)
	assert.True(t, hasEvent(failed, "concurrency_conflict"))
}

func TestTelemetryStoreReadSpanCoversCursor(t *testing.T) {
	exported.Reset()
	inner := memory.NewMemoryStore()
	store := WithEventStoreTelemetry(inner)
	ctx := t.Context()

	_, err := inner.Append(ctx, "s", consistency.Any{}, eventstoretest.Records("created", 3))
	require.NoError(t, err)

	it, err := store.ReadBackward(ctx, "s", 1, 2, consistency.IgnoreNotFound)
	require.NoError(t, err)
	assert.Empty(t, exported.GetSpans(), "span ends with the cursor")

	records, err := it.All(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	span := findSpan(t, "eventstore.read backward")
	count, ok := attr(span, AttrEventCount)
	require.True(t, ok)
	assert.Equal(t, int64(2), count.AsInt64())
}

func TestTelemetryStoreReadFailure(t *testing.T) {
	exported.Reset()
	boom := errors.New("boom")
	spy := fixtures.NewStoreSpy(nil)
	spy.ReadForwardFn = func(_ context.Context, _ string, _ int64) (*consistency.Iterator[consistency.SerializedEvent], error) {
		return fixtures.FailingIterator(boom), nil
	}
	store := WithEventStoreTelemetry(spy)

	it, err := store.ReadForward(t.Context(), "s", 0, 10, consistency.IgnoreNotFound)
	require.NoError(t, err)
	_, err = it.All(t.Context())
	require.ErrorIs(t, err, boom)

	span := findSpan(t, "eventstore.read forward")
	assert.Equal(t, codes.Error, span.Status.Code)
}
