// Package eventstoretest provides the behavioral test suite every
// consistency.EventStore backend must pass.
package eventstoretest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraskye/consistency"
)

// Factory returns a store for one test. The store is closed by the suite.
type Factory func(t *testing.T) consistency.EventStore

// Record builds a record with a compact JSON payload and metadata.
func Record(eventType string, n int) consistency.SerializedEvent {
	return consistency.SerializedEvent{
		ID:       uuid.New(),
		Type:     eventType,
		Data:     []byte(fmt.Sprintf(`{"n":%d}`, n)),
		Metadata: []byte(fmt.Sprintf(`{"type":%q,"version":1}`, eventType)),
	}
}

// Records builds count records numbered from 0.
func Records(eventType string, count int) []consistency.SerializedEvent {
	out := make([]consistency.SerializedEvent, count)
	for i := range out {
		out[i] = Record(eventType, i)
	}
	return out
}

func streamName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func collect(t *testing.T, ctx context.Context, it *consistency.Iterator[consistency.SerializedEvent], err error) []consistency.SerializedEvent {
	t.Helper()
	require.NoError(t, err)
	records, err := it.All(ctx)
	require.NoError(t, err)
	return records
}

func revisions(records []consistency.SerializedEvent) []int64 {
	out := make([]int64, len(records))
	for i, rec := range records {
		out[i] = rec.Revision
	}
	return out
}

func requireConflict(t *testing.T, err error, stream string, actual consistency.ExpectedVersion) {
	t.Helper()
	require.ErrorIs(t, err, consistency.ErrConcurrencyConflict)
	var conflict *consistency.ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict), "expected *ConcurrencyConflictError, got %T", err)
	assert.Equal(t, stream, conflict.Stream)
	assert.Equal(t, actual, conflict.Actual)
}

// Run executes the suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	open := func(t *testing.T) consistency.EventStore {
		t.Helper()
		store := newStore(t)
		t.Cleanup(func() { _ = store.Close() })
		return store
	}

	t.Run("missing stream reads are empty and reported", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("missing")

		var notFound []string
		onNotFound := func(s string) { notFound = append(notFound, s) }

		it, err := store.ReadForward(ctx, stream, 0, 10, onNotFound)
		assert.Empty(t, collect(t, ctx, it, err))

		it, err = store.ReadBackward(ctx, stream, 10, 10, onNotFound)
		assert.Empty(t, collect(t, ctx, it, err))

		assert.Equal(t, []string{stream, stream}, notFound)
	})

	t.Run("append assigns dense revisions", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("dense")

		last, err := store.Append(ctx, stream, consistency.MustNotExist{}, Records("created", 2))
		require.NoError(t, err)
		assert.Equal(t, int64(1), last)

		last, err = store.Append(ctx, stream, consistency.Revision(1), Records("changed", 3))
		require.NoError(t, err)
		assert.Equal(t, int64(4), last)

		it, err := store.ReadForward(ctx, stream, 0, 2, consistency.IgnoreNotFound)
		records := collect(t, ctx, it, err)
		assert.Equal(t, []int64{0, 1, 2, 3, 4}, revisions(records))
		for _, rec := range records {
			assert.Equal(t, stream, rec.Stream)
		}
	})

	t.Run("records round trip", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("roundtrip")
		want := Record("created", 7)

		_, err := store.Append(ctx, stream, consistency.Any{}, []consistency.SerializedEvent{want})
		require.NoError(t, err)

		it, err := store.ReadForward(ctx, stream, 0, 10, consistency.IgnoreNotFound)
		records := collect(t, ctx, it, err)
		require.Len(t, records, 1)
		got := records[0]
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Type, got.Type)
		assert.JSONEq(t, string(want.Data), string(got.Data))
		assert.JSONEq(t, string(want.Metadata), string(got.Metadata))
		assert.Equal(t, int64(0), got.Revision)
	})

	t.Run("stale revision conflicts", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("stale")

		_, err := store.Append(ctx, stream, consistency.MustNotExist{}, Records("created", 3))
		require.NoError(t, err)

		_, err = store.Append(ctx, stream, consistency.Revision(0), Records("changed", 1))
		requireConflict(t, err, stream, consistency.Revision(2))

		it, err := store.ReadForward(ctx, stream, 0, 10, consistency.IgnoreNotFound)
		assert.Len(t, collect(t, ctx, it, err), 3, "a rejected append must not write")
	})

	t.Run("sentinel expectations", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("sentinel")

		_, err := store.Append(ctx, stream, consistency.MustExist{}, Records("changed", 1))
		requireConflict(t, err, stream, consistency.MustNotExist{})

		_, err = store.Append(ctx, stream, consistency.Any{}, Records("created", 1))
		require.NoError(t, err)

		_, err = store.Append(ctx, stream, consistency.MustNotExist{}, Records("created", 1))
		requireConflict(t, err, stream, consistency.Revision(0))

		last, err := store.Append(ctx, stream, consistency.MustExist{}, Records("changed", 1))
		require.NoError(t, err)
		assert.Equal(t, int64(1), last)
	})

	t.Run("empty append checks and returns the tail", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("empty")

		last, err := store.Append(ctx, stream, consistency.MustNotExist{}, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), last)

		_, err = store.Append(ctx, stream, consistency.Any{}, Records("created", 2))
		require.NoError(t, err)

		last, err = store.Append(ctx, stream, consistency.Revision(1), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), last)

		_, err = store.Append(ctx, stream, consistency.Revision(0), nil)
		requireConflict(t, err, stream, consistency.Revision(1))
	})

	t.Run("forward read from a start revision", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("forward")

		_, err := store.Append(ctx, stream, consistency.Any{}, Records("changed", 7))
		require.NoError(t, err)

		it, err := store.ReadForward(ctx, stream, 4, 2, consistency.IgnoreNotFound)
		assert.Equal(t, []int64{4, 5, 6}, revisions(collect(t, ctx, it, err)))

		it, err = store.ReadForward(ctx, stream, 7, 2, consistency.IgnoreNotFound)
		assert.Empty(t, collect(t, ctx, it, err))
	})

	t.Run("backward read is bounded", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("backward")

		_, err := store.Append(ctx, stream, consistency.Any{}, Records("changed", 8))
		require.NoError(t, err)

		it, err := store.ReadBackward(ctx, stream, 2, 5, consistency.IgnoreNotFound)
		assert.Equal(t, []int64{7, 6, 5, 4, 3}, revisions(collect(t, ctx, it, err)))

		it, err = store.ReadBackward(ctx, stream, 3, 20, consistency.IgnoreNotFound)
		assert.Equal(t, []int64{7, 6, 5, 4, 3, 2, 1, 0}, revisions(collect(t, ctx, it, err)))
	})

	t.Run("streams are independent", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		a, b := streamName("a"), streamName("b")

		_, err := store.Append(ctx, a, consistency.MustNotExist{}, Records("created", 2))
		require.NoError(t, err)
		last, err := store.Append(ctx, b, consistency.MustNotExist{}, Records("created", 1))
		require.NoError(t, err)
		assert.Equal(t, int64(0), last)

		it, err := store.ReadForward(ctx, a, 0, 10, consistency.IgnoreNotFound)
		assert.Len(t, collect(t, ctx, it, err), 2)
	})

	t.Run("concurrent appends with the same expectation", func(t *testing.T) {
		ctx := t.Context()
		store := open(t)
		stream := streamName("race")

		_, err := store.Append(ctx, stream, consistency.MustNotExist{}, Records("created", 1))
		require.NoError(t, err)

		const writers = 4
		errs := make(chan error, writers)
		for range writers {
			go func() {
				_, err := store.Append(ctx, stream, consistency.Revision(0), Records("changed", 1))
				errs <- err
			}()
		}

		succeeded := 0
		for range writers {
			if err := <-errs; err == nil {
				succeeded++
			} else {
				require.ErrorIs(t, err, consistency.ErrConcurrencyConflict)
			}
		}
		assert.Equal(t, 1, succeeded)
	})
}
