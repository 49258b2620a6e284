package fixtures

import (
	"context"
	"io"

	es "github.com/terraskye/consistency"
)

// FailingIterator returns an iterator that fails with the given error.
func FailingIterator(err error) *es.Iterator[es.SerializedEvent] {
	return es.NewIteratorFunc(func(ctx context.Context) (es.SerializedEvent, error) {
		return es.SerializedEvent{}, err
	})
}

// FailAfterNIterator yields the first n records, then fails with err.
func FailAfterNIterator(records []es.SerializedEvent, n int, err error) *es.Iterator[es.SerializedEvent] {
	idx := 0
	return es.NewIteratorFunc(func(ctx context.Context) (es.SerializedEvent, error) {
		if idx >= n {
			return es.SerializedEvent{}, err
		}
		if idx >= len(records) {
			return es.SerializedEvent{}, io.EOF
		}
		rec := records[idx]
		idx++
		return rec, nil
	})
}
