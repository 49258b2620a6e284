package consistency

import (
	"context"
	"errors"
	"io"
)

// Iterator is a pull cursor over a lazily produced sequence.
//
// The producer function returns io.EOF once the sequence is exhausted; any
// other error stops iteration and is reported by Err. After Next returned
// false the producer is never called again.
type Iterator[T any] struct {
	nextFunc func(ctx context.Context) (T, error)
	current  T
	err      error
	done     bool
}

// NewIteratorFunc creates an Iterator from a producer function.
func NewIteratorFunc[T any](nextFunc func(ctx context.Context) (T, error)) *Iterator[T] {
	return &Iterator[T]{nextFunc: nextFunc}
}

// NewSliceIterator yields the items of a slice in order.
func NewSliceIterator[T any](items []T) *Iterator[T] {
	index := 0
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if index >= len(items) {
			return zero, io.EOF
		}
		item := items[index]
		index++
		return item, nil
	})
}

// EmptyIterator yields nothing.
func EmptyIterator[T any]() *Iterator[T] {
	return NewIteratorFunc(func(ctx context.Context) (T, error) {
		var zero T
		return zero, io.EOF
	})
}

// Next advances the iterator. Returns false at the end of the sequence or
// when an error occurred.
func (it *Iterator[T]) Next(ctx context.Context) bool {
	if it.done {
		return false
	}

	value, err := it.nextFunc(ctx)
	if err != nil {
		var zero T
		it.current = zero
		it.done = true
		if !errors.Is(err, io.EOF) {
			it.err = err
		}
		return false
	}

	it.current = value
	return true
}

// Value returns the current item.
func (it *Iterator[T]) Value() T {
	return it.current
}

// Err returns the error that stopped iteration, if any. End of sequence is
// not an error.
func (it *Iterator[T]) Err() error {
	return it.err
}

// All consumes the iterator and returns all items in a slice.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	results := make([]T, 0)
	for it.Next(ctx) {
		results = append(results, it.Value())
	}
	return results, it.Err()
}
