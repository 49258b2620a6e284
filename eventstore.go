package consistency

import (
	"context"

	"github.com/google/uuid"
)

// SerializedEvent is the record exchanged with an EventStore.
type SerializedEvent struct {
	ID       uuid.UUID
	Type     string
	Data     []byte
	Metadata []byte

	// Stream and Revision are assigned by the store and ignored on append.
	Stream   string
	Revision int64
}

// NotFoundFunc is called by read operations when the stream does not
// exist. The returned cursor is then empty.
type NotFoundFunc func(stream string)

// EventStore defines the contract for the append-only log underneath the
// aggregates.
//
// Implementations must guarantee:
//   - Revisions within a stream are dense, zero-based and strictly
//     increasing.
//   - Append is an atomic compare-and-append: the expected version is
//     checked against the stream's tail and the records are written as a
//     whole or not at all.
//   - Reading a missing stream is not an error; onNotFound is invoked and
//     the cursor yields nothing.
//
// Cursors are lazy and single-use. They should be consumed promptly; no
// assumptions should be made about thread-safety.
type EventStore interface {
	// Append writes records to the end of stream.
	//
	// Parameters:
	//   - expected: the version the caller believes the stream is at:
	//       - Any: always append.
	//       - MustNotExist: the stream must not exist.
	//       - MustExist: the stream must exist.
	//       - Revision(n): n must be the revision of the last record.
	//
	// Returns the revision of the last written record. Appending no records
	// only checks the expectation and returns the current tail (-1 when the
	// stream does not exist).
	//
	// Errors:
	//   - *ConcurrencyConflictError (ErrConcurrencyConflict) on mismatch.
	//   - Any store-specific persistence error.
	Append(ctx context.Context, stream string, expected ExpectedVersion, records []SerializedEvent) (int64, error)

	// ReadForward reads stream from revision start (inclusive) towards the
	// tail, fetching batchSize records per round trip.
	ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound NotFoundFunc) (*Iterator[SerializedEvent], error)

	// ReadBackward reads stream from the tail towards the head, fetching
	// batchSize records per round trip and yielding at most maxCount
	// records. maxCount <= 0 means no bound.
	ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound NotFoundFunc) (*Iterator[SerializedEvent], error)

	// Close releases resources held by the store. Implementations should
	// make Close idempotent.
	Close() error
}

// IgnoreNotFound is a NotFoundFunc that does nothing.
func IgnoreNotFound(string) {}

// ReadBatchSize normalises a batch size argument.
func ReadBatchSize(batchSize int) int {
	if batchSize <= 0 {
		return 100
	}
	return batchSize
}
