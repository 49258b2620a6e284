package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/terraskye/consistency"
)

// MemoryStore is an EventStore keeping every stream in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string][]consistency.SerializedEvent
	closed  bool
}

var _ consistency.EventStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]consistency.SerializedEvent),
	}
}

func (m *MemoryStore) Append(ctx context.Context, stream string, expected consistency.ExpectedVersion, records []consistency.SerializedEvent) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return -1, fmt.Errorf("append to stream %q: store is closed", stream)
	}

	current := m.streams[stream]
	last := int64(len(current)) - 1
	if err := consistency.CheckExpected(stream, expected, last); err != nil {
		return -1, err
	}
	if len(records) == 0 {
		return last, nil
	}

	for _, rec := range records {
		last++
		rec.Stream = stream
		rec.Revision = last
		rec.Data = clone(rec.Data)
		rec.Metadata = clone(rec.Metadata)
		current = append(current, rec)
	}
	m.streams[stream] = current
	return last, nil
}

func (m *MemoryStore) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	records, exists := m.snapshot(stream)
	if !exists {
		notFound(onNotFound, stream)
		return consistency.EmptyIterator[consistency.SerializedEvent](), nil
	}

	index := max(start, 0)
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		if ctx.Err() != nil {
			return consistency.SerializedEvent{}, ctx.Err()
		}
		if index >= int64(len(records)) {
			return consistency.SerializedEvent{}, io.EOF
		}
		rec := records[index]
		index++
		return rec, nil
	}), nil
}

func (m *MemoryStore) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound consistency.NotFoundFunc) (*consistency.Iterator[consistency.SerializedEvent], error) {
	records, exists := m.snapshot(stream)
	if !exists {
		notFound(onNotFound, stream)
		return consistency.EmptyIterator[consistency.SerializedEvent](), nil
	}

	index := len(records) - 1
	yielded := 0
	return consistency.NewIteratorFunc(func(ctx context.Context) (consistency.SerializedEvent, error) {
		if ctx.Err() != nil {
			return consistency.SerializedEvent{}, ctx.Err()
		}
		if index < 0 || (maxCount > 0 && yielded >= maxCount) {
			return consistency.SerializedEvent{}, io.EOF
		}
		rec := records[index]
		index--
		yielded++
		return rec, nil
	}), nil
}

// Streams lists the names of all streams.
func (m *MemoryStore) Streams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	return names
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// snapshot returns the records of stream as of now. Appends never modify
// the returned elements.
func (m *MemoryStore) snapshot(stream string) ([]consistency.SerializedEvent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records, exists := m.streams[stream]
	return records[:len(records):len(records)], exists
}

func notFound(fn consistency.NotFoundFunc, stream string) {
	if fn != nil {
		fn(stream)
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
