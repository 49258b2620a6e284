package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/consistency"
	"github.com/terraskye/consistency/eventstore/memory"
)

// StoreSpy wraps an EventStore, counts calls per stream and allows
// injecting failures.
type StoreSpy struct {
	es.EventStore

	mu sync.Mutex

	// Function overrides, called instead of the wrapped store.
	AppendFn       func(ctx context.Context, stream string, expected es.ExpectedVersion, records []es.SerializedEvent) (int64, error)
	ReadForwardFn  func(ctx context.Context, stream string, start int64) (*es.Iterator[es.SerializedEvent], error)
	ReadBackwardFn func(ctx context.Context, stream string, batchSize, maxCount int) (*es.Iterator[es.SerializedEvent], error)

	// BeforeAppend runs before every append reaches the wrapped store.
	BeforeAppend func(ctx context.Context, stream string)

	appends       map[string]int
	forwardReads  map[string]int
	backwardReads map[string]int

	// Captured arguments from the last append.
	LastExpected es.ExpectedVersion
	LastRecords  []es.SerializedEvent

	appendErr error
	readErr   error
}

// NewStoreSpy wraps store. A nil store means a fresh memory store.
func NewStoreSpy(store es.EventStore) *StoreSpy {
	if store == nil {
		store = memory.NewMemoryStore()
	}
	return &StoreSpy{
		EventStore:    store,
		appends:       make(map[string]int),
		forwardReads:  make(map[string]int),
		backwardReads: make(map[string]int),
	}
}

// FailOnAppend makes every append fail with err.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.appendErr = err
	return s
}

// FailOnRead makes every read fail with err.
func (s *StoreSpy) FailOnRead(err error) *StoreSpy {
	s.readErr = err
	return s
}

func (s *StoreSpy) Append(ctx context.Context, stream string, expected es.ExpectedVersion, records []es.SerializedEvent) (int64, error) {
	s.mu.Lock()
	s.appends[stream]++
	s.LastExpected = expected
	s.LastRecords = records
	before := s.BeforeAppend
	s.mu.Unlock()

	if before != nil {
		before(ctx, stream)
	}
	if s.AppendFn != nil {
		return s.AppendFn(ctx, stream, expected, records)
	}
	if s.appendErr != nil {
		return -1, s.appendErr
	}
	return s.EventStore.Append(ctx, stream, expected, records)
}

func (s *StoreSpy) ReadForward(ctx context.Context, stream string, start int64, batchSize int, onNotFound es.NotFoundFunc) (*es.Iterator[es.SerializedEvent], error) {
	s.mu.Lock()
	s.forwardReads[stream]++
	s.mu.Unlock()

	if s.ReadForwardFn != nil {
		return s.ReadForwardFn(ctx, stream, start)
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.EventStore.ReadForward(ctx, stream, start, batchSize, onNotFound)
}

func (s *StoreSpy) ReadBackward(ctx context.Context, stream string, batchSize, maxCount int, onNotFound es.NotFoundFunc) (*es.Iterator[es.SerializedEvent], error) {
	s.mu.Lock()
	s.backwardReads[stream]++
	s.mu.Unlock()

	if s.ReadBackwardFn != nil {
		return s.ReadBackwardFn(ctx, stream, batchSize, maxCount)
	}
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.EventStore.ReadBackward(ctx, stream, batchSize, maxCount, onNotFound)
}

// Appends returns the number of appends to stream.
func (s *StoreSpy) Appends(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends[stream]
}

// TotalAppends returns the number of appends to any stream.
func (s *StoreSpy) TotalAppends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.appends {
		total += n
	}
	return total
}

// ForwardReads returns the number of forward reads of stream.
func (s *StoreSpy) ForwardReads(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwardReads[stream]
}

// BackwardReads returns the number of backward reads of stream.
func (s *StoreSpy) BackwardReads(stream string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backwardReads[stream]
}

// Seed encodes events with registry and appends them to stream, failing
// the test on error.
func Seed(t TestingT, store es.EventStore, registry *es.Registry, scopeID, stream string, events ...es.Event) int64 {
	t.Helper()
	records, err := registry.EncodeAll(t.Context(), scopeID, events)
	if err != nil {
		t.Fatalf("seed %s: %v", stream, err)
	}
	last, err := store.Append(t.Context(), stream, es.Any{}, records)
	if err != nil {
		t.Fatalf("seed %s: %v", stream, err)
	}
	return last
}

// ReadAll returns every record of stream, failing the test on error.
func ReadAll(t TestingT, store es.EventStore, stream string) []es.SerializedEvent {
	t.Helper()
	it, err := store.ReadForward(t.Context(), stream, 0, 100, es.IgnoreNotFound)
	if err != nil {
		t.Fatalf("read %s: %v", stream, err)
	}
	records, err := it.All(t.Context())
	if err != nil {
		t.Fatalf("read %s: %v", stream, err)
	}
	return records
}

// TestingT is the subset of *testing.T used by the helpers.
type TestingT interface {
	Helper()
	Context() context.Context
	Fatalf(format string, args ...any)
}
