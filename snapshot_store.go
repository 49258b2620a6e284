package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
)

// SnapshotStore keeps snapshots in their own streams next to the origin
// stream. Only the latest snapshot is ever read.
type SnapshotStore struct {
	store    EventStore
	registry *Registry
}

// NewSnapshotStore creates a SnapshotStore writing through store.
func NewSnapshotStore(store EventStore, registry *Registry) *SnapshotStore {
	return &SnapshotStore{store: store, registry: registry}
}

// Latest returns the newest snapshot of payloadType for origin. It reports
// false when no snapshot was written yet.
func (s *SnapshotStore) Latest(ctx context.Context, origin string, payloadType reflect.Type) (Snapshot, bool, error) {
	stream := SnapshotStreamName(origin, payloadType)
	it, err := s.store.ReadBackward(ctx, stream, 1, 1, IgnoreNotFound)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", stream, err)
	}
	if !it.Next(ctx) {
		if err := it.Err(); err != nil {
			return Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", stream, err)
		}
		return Snapshot{}, false, nil
	}
	return s.registry.DecodeSnapshot(payloadType, it.Value()), true, nil
}

// Write appends a snapshot of origin taken at streamRevision and returns
// its position in the snapshot stream.
func (s *SnapshotStore) Write(ctx context.Context, origin string, payload any, streamRevision int64) (int64, error) {
	stream := SnapshotStreamName(origin, reflect.TypeOf(payload))
	rec, err := s.registry.EncodeSnapshot(payload, streamRevision)
	if err != nil {
		return -1, fmt.Errorf("write snapshot %s: %w", stream, err)
	}
	rev, err := s.store.Append(ctx, stream, Any{}, []SerializedEvent{rec})
	if err != nil {
		return -1, fmt.Errorf("write snapshot %s: %w", stream, err)
	}
	return rev, nil
}

type repositoryOptions struct {
	prefix        string
	batchSize     int
	snapshotEvery int
	scopeID       func(id string) string
	logger        *slog.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryOptions)

// WithStreamPrefix names streams "<prefix>-<id>".
func WithStreamPrefix(prefix string) RepositoryOption {
	return func(o *repositoryOptions) { o.prefix = prefix }
}

// WithBatchSize sets the page size of forward reads.
func WithBatchSize(n int) RepositoryOption {
	return func(o *repositoryOptions) { o.batchSize = n }
}

// SnapshotEvery writes a snapshot on load once n or more events were
// replayed on top of the latest snapshot. Zero disables snapshots.
func SnapshotEvery(n int) RepositoryOption {
	return func(o *repositoryOptions) { o.snapshotEvery = n }
}

// WithRepositoryScopeID derives the processor scope identity from the
// aggregate id.
func WithRepositoryScopeID(fn func(id string) string) RepositoryOption {
	return func(o *repositoryOptions) { o.scopeID = fn }
}

// WithLogger sets the logger of a Repository.
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(o *repositoryOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Repository persists an aggregate in a single stream, optionally loading
// from snapshots.
type Repository[A Aggregate] struct {
	store        EventStore
	registry     *Registry
	snapshots    *SnapshotStore
	newAggregate func(id string) A
	scope        Scope
	opts         *repositoryOptions
}

// NewRepository creates a single-stream repository for A.
func NewRepository[A Aggregate](store EventStore, registry *Registry, newAggregate func(id string) A, opts ...RepositoryOption) *Repository[A] {
	var zero A
	cfg := &repositoryOptions{
		prefix:    camelCase(TypeName(zero)),
		batchSize: 100,
		scopeID:   func(id string) string { return id },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Repository[A]{
		store:        store,
		registry:     registry,
		snapshots:    NewSnapshotStore(store, registry),
		newAggregate: newAggregate,
		scope:        ScopeOf(zero),
		opts:         cfg,
	}
}

// StreamName returns the stream of id.
func (r *Repository[A]) StreamName(id string) string {
	return r.opts.prefix + "-" + id
}

// New returns the token of an aggregate that does not exist yet.
func (r *Repository[A]) New(id string) StreamVersions {
	return StreamVersions{{Stream: r.StreamName(id), Version: MustNotExist{}}}
}

// Persistence exposes the repository to a command group.
func (r *Repository[A]) Persistence() Persistence[A] {
	return Persistence[A]{New: r.New, Load: r.Load, Save: r.Save}
}

// Load rehydrates id, starting from the latest usable snapshot.
func (r *Repository[A]) Load(ctx context.Context, id string) (A, StreamVersions, error) {
	var zero A
	a := r.newAggregate(id)
	stream := r.StreamName(id)
	scopeID := r.opts.scopeID(id)
	log := r.opts.logger.With(slog.String("stream", stream))

	var payloadType reflect.Type
	last := int64(-1)
	if r.opts.snapshotEvery > 0 {
		if blank, ok := TakeSnapshot(a); ok && blank != nil {
			payloadType = reflect.TypeOf(blank)
		}
	}
	if payloadType != nil {
		snap, found, err := r.snapshots.Latest(ctx, stream, payloadType)
		if err != nil {
			return zero, nil, fmt.Errorf("load %s: %w", stream, err)
		}
		switch {
		case found && snap.Payload != nil && snap.StreamRevision < 0:
			log.WarnContext(ctx, "snapshot has no stream revision, replaying from start",
				slog.Int64("snapshot", snap.SnapshotRevision),
			)
		case found && snap.Payload != nil:
			if _, err := ApplySnapshot(a, snap.Payload); err != nil {
				return zero, nil, fmt.Errorf("load %s: %w", stream, err)
			}
			last = snap.StreamRevision
		}
	}
	snapshotAt := last

	it, err := r.store.ReadForward(WithStream(ctx, stream), stream, last+1, r.opts.batchSize, IgnoreNotFound)
	if err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", stream, err)
	}
	replayed := 0
	for it.Next(ctx) {
		rec := it.Value()
		for _, e := range r.registry.Decode(ctx, scopeID, r.scope, rec) {
			if err := Apply(a, e); err != nil {
				return zero, nil, fmt.Errorf("load %s: %w", stream, err)
			}
		}
		last = rec.Revision
		replayed++
	}
	if err := it.Err(); err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", stream, err)
	}

	if payloadType != nil && replayed >= r.opts.snapshotEvery {
		payload, _ := TakeSnapshot(a)
		if _, err := r.snapshots.Write(ctx, stream, payload, last); err != nil {
			log.WarnContext(ctx, "snapshot not written", slog.Any("error", err))
		} else {
			log.DebugContext(ctx, "snapshot written",
				slog.Int64("revision", last),
				slog.Int64("previous", snapshotAt),
			)
		}
	}

	return a, StreamVersions{{Stream: stream, Version: VersionOf(last)}}, nil
}

// Save appends events to the aggregate's stream.
func (r *Repository[A]) Save(ctx context.Context, id string, events []Event, versions StreamVersions) (StreamVersions, error) {
	if len(events) == 0 {
		return versions, nil
	}
	stream := r.StreamName(id)

	var expected ExpectedVersion = Any{}
	if token, ok := versions.Find(stream); ok {
		expected = token.Version
	}

	records, err := r.registry.EncodeAll(ctx, r.opts.scopeID(id), events)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", stream, err)
	}
	last, err := r.store.Append(WithStream(ctx, stream), stream, expected, records)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", stream, err)
	}
	sealMetadata(events)
	return versions.With(StreamVersion{Stream: stream, Version: Revision(last)}), nil
}
