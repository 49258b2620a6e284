package consistency

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// StreamKind tells which of the two streams of an aggregate an event
// belongs to.
type StreamKind int

const (
	// PrimaryStream holds the aggregate's main history.
	PrimaryStream StreamKind = iota
	// SecondaryStream holds high-frequency events correlated to the
	// primary history, e.g. login attempts.
	SecondaryStream
)

func (k StreamKind) String() string {
	if k == SecondaryStream {
		return "secondary"
	}
	return "primary"
}

// StreamRouter assigns an event to a stream.
type StreamRouter func(e Event) StreamKind

// ReadWindow bounds a backward read.
type ReadWindow struct {
	BatchSize int
	MaxCount  int
}

// DefaultCorrelationKey is the metadata key holding the primary revision a
// secondary event was written against.
const DefaultCorrelationKey = "userVersion"

type dualStreamOptions struct {
	primaryPrefix    string
	secondaryPrefix  string
	router           StreamRouter
	correlationKey   string
	primaryBatchSize int
	window           ReadWindow
	scopeID          func(id string) string
	logger           *slog.Logger
}

// DualStreamOption configures a DualStreamRepository.
type DualStreamOption func(*dualStreamOptions)

// WithStreamPrefixes sets the stream name prefixes; streams are named
// "<prefix>-<id>".
func WithStreamPrefixes(primary, secondary string) DualStreamOption {
	return func(o *dualStreamOptions) {
		o.primaryPrefix = primary
		o.secondaryPrefix = secondary
	}
}

// WithStreamRouter sets how events are assigned to streams. By default
// every event is primary.
func WithStreamRouter(router StreamRouter) DualStreamOption {
	return func(o *dualStreamOptions) { o.router = router }
}

// WithCorrelationKey overrides DefaultCorrelationKey.
func WithCorrelationKey(key string) DualStreamOption {
	return func(o *dualStreamOptions) { o.correlationKey = key }
}

// WithPrimaryBatchSize sets the page size of forward primary reads.
func WithPrimaryBatchSize(n int) DualStreamOption {
	return func(o *dualStreamOptions) { o.primaryBatchSize = n }
}

// WithSecondaryWindow bounds the backward read of the secondary stream.
func WithSecondaryWindow(w ReadWindow) DualStreamOption {
	return func(o *dualStreamOptions) { o.window = w }
}

// WithScopeID derives the processor scope identity (e.g. the encryption
// key id) from the aggregate id. Defaults to the id itself.
func WithScopeID(fn func(id string) string) DualStreamOption {
	return func(o *dualStreamOptions) { o.scopeID = fn }
}

// WithRepositoryLogger sets the logger for load diagnostics.
func WithRepositoryLogger(logger *slog.Logger) DualStreamOption {
	return func(o *dualStreamOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// DualStreamRepository persists an aggregate over a primary stream and an
// optional secondary stream. Secondary events carry the primary revision
// they were written against and are replayed right after it.
type DualStreamRepository[A Aggregate] struct {
	store        EventStore
	registry     *Registry
	newAggregate func(id string) A
	scope        Scope
	opts         *dualStreamOptions
}

// NewDualStreamRepository creates a repository for aggregates of type A.
// newAggregate returns the blank aggregate events are replayed into.
func NewDualStreamRepository[A Aggregate](store EventStore, registry *Registry, newAggregate func(id string) A, opts ...DualStreamOption) *DualStreamRepository[A] {
	var zero A
	base := camelCase(TypeName(zero))
	cfg := &dualStreamOptions{
		primaryPrefix:    base,
		secondaryPrefix:  base + "Secondary",
		router:           func(Event) StreamKind { return PrimaryStream },
		correlationKey:   DefaultCorrelationKey,
		primaryBatchSize: 100,
		window:           ReadWindow{BatchSize: 5, MaxCount: 5},
		scopeID:          func(id string) string { return id },
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &DualStreamRepository[A]{
		store:        store,
		registry:     registry,
		newAggregate: newAggregate,
		scope:        ScopeOf(zero),
		opts:         cfg,
	}
}

// PrimaryStreamName returns the primary stream of id.
func (r *DualStreamRepository[A]) PrimaryStreamName(id string) string {
	return r.opts.primaryPrefix + "-" + id
}

// SecondaryStreamName returns the secondary stream of id.
func (r *DualStreamRepository[A]) SecondaryStreamName(id string) string {
	return r.opts.secondaryPrefix + "-" + id
}

// New returns the tokens of an aggregate that does not exist yet.
func (r *DualStreamRepository[A]) New(id string) StreamVersions {
	return StreamVersions{
		{Stream: r.PrimaryStreamName(id), Version: MustNotExist{}},
		{Stream: r.SecondaryStreamName(id), Version: MustNotExist{}},
	}
}

// Persistence exposes the repository to a command group.
func (r *DualStreamRepository[A]) Persistence(includeSecondary bool) Persistence[A] {
	return Persistence[A]{
		New: r.New,
		Load: func(ctx context.Context, id string) (A, StreamVersions, error) {
			return r.Load(ctx, id, includeSecondary)
		},
		Save: r.Save,
	}
}

// Load rehydrates the aggregate id.
//
// The primary stream is read forward from the start. When includeSecondary
// is set, the most recent window of the secondary stream is read too and
// its events are interleaved by correlation stamp: the events stamped R are
// applied after every event decoded from primary revision R. Events stamped
// before the primary stream existed are applied first.
//
// Returns ErrConsistencyViolation when a secondary event references a
// primary revision that was not read.
func (r *DualStreamRepository[A]) Load(ctx context.Context, id string, includeSecondary bool) (A, StreamVersions, error) {
	var zero A
	a := r.newAggregate(id)
	scopeID := r.opts.scopeID(id)
	primary := r.PrimaryStreamName(id)
	secondary := r.SecondaryStreamName(id)

	log := r.opts.logger.With(slog.String("aggregate", id))

	groups := map[int64][]Event{}
	maxStamp := int64(-1)
	secondaryVersion := ExpectedVersion(Any{})
	if includeSecondary {
		var (
			err  error
			last int64
		)
		groups, maxStamp, last, err = r.readSecondary(WithStream(ctx, secondary), scopeID, secondary)
		if err != nil {
			return zero, nil, err
		}
		secondaryVersion = VersionOf(last)
	}

	pending := func(stamp int64) error {
		for _, e := range groups[stamp] {
			if err := Apply(a, e); err != nil {
				return fmt.Errorf("load %s: %w", secondary, err)
			}
		}
		delete(groups, stamp)
		return nil
	}

	it, err := r.store.ReadForward(WithStream(ctx, primary), primary, 0, r.opts.primaryBatchSize, IgnoreNotFound)
	if err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", primary, err)
	}

	last := int64(-1)
	for it.Next(ctx) {
		rec := it.Value()
		if last < 0 {
			if err := pending(-1); err != nil {
				return zero, nil, err
			}
		}
		for _, e := range r.registry.Decode(ctx, scopeID, r.scope, rec) {
			if err := Apply(a, e); err != nil {
				return zero, nil, fmt.Errorf("load %s: %w", primary, err)
			}
		}
		last = rec.Revision
		if err := pending(last); err != nil {
			return zero, nil, err
		}
	}
	if err := it.Err(); err != nil {
		return zero, nil, fmt.Errorf("load %s: %w", primary, err)
	}
	if last < 0 {
		if err := pending(-1); err != nil {
			return zero, nil, err
		}
	}

	if maxStamp > last {
		return zero, nil, fmt.Errorf("load %s: secondary event references revision %d, last primary revision is %d: %w", secondary, maxStamp, last, ErrConsistencyViolation)
	}

	versions := StreamVersions{
		{Stream: primary, Version: VersionOf(last)},
		{Stream: secondary, Version: secondaryVersion},
	}
	log.DebugContext(ctx, "aggregate loaded",
		slog.String("primary", versions[0].String()),
		slog.String("secondary", versions[1].String()),
	)
	return a, versions, nil
}

// readSecondary reads the newest window of the secondary stream and groups
// its events by correlation stamp, each group in chronological order.
func (r *DualStreamRepository[A]) readSecondary(ctx context.Context, scopeID, stream string) (map[int64][]Event, int64, int64, error) {
	w := r.opts.window
	it, err := r.store.ReadBackward(ctx, stream, w.BatchSize, w.MaxCount, IgnoreNotFound)
	if err != nil {
		return nil, -1, -1, fmt.Errorf("load %s: %w", stream, err)
	}

	groups := map[int64][]Event{}
	maxStamp := int64(-1)
	last := int64(-1)
	for it.Next(ctx) {
		rec := it.Value()
		if last < 0 {
			last = rec.Revision
		}
		for _, e := range r.registry.Decode(ctx, scopeID, r.scope, rec) {
			stamp := ReadMetadataOrDefault[int64](e.EventMetadata(), r.opts.correlationKey, -1)
			groups[stamp] = append(groups[stamp], e)
			maxStamp = max(maxStamp, stamp)
		}
	}
	if err := it.Err(); err != nil {
		return nil, -1, -1, fmt.Errorf("load %s: %w", stream, err)
	}

	for _, events := range groups {
		slices.Reverse(events)
	}
	return groups, maxStamp, last, nil
}

// Save appends events to the one stream they belong to.
//
// Secondary events are stamped with the primary revision held in versions.
// The returned tokens replace the token of the written stream.
func (r *DualStreamRepository[A]) Save(ctx context.Context, id string, events []Event, versions StreamVersions) (StreamVersions, error) {
	if len(events) == 0 {
		return versions, nil
	}

	kind := r.opts.router(events[0])
	for _, e := range events[1:] {
		if r.opts.router(e) != kind {
			return nil, fmt.Errorf("save %s: %w", id, ErrMixedStreamWrite)
		}
	}

	stream := r.PrimaryStreamName(id)
	if kind == SecondaryStream {
		stream = r.SecondaryStreamName(id)

		primaryVersion := ExpectedVersion(MustNotExist{})
		if token, ok := versions.Find(r.PrimaryStreamName(id)); ok {
			primaryVersion = token.Version
		}
		stamp := RevisionOf(primaryVersion)
		for _, e := range events {
			if err := WriteMetadata(e.EventMetadata(), r.opts.correlationKey, stamp); err != nil {
				return nil, fmt.Errorf("save %s: %w", stream, err)
			}
		}
	}

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
