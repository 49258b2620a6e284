package consistency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Scope selects the decoder table used for an aggregate type. The global
// scope is the empty string.
type Scope string

// GlobalScope holds decoders shared by every aggregate type.
const GlobalScope Scope = ""

// ScopeOf returns the scope named after the concrete type of v.
func ScopeOf(v any) Scope {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return GlobalScope
	}
	return Scope(t.String())
}

// Decoder turns a stored payload into zero, one or many events. Returning
// several events upcasts an old shape; returning none tombstones it.
type Decoder func(payload []byte, md *Metadata) ([]Event, error)

// PreProcessor transforms stored bytes before decoding. Returning false
// means the payload cannot be recovered, e.g. its key was destroyed.
type PreProcessor func(ctx context.Context, data []byte) ([]byte, bool)

// PostProcessor transforms encoded bytes before they are stored.
type PostProcessor func(ctx context.Context, data []byte) ([]byte, error)

// PreProcessorFactory creates the PreProcessor for one scope identity.
type PreProcessorFactory func(scopeID string) PreProcessor

// PostProcessorFactory creates the PostProcessor for one scope identity.
type PostProcessorFactory func(scopeID string) PostProcessor

type wireKey struct {
	name    string
	version int
}

type decoderEntry struct {
	decode Decoder
	pre    PreProcessorFactory
}

type encoderEntry struct {
	name    string
	version int
	encode  func(e Event, md *Metadata) ([]byte, error)
	post    PostProcessorFactory
}

type snapshotCodec struct {
	version int
	encode  func(payload any) ([]byte, error)
	decode  func(data []byte, md *Metadata) (any, error)
}

// Registry maps wire names and versions to decoders and concrete event
// types to encoders, for events and snapshots.
//
// Registration is meant to happen once at startup; duplicates fail
// immediately with ErrDuplicateRegistration. Lookups are safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	decoders  map[Scope]map[wireKey]decoderEntry
	encoders  map[reflect.Type]encoderEntry
	snapshots map[reflect.Type]snapshotCodec
	logger    *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for decode diagnostics.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		decoders:  make(map[Scope]map[wireKey]decoderEntry),
		encoders:  make(map[reflect.Type]encoderEntry),
		snapshots: make(map[reflect.Type]snapshotCodec),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) register(encType reflect.Type, enc *encoderEntry, scope Scope, key *wireKey, dec *decoderEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if enc != nil {
		if _, exists := r.encoders[encType]; exists {
			return fmt.Errorf("register encoder for %s: %w", encType, ErrDuplicateRegistration)
		}
	}
	if dec != nil {
		if _, exists := r.decoders[scope][*key]; exists {
			return fmt.Errorf("register decoder %s v%d in scope %q: %w", key.name, key.version, scope, ErrDuplicateRegistration)
		}
	}

	if enc != nil {
		r.encoders[encType] = *enc
	}
	if dec != nil {
		table, ok := r.decoders[scope]
		if !ok {
			table = make(map[wireKey]decoderEntry)
			r.decoders[scope] = table
		}
		table[*key] = *dec
	}
	return nil
}

func validWire(name string, version int) error {
	if name == "" {
		return fmt.Errorf("%w: empty wire name", ErrInvalidRegistration)
	}
	if version < 1 {
		return fmt.Errorf("%w: version %d for %q must be >= 1", ErrInvalidRegistration, version, name)
	}
	return nil
}

// RegisterDecoder adds a decoder for (scope, name, version). pre may be
// nil.
func (r *Registry) RegisterDecoder(scope Scope, name string, version int, decode Decoder, pre PreProcessorFactory) error {
	if err := validWire(name, version); err != nil {
		return err
	}
	if decode == nil {
		return fmt.Errorf("register decoder %s v%d: %w: nil decoder", name, version, ErrInvalidRegistration)
	}
	return r.register(nil, nil, scope, &wireKey{name, version}, &decoderEntry{decode: decode, pre: pre})
}

// RegisterEncoder adds the encoder for the concrete event type E. post may
// be nil.
func RegisterEncoder[E Event](r *Registry, name string, version int, encode func(e E, md *Metadata) ([]byte, error), post PostProcessorFactory) error {
	if err := validWire(name, version); err != nil {
		return err
	}
	if encode == nil {
		return fmt.Errorf("register encoder %s v%d: %w: nil encoder", name, version, ErrInvalidRegistration)
	}
	entry := &encoderEntry{
		name:    name,
		version: version,
		encode: func(e Event, md *Metadata) ([]byte, error) {
			return encode(e.(E), md)
		},
		post: post,
	}
	return r.register(reflect.TypeFor[E](), entry, "", nil, nil)
}

// RegisterUpcaster decodes records of an old shape Old and converts them
// into the current events. Returning no events drops the record.
func RegisterUpcaster[Old any](r *Registry, scope Scope, name string, version int, upcast func(old Old, md *Metadata) []Event, pre PreProcessorFactory) error {
	return r.RegisterDecoder(scope, name, version, func(payload []byte, md *Metadata) ([]Event, error) {
		var old Old
		if err := json.Unmarshal(payload, &old); err != nil {
			return nil, err
		}
		return upcast(old, md), nil
	}, pre)
}

type eventOptions struct {
	scope   Scope
	name    string
	version int
	pre     PreProcessorFactory
	post    PostProcessorFactory
}

// EventOption customises RegisterEvent.
type EventOption func(*eventOptions)

// WithWireName overrides the default camelCase wire name.
func WithWireName(name string) EventOption {
	return func(o *eventOptions) { o.name = name }
}

// WithSchemaVersion overrides the default schema version 1.
func WithSchemaVersion(version int) EventOption {
	return func(o *eventOptions) { o.version = version }
}

// WithDecoderScope registers the decoder in scope instead of the global
// table.
func WithDecoderScope(scope Scope) EventOption {
	return func(o *eventOptions) { o.scope = scope }
}

// WithProcessors sets the byte-level transforms applied after encoding and
// before decoding. Both must be set, or neither.
func WithProcessors(post PostProcessorFactory, pre PreProcessorFactory) EventOption {
	return func(o *eventOptions) {
		o.post = post
		o.pre = pre
	}
}

// RegisterEvent registers the default JSON encoder and decoder for E under
// its camelCase type name at version 1.
func RegisterEvent[E Event](r *Registry, opts ...EventOption) error {
	var zero E
	o := &eventOptions{
		scope:   GlobalScope,
		name:    WireName(zero),
		version: 1,
	}
	for _, opt := range opts {
		opt(o)
	}

	if (o.pre == nil) != (o.post == nil) {
		return fmt.Errorf("register event %s: %w: pre and post processors must both be set or both be nil", o.name, ErrInvalidRegistration)
	}
	if err := validWire(o.name, o.version); err != nil {
		return err
	}

	enc := &encoderEntry{
		name:    o.name,
		version: o.version,
		encode: func(e Event, _ *Metadata) ([]byte, error) {
			return json.Marshal(e)
		},
		post: o.post,
	}
	dec := &decoderEntry{
		decode: func(payload []byte, _ *Metadata) ([]Event, error) {
			e := newEvent[E]()
			if err := json.Unmarshal(payload, e); err != nil {
				return nil, err
			}
			return []Event{e}, nil
		},
		pre: o.pre,
	}
	return r.register(reflect.TypeFor[E](), enc, o.scope, &wireKey{o.name, o.version}, dec)
}

// MustRegisterEvent is RegisterEvent panicking on error.
func MustRegisterEvent[E Event](r *Registry, opts ...EventOption) {
	if err := RegisterEvent[E](r, opts...); err != nil {
		panic(err)
	}
}

func newEvent[E Event]() E {
	t := reflect.TypeFor[E]()
	if t.Kind() != reflect.Pointer {
		var zero E
		return zero
	}
	return reflect.New(t.Elem()).Interface().(E)
}

// Encode serializes e for the scope identity scopeID. The event's
// metadata is stamped with the wire name and version. Repositories make it
// read-only once the record is appended, so a rejected save can be retried
// with the same events.
func (r *Registry) Encode(ctx context.Context, scopeID string, e Event) (SerializedEvent, error) {
	r.mu.RLock()
	entry, ok := r.encoders[reflect.TypeOf(e)]
	r.mu.RUnlock()
	if !ok {
		return SerializedEvent{}, fmt.Errorf("encode %T: %w", e, ErrNoEncoder)
	}

	md := e.EventMetadata()
	if md.ReadOnly() {
		md = md.Clone()
		e.bind(e.EventID(), md)
	}
	if err := md.stamp(entry.name, entry.version); err != nil {
		return SerializedEvent{}, fmt.Errorf("encode %T: %w", e, err)
	}

	payload, err := entry.encode(e, md)
	if err != nil {
		return SerializedEvent{}, fmt.Errorf("encode %T: %w", e, err)
	}
	if entry.post != nil {
		payload, err = entry.post(scopeID)(ctx, payload)
		if err != nil {
			return SerializedEvent{}, fmt.Errorf("encode %T: post-process: %w", e, err)
		}
	}

	mdBytes, err := md.MarshalJSON()
	if err != nil {
		return SerializedEvent{}, fmt.Errorf("encode %T: metadata: %w", e, err)
	}

	return SerializedEvent{
		ID:       e.EventID(),
		Type:     entry.name,
		Data:     payload,
		Metadata: mdBytes,
		Revision: -1,
	}, nil
}

// sealMetadata rejects further metadata writes on events that were
// appended.
func sealMetadata(events []Event) {
	for _, e := range events {
		if md := e.EventMetadata(); md != nil {
			md.readOnly = true
		}
	}
}

// EncodeAll encodes events in order.
func (r *Registry) EncodeAll(ctx context.Context, scopeID string, events []Event) ([]SerializedEvent, error) {
	records := make([]SerializedEvent, 0, len(events))
	for _, e := range events {
		rec, err := r.Encode(ctx, scopeID, e)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Registry) decoderFor(scope Scope, key wireKey) (decoderEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if scope != GlobalScope {
		if entry, ok := r.decoders[scope][key]; ok {
			return entry, true
		}
	}
	entry, ok := r.decoders[GlobalScope][key]
	return entry, ok
}

// Decode turns a stored record into events for an aggregate of the given
// scope. Records that cannot be recovered (unknown type or version,
// failed decryption, malformed payload) produce no events rather than an
// error.
func (r *Registry) Decode(ctx context.Context, scopeID string, scope Scope, rec SerializedEvent) []Event {
	log := r.logger.With(
		slog.Group("record",
			slog.String("stream", rec.Stream),
			slog.Int64("revision", rec.Revision),
			slog.String("type", rec.Type),
		),
	)

	md, err := DecodeMetadata(rec.Metadata, rec.Revision)
	if err != nil {
		log.DebugContext(ctx, "skipping record with malformed metadata", slog.Any("error", err))
		return nil
	}

	name := rec.Type
	if name == "" {
		name = md.Type()
	}
	entry, ok := r.decoderFor(scope, wireKey{name, md.Version()})
	if !ok {
		log.DebugContext(ctx, "skipping record without decoder", slog.Int("version", md.Version()))
		return nil
	}

	payload := rec.Data
	if entry.pre != nil {
		var recovered bool
		payload, recovered = entry.pre(scopeID)(ctx, payload)
		if !recovered {
			log.DebugContext(ctx, "skipping unrecoverable record")
			return nil
		}
	}

	events, err := entry.decode(payload, md)
	if err != nil {
		log.DebugContext(ctx, "skipping undecodable record", slog.Any("error", err))
		return nil
	}

	for i, e := range events {
		id := rec.ID
		if i > 0 {
			id = uuid.NewSHA1(rec.ID, []byte(strconv.Itoa(i)))
		}
		e.bind(id, md)
	}
	return events
}

// RegisterSnapshot registers the default JSON codec for snapshot payloads
// of type S at the given schema version.
func RegisterSnapshot[S any](r *Registry, version int) error {
	return RegisterSnapshotCodec(r, version,
		func(s S) ([]byte, error) { return json.Marshal(s) },
		func(data []byte, _ *Metadata) (S, error) {
			var s S
			err := json.Unmarshal(data, &s)
			return s, err
		},
	)
}

// RegisterSnapshotCodec registers a snapshot codec keyed by payload type.
// Snapshots are always written and read in the latest shape.
func RegisterSnapshotCodec[S any](r *Registry, version int, encode func(S) ([]byte, error), decode func([]byte, *Metadata) (S, error)) error {
	t := reflect.TypeFor[S]()
	if encode == nil || decode == nil {
		return fmt.Errorf("register snapshot codec for %s: %w: nil codec", t, ErrInvalidRegistration)
	}
	if version < 1 {
		return fmt.Errorf("%w: snapshot version %d must be >= 1", ErrInvalidRegistration, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snapshots[t]; exists {
		return fmt.Errorf("register snapshot codec for %s: %w", t, ErrDuplicateRegistration)
	}
	r.snapshots[t] = snapshotCodec{
		version: version,
		encode:  func(payload any) ([]byte, error) { return encode(payload.(S)) },
		decode: func(data []byte, md *Metadata) (any, error) {
			return decode(data, md)
		},
	}
	return nil
}

// SnapshotRevisionKey holds the source stream revision of a snapshot.
const SnapshotRevisionKey = "revision"

// EncodeSnapshot serializes a snapshot payload taken at streamRevision of
// its source stream.
func (r *Registry) EncodeSnapshot(payload any, streamRevision int64) (SerializedEvent, error) {
	t := reflect.TypeOf(payload)
	r.mu.RLock()
	codec, ok := r.snapshots[t]
	r.mu.RUnlock()
	if !ok {
		return SerializedEvent{}, fmt.Errorf("encode snapshot %s: %w", t, ErrNoEncoder)
	}

	data, err := codec.encode(payload)
	if err != nil {
		return SerializedEvent{}, fmt.Errorf("encode snapshot %s: %w", t, err)
	}

	md := NewMetadata()
	if err := md.stamp(TypeName(payload), codec.version); err != nil {
		return SerializedEvent{}, err
	}
	if err := WriteMetadata(md, SnapshotRevisionKey, streamRevision); err != nil {
		return SerializedEvent{}, err
	}
	mdBytes, err := md.MarshalJSON()
	if err != nil {
		return SerializedEvent{}, err
	}

	return SerializedEvent{
		ID:       uuid.New(),
		Type:     TypeName(payload),
		Data:     data,
		Metadata: mdBytes,
		Revision: -1,
	}, nil
}

// DecodeSnapshot decodes a snapshot record for the payload type t. A
// snapshot without a matching codec or in an outdated shape yields a nil
// Payload.
func (r *Registry) DecodeSnapshot(t reflect.Type, rec SerializedEvent) Snapshot {
	out := Snapshot{
		SchemaVersion:    -1,
		StreamRevision:   -1,
		SnapshotRevision: rec.Revision,
	}

	r.mu.RLock()
	codec, ok := r.snapshots[t]
	r.mu.RUnlock()
	if !ok {
		return out
	}

	md, err := DecodeMetadata(rec.Metadata, rec.Revision)
	if err != nil {
		return out
	}
	out.SchemaVersion = md.Version()
	out.StreamRevision = ReadMetadataOrDefault[int64](md, SnapshotRevisionKey, -1)
	if out.SchemaVersion != codec.version {
		return out
	}

	payload, err := codec.decode(rec.Data, md)
	if err != nil {
		r.logger.Debug("skipping undecodable snapshot", slog.String("type", t.String()), slog.Any("error", err))
		return out
	}
	out.Payload = payload
	return out
}
