package consistency

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Reserved metadata keys.
const (
	MetadataTypeKey    = "type"
	MetadataVersionKey = "version"
)

// Metadata is the flat key-value document attached to one event.
//
// Metadata created with NewMetadata is writable until the event is
// encoded. Metadata produced by decoding a stored record is read-only and
// additionally knows the stream revision it was read at.
type Metadata struct {
	values   map[string]json.RawMessage
	readOnly bool
	revision int64
}

// NewMetadata returns empty, writable metadata.
func NewMetadata() *Metadata {
	return &Metadata{
		values:   make(map[string]json.RawMessage),
		revision: -1,
	}
}

// DecodeMetadata parses stored metadata bytes into read-only Metadata.
// Empty input yields empty metadata.
func DecodeMetadata(data []byte, streamRevision int64) (*Metadata, error) {
	md := &Metadata{
		values:   make(map[string]json.RawMessage),
		readOnly: true,
		revision: streamRevision,
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(data, &md.values); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// Type returns the wire type name, or "" when unset.
func (m *Metadata) Type() string {
	name, _ := TryReadMetadata[string](m, MetadataTypeKey)
	return name
}

// Version returns the schema version, or -1 when unset.
func (m *Metadata) Version() int {
	return ReadMetadataOrDefault(m, MetadataVersionKey, -1)
}

// StreamRevision returns the revision the event was read at, or -1 for
// metadata that was not decoded from a stream.
func (m *Metadata) StreamRevision() int64 {
	if m == nil {
		return -1
	}
	return m.revision
}

// ReadOnly reports whether writes are rejected.
func (m *Metadata) ReadOnly() bool {
	return m != nil && m.readOnly
}

// Keys lists the stored keys in sorted order.
func (m *Metadata) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the metadata as a flat JSON object.
func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m == nil || len(m.values) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m.values)
}

// Clone returns a writable copy without the stream revision.
func (m *Metadata) Clone() *Metadata {
	out := NewMetadata()
	if m == nil {
		return out
	}
	for k, v := range m.values {
		out.values[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (m *Metadata) stamp(typeName string, version int) error {
	if m.readOnly {
		return ErrReadOnlyMetadata
	}
	if version < 1 {
		return fmt.Errorf("%w: version %d for %q must be >= 1", ErrInvalidRegistration, version, typeName)
	}
	m.set(MetadataTypeKey, typeName)
	m.set(MetadataVersionKey, version)
	return nil
}

func (m *Metadata) set(name string, value any) {
	raw, _ := json.Marshal(value)
	m.values[name] = raw
}

// ReadMetadata reads a named value. It fails with ErrMetadataNotFound when
// the key is absent and with a decode error when the value has a
// different shape than T.
func ReadMetadata[T any](m *Metadata, name string) (T, error) {
	var out T
	if m == nil {
		return out, fmt.Errorf("read metadata %q: %w", name, ErrMetadataNotFound)
	}
	raw, ok := m.values[name]
	if !ok {
		return out, fmt.Errorf("read metadata %q: %w", name, ErrMetadataNotFound)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("read metadata %q as %T: %w", name, zero, err)
	}
	return out, nil
}

// TryReadMetadata is ReadMetadata reporting failure as false.
func TryReadMetadata[T any](m *Metadata, name string) (T, bool) {
	v, err := ReadMetadata[T](m, name)
	return v, err == nil
}

// ReadMetadataOrDefault never fails; it returns def when the value is
// absent or malformed.
func ReadMetadataOrDefault[T any](m *Metadata, name string, def T) T {
	if v, ok := TryReadMetadata[T](m, name); ok {
		return v
	}
	return def
}

// WriteMetadata stores a named value. Reserved keys and read-only
// metadata are rejected.
func WriteMetadata[T any](m *Metadata, name string, value T) error {
	if m == nil {
		return fmt.Errorf("write metadata %q: nil metadata", name)
	}
	if m.readOnly {
		return fmt.Errorf("write metadata %q: %w", name, ErrReadOnlyMetadata)
	}
	if name == MetadataTypeKey || name == MetadataVersionKey {
		return fmt.Errorf("write metadata %q: %w", name, ErrReservedMetadataKey)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("write metadata %q: %w", name, err)
	}
	m.values[name] = raw
	return nil
}

// MergeMetadata adds string values to encoded metadata without touching
// existing keys. It is used by store decorators that annotate records in
// flight.
func MergeMetadata(data []byte, extra map[string]string) ([]byte, error) {
	if len(extra) == 0 {
		return data, nil
	}
	values := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("merge metadata: %w", err)
		}
	}
	for k, v := range extra {
		if _, exists := values[k]; exists {
			continue
		}
		raw, _ := json.Marshal(v)
		values[k] = raw
	}
	return json.Marshal(values)
}
