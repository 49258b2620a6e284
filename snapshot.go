package consistency

import (
	"fmt"
	"reflect"
)

// Snapshotter is the optional snapshot capability of an aggregate.
type Snapshotter interface {
	// TakeSnapshot materializes the current state.
	TakeSnapshot() any

	// ApplySnapshot restores state from a payload produced by
	// TakeSnapshot, possibly in an earlier process.
	ApplySnapshot(payload any) error
}

// Snapshot is a decoded snapshot record.
type Snapshot struct {
	// Payload is nil when no deserializer matched the stored record.
	Payload any

	// SchemaVersion is the version of the payload shape, -1 if unknown.
	SchemaVersion int

	// StreamRevision is the revision of the source stream the snapshot was
	// taken at, -1 if unknown.
	StreamRevision int64

	// SnapshotRevision is the position of the record in its snapshot
	// stream.
	SnapshotRevision int64
}

// IsSnapshottable reports whether a implements Snapshotter.
func IsSnapshottable(a Aggregate) bool {
	_, ok := a.(Snapshotter)
	return ok
}

// TakeSnapshot returns the snapshot of a, or false when a is not
// snapshottable.
func TakeSnapshot(a Aggregate) (any, bool) {
	s, ok := a.(Snapshotter)
	if !ok {
		return nil, false
	}
	return s.TakeSnapshot(), true
}

// ApplySnapshot restores a from payload. Aggregates without the
// capability ignore the call.
func ApplySnapshot(a Aggregate, payload any) (bool, error) {
	s, ok := a.(Snapshotter)
	if !ok || payload == nil {
		return false, nil
	}
	if err := s.ApplySnapshot(payload); err != nil {
		return false, fmt.Errorf("apply snapshot %T to %T: %w", payload, a, err)
	}
	return true, nil
}

// SnapshotStreamName names the stream holding snapshots of one payload
// type for an origin stream.
func SnapshotStreamName(origin string, payload reflect.Type) string {
	for payload.Kind() == reflect.Pointer {
		payload = payload.Elem()
	}
	return fmt.Sprintf("snapshot-%s_%s", origin, payload.Name())
}
