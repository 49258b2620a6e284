package consistency

import (
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Event is an immutable fact recorded by an aggregate.
//
// Concrete events are pointer types to structs that embed EventBase:
//
//	type UserCreated struct {
//		consistency.EventBase
//		UserID string `json:"userId"`
//	}
type Event interface {
	// EventID returns the unique identity of the event.
	EventID() uuid.UUID

	// EventMetadata returns the metadata bag. It is writable until the
	// event is encoded and read-only once decoded from a stream.
	EventMetadata() *Metadata

	bind(id uuid.UUID, md *Metadata)
}

// EventBase carries the identity and metadata of an event. Its fields are
// not part of the encoded payload.
type EventBase struct {
	id       uuid.UUID
	metadata *Metadata
}

func (e *EventBase) EventID() uuid.UUID {
	if e.id == uuid.Nil {
		e.id = uuid.New()
	}
	return e.id
}

func (e *EventBase) EventMetadata() *Metadata {
	if e.metadata == nil {
		e.metadata = NewMetadata()
	}
	return e.metadata
}

func (e *EventBase) bind(id uuid.UUID, md *Metadata) {
	e.id = id
	e.metadata = md
}

// TypeName returns the Go type name of v without package or pointer.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// WireName is the default wire name for an event type: its Go type name
// with the first letter lower-cased.
func WireName(v any) string {
	return camelCase(TypeName(v))
}

func camelCase(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || unicode.IsLower(r) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}
