package consistency

import (
	"errors"
	"fmt"
)

// Configuration errors. They are detected while wiring or on first
// dispatch and are never retried.
var (
	ErrUnhandledEvent        = errors.New("unhandled event")
	ErrUnregisteredCommand   = errors.New("unregistered command")
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrInvalidRegistration   = errors.New("invalid registration")
	ErrNoEncoder             = errors.New("no encoder registered")
)

// Batch usage errors.
var (
	ErrTypeMismatch     = errors.New("aggregate type mismatch")
	ErrMixedTargets     = errors.New("commands target different aggregates")
	ErrMixedStreamWrite = errors.New("events target more than one stream")
	ErrDuplicateResult  = errors.New("duplicate result for command")
)

// Runtime errors.
var (
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrConsistencyViolation = errors.New("consistency violation")
	ErrValidation           = errors.New("validation failed")
)

// Metadata errors.
var (
	ErrReadOnlyMetadata    = errors.New("metadata is read-only")
	ErrReservedMetadataKey = errors.New("reserved metadata key")
	ErrMetadataNotFound    = errors.New("metadata value not found")
)

// ConcurrencyConflictError is returned by EventStore.Append when the
// expected version does not match the stream's tail.
type ConcurrencyConflictError struct {
	Stream   string
	Expected ExpectedVersion
	Actual   ExpectedVersion
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: (expected version %s, actual %s)", e.Stream, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// NewConcurrencyConflict describes a failed compare-and-append. lastRevision
// is the actual tail, or -1 when the stream does not exist.
func NewConcurrencyConflict(stream string, expected ExpectedVersion, lastRevision int64) error {
	return &ConcurrencyConflictError{
		Stream:   stream,
		Expected: expected,
		Actual:   VersionOf(lastRevision),
	}
}

// UnhandledEventError is returned when an aggregate has no route for an
// event variant.
type UnhandledEventError struct {
	Aggregate string
	Event     string
}

func (e *UnhandledEventError) Error() string {
	return fmt.Sprintf("aggregate %s cannot apply event %s", e.Aggregate, e.Event)
}

func (e *UnhandledEventError) Unwrap() error {
	return ErrUnhandledEvent
}

// ValidationError is a business rule violation raised by aggregate logic.
// It is surfaced unchanged to the command caller.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid returns a ValidationError with a formatted reason.
func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}
