package consistency

import (
	"fmt"

	"github.com/google/uuid"
)

// Nothing is the result of an execution where no handler produced a
// value.
var Nothing = &Result{}

// Result holds the values produced by handlers, keyed by command id.
type Result struct {
	values map[uuid.UUID]any
}

func newResult() *Result {
	return &Result{values: make(map[uuid.UUID]any)}
}

func (r *Result) record(id uuid.UUID, value any) error {
	if _, exists := r.values[id]; exists {
		return fmt.Errorf("command %s: %w", id, ErrDuplicateResult)
	}
	r.values[id] = value
	return nil
}

func (r *Result) orNothing() *Result {
	if len(r.values) == 0 {
		return Nothing
	}
	return r
}

// IsNothing reports whether no handler produced a value.
func (r *Result) IsNothing() bool {
	return r == nil || len(r.values) == 0
}

// Has reports whether a value was produced for the command id.
func (r *Result) Has(id uuid.UUID) bool {
	if r == nil {
		return false
	}
	_, ok := r.values[id]
	return ok
}

// Len returns the number of recorded values.
func (r *Result) Len() int {
	if r == nil {
		return 0
	}
	return len(r.values)
}

// ResultValue returns the value produced for the command id as T.
func ResultValue[T any](r *Result, id uuid.UUID) (T, error) {
	var zero T
	if r == nil {
		return zero, fmt.Errorf("result for command %s: not found", id)
	}
	v, ok := r.values[id]
	if !ok {
		return zero, fmt.Errorf("result for command %s: not found", id)
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("result for command %s is %T, not %T: %w", id, v, zero, ErrTypeMismatch)
	}
	return out, nil
}
