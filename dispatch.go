package consistency

import (
	"fmt"
	"reflect"
	"sync"
)

// Route binds one event variant to the function that applies it to one
// aggregate type.
type Route struct {
	aggregate reflect.Type
	event     reflect.Type
	apply     func(a Aggregate, e Event)
}

// On creates a Route applying events of type E to aggregates of type *A.
func On[A any, E Event](apply func(a *A, e E)) Route {
	return Route{
		aggregate: reflect.TypeFor[*A](),
		event:     reflect.TypeFor[E](),
		apply: func(a Aggregate, e Event) {
			apply(any(a).(*A), e.(E))
		},
	}
}

type dispatchTable struct {
	aggregate reflect.Type
	routes    map[reflect.Type]func(Aggregate, Event)
}

type tableEntry struct {
	table *dispatchTable
	err   error
}

// tables caches one dispatch table per concrete aggregate type.
var tables sync.Map

func tableFor(a Aggregate) (*dispatchTable, error) {
	t := reflect.TypeOf(a)
	if cached, ok := tables.Load(t); ok {
		entry := cached.(*tableEntry)
		return entry.table, entry.err
	}

	table, err := buildTable(t, a.Routes())
	cached, _ := tables.LoadOrStore(t, &tableEntry{table: table, err: err})
	entry := cached.(*tableEntry)
	return entry.table, entry.err
}

func buildTable(aggregate reflect.Type, routes []Route) (*dispatchTable, error) {
	table := &dispatchTable{
		aggregate: aggregate,
		routes:    make(map[reflect.Type]func(Aggregate, Event), len(routes)),
	}
	for _, route := range routes {
		if route.apply == nil {
			return nil, fmt.Errorf("dispatch table for %s: %w: empty route", aggregate, ErrInvalidRegistration)
		}
		if route.aggregate != aggregate {
			return nil, fmt.Errorf("dispatch table for %s: route for %s is bound to %s: %w", aggregate, route.event, route.aggregate, ErrTypeMismatch)
		}
		if _, exists := table.routes[route.event]; exists {
			return nil, fmt.Errorf("dispatch table for %s: route for %s: %w", aggregate, route.event, ErrDuplicateRegistration)
		}
		table.routes[route.event] = route.apply
	}
	return table, nil
}

func (t *dispatchTable) apply(a Aggregate, e Event) error {
	fn, ok := t.routes[reflect.TypeOf(e)]
	if !ok {
		return &UnhandledEventError{Aggregate: t.aggregate.String(), Event: fmt.Sprintf("%T", e)}
	}
	fn(a, e)
	return nil
}

// Handles reports whether a has a route for events of e's type.
func Handles(a Aggregate, e Event) bool {
	table, err := tableFor(a)
	if err != nil {
		return false
	}
	_, ok := table.routes[reflect.TypeOf(e)]
	return ok
}

// ValidateRoutes builds the dispatch table of a and reports wiring errors.
func ValidateRoutes(a Aggregate) error {
	_, err := tableFor(a)
	return err
}

// MustDispatchTable validates the routes of a at startup and panics on
// duplicate or mis-bound routes.
func MustDispatchTable(a Aggregate) {
	if err := ValidateRoutes(a); err != nil {
		panic(err)
	}
}
