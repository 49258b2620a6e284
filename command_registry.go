package consistency

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/cenkalti/backoff/v4"
)

// Persistence connects a command group to the storage of its aggregate
// type.
type Persistence[A Aggregate] struct {
	// New returns the version tokens for an aggregate that does not exist
	// yet.
	New func(id string) StreamVersions

	// Load rehydrates the aggregate and returns the tokens it was read at.
	Load func(ctx context.Context, id string) (A, StreamVersions, error)

	// Save appends events and returns the tokens after the write.
	Save func(ctx context.Context, id string, events []Event, versions StreamVersions) (StreamVersions, error)
}

// CreateHandler builds a new aggregate from a command. It records the
// initial events with Append.
type CreateHandler[C Command, A Aggregate] func(ctx context.Context, cmd C) (A, error)

// ExecuteHandler mutates an existing aggregate.
type ExecuteHandler[C Command, A Aggregate] func(ctx context.Context, a A, cmd C) error

// ResultHandler mutates an existing aggregate and produces a value for the
// caller.
type ResultHandler[C Command, A Aggregate, R any] func(ctx context.Context, a A, cmd C) (R, error)

// Executor runs a batch of commands against one aggregate.
type Executor interface {
	Execute(ctx context.Context, cmds ...Command) (*Result, error)
}

// group is the untyped view of an AggregateCommands group.
type group interface {
	aggregateType() reflect.Type
	newVersions(id string) StreamVersions
	load(ctx context.Context, id string) (Aggregate, StreamVersions, error)
	save(ctx context.Context, id string, events []Event, versions StreamVersions) (StreamVersions, error)
}

type handlerEntry struct {
	group   group
	create  func(ctx context.Context, cmd Command) (Aggregate, error)
	execute func(ctx context.Context, a Aggregate, cmd Command) (value any, hasValue bool, err error)
}

// CommandRegistry maps command types to handlers and runs batches of
// commands as one unit of work: one load, in-memory mutation, one save.
type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[reflect.Type]*handlerEntry
	opts     *registryOptions
}

type registryOptions struct {
	retryStrategy func() backoff.BackOff
}

// CommandRegistryOption configures a CommandRegistry.
type CommandRegistryOption func(*registryOptions)

// WithRetryStrategy retries a whole unit of work, reloading the aggregate,
// when saving fails with a concurrency conflict. newStrategy is called
// once per execution. Other errors are never retried.
//
// Usage:
//
//	registry := NewCommandRegistry(WithRetryStrategy(func() backoff.BackOff {
//		return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
//	}))
func WithRetryStrategy(newStrategy func() backoff.BackOff) CommandRegistryOption {
	return func(o *registryOptions) { o.retryStrategy = newStrategy }
}

// NewCommandRegistry creates an empty registry.
func NewCommandRegistry(opts ...CommandRegistryOption) *CommandRegistry {
	cfg := &registryOptions{
		retryStrategy: func() backoff.BackOff { return &backoff.StopBackOff{} },
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &CommandRegistry{
		handlers: make(map[reflect.Type]*handlerEntry),
		opts:     cfg,
	}
}

func (r *CommandRegistry) register(cmdType reflect.Type, entry *handlerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[cmdType]; exists {
		return fmt.Errorf("register handler for %s: %w", cmdType, ErrDuplicateRegistration)
	}
	r.handlers[cmdType] = entry
	return nil
}

// AggregateCommands is a group of handlers sharing one Persistence.
type AggregateCommands[A Aggregate] struct {
	registry    *CommandRegistry
	persistence Persistence[A]
}

// For starts a handler group for aggregates of type A.
func For[A Aggregate](r *CommandRegistry, p Persistence[A]) *AggregateCommands[A] {
	return &AggregateCommands[A]{registry: r, persistence: p}
}

func (g *AggregateCommands[A]) aggregateType() reflect.Type {
	return reflect.TypeFor[A]()
}

func (g *AggregateCommands[A]) newVersions(id string) StreamVersions {
	return g.persistence.New(id)
}

func (g *AggregateCommands[A]) load(ctx context.Context, id string) (Aggregate, StreamVersions, error) {
	a, versions, err := g.persistence.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return a, versions, nil
}

func (g *AggregateCommands[A]) save(ctx context.Context, id string, events []Event, versions StreamVersions) (StreamVersions, error) {
	return g.persistence.Save(ctx, id, events, versions)
}

// Create registers the handler creating aggregates from commands of type
// C. A creation command must be the first of its batch.
func Create[C Command, A Aggregate](g *AggregateCommands[A], handler CreateHandler[C, A]) error {
	if handler == nil {
		return fmt.Errorf("register handler for %s: %w: nil handler", reflect.TypeFor[C](), ErrInvalidRegistration)
	}
	return g.registry.register(reflect.TypeFor[C](), &handlerEntry{
		group: g,
		create: func(ctx context.Context, cmd Command) (Aggregate, error) {
			return handler(ctx, cmd.(C))
		},
	})
}

// Execute registers the handler for commands of type C against existing
// aggregates.
func Execute[C Command, A Aggregate](g *AggregateCommands[A], handler ExecuteHandler[C, A]) error {
	if handler == nil {
		return fmt.Errorf("register handler for %s: %w: nil handler", reflect.TypeFor[C](), ErrInvalidRegistration)
	}
	return g.registry.register(reflect.TypeFor[C](), &handlerEntry{
		group: g,
		execute: func(ctx context.Context, a Aggregate, cmd Command) (any, bool, error) {
			typed, ok := a.(A)
			if !ok {
				return nil, false, fmt.Errorf("handler expects %s, got %T: %w", reflect.TypeFor[A](), a, ErrTypeMismatch)
			}
			return nil, false, handler(ctx, typed, cmd.(C))
		},
	})
}

// ExecuteWithResult registers a handler that produces a value, available
// from the Result under the command's id.
func ExecuteWithResult[C Command, A Aggregate, R any](g *AggregateCommands[A], handler ResultHandler[C, A, R]) error {
	if handler == nil {
		return fmt.Errorf("register handler for %s: %w: nil handler", reflect.TypeFor[C](), ErrInvalidRegistration)
	}
	return g.registry.register(reflect.TypeFor[C](), &handlerEntry{
		group: g,
		execute: func(ctx context.Context, a Aggregate, cmd Command) (any, bool, error) {
			typed, ok := a.(A)
			if !ok {
				return nil, false, fmt.Errorf("handler expects %s, got %T: %w", reflect.TypeFor[A](), a, ErrTypeMismatch)
			}
			value, err := handler(ctx, typed, cmd.(C))
			if err != nil {
				return nil, false, err
			}
			return value, true, nil
		},
	})
}

// Execute runs cmds as one unit of work against their common aggregate.
func (r *CommandRegistry) Execute(ctx context.Context, cmds ...Command) (*Result, error) {
	result, _, err := r.ExecuteBatch(ctx, cmds)
	return result, err
}

// ExecuteBatch is Execute additionally returning the version tokens after
// the unit of work.
//
// Behavior Details:
//   - Every command must target the same aggregate id and have a
//     registered handler; this is checked before any I/O.
//   - The first command decides how the aggregate is opened: a creation
//     handler starts from Persistence.New, any other handler loads.
//   - Handlers run in order against the same in-memory aggregate. The first
//     error discards the unit of work without writing.
//   - Pending events are saved once. No I/O happens when nothing is
//     pending.
func (r *CommandRegistry) ExecuteBatch(ctx context.Context, cmds []Command) (*Result, StreamVersions, error) {
	if len(cmds) == 0 {
		return Nothing, nil, nil
	}

	entries, err := r.resolve(cmds)
	if err != nil {
		return nil, nil, err
	}

	type outcome struct {
		result   *Result
		versions StreamVersions
	}
	out, err := backoff.RetryWithData(func() (outcome, error) {
		result, versions, err := r.run(ctx, cmds, entries)
		if err != nil {
			if errors.Is(err, ErrConcurrencyConflict) {
				return outcome{}, err
			}
			return outcome{}, backoff.Permanent(err)
		}
		return outcome{result: result, versions: versions}, nil
	}, backoff.WithContext(r.opts.retryStrategy(), ctx))
	if err != nil {
		return nil, nil, err
	}
	return out.result, out.versions, nil
}

func (r *CommandRegistry) resolve(cmds []Command) ([]*handlerEntry, error) {
	target := cmds[0].AggregateID()
	entries := make([]*handlerEntry, len(cmds))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, cmd := range cmds {
		if cmd.AggregateID() != target {
			return nil, fmt.Errorf("execute %T for aggregate %q: batch targets %q: %w", cmd, cmd.AggregateID(), target, ErrMixedTargets)
		}
		entry, ok := r.handlers[reflect.TypeOf(cmd)]
		if !ok {
			return nil, fmt.Errorf("execute %T for aggregate %q: %w", cmd, target, ErrUnregisteredCommand)
		}
		entries[i] = entry
	}
	return entries, nil
}

func (r *CommandRegistry) run(ctx context.Context, cmds []Command, entries []*handlerEntry) (*Result, StreamVersions, error) {
	id := cmds[0].AggregateID()
	first := entries[0]
	ctx = WithCommandContext(ctx, cmds[0])

	var (
		agg      Aggregate
		versions StreamVersions
		err      error
	)
	if first.create != nil {
		versions = first.group.newVersions(id)
		agg, err = first.create(ctx, cmds[0])
		if err != nil {
			return nil, nil, fmt.Errorf("execute %T for aggregate %q: %w", cmds[0], id, err)
		}
	} else {
		agg, versions, err = first.group.load(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("execute %T for aggregate %q: load failed: %w", cmds[0], id, err)
		}
	}

	result := newResult()
	for i, cmd := range cmds {
		entry := entries[i]
		if i == 0 && entry.create != nil {
			continue
		}
		if entry.create != nil {
			return nil, nil, fmt.Errorf("execute %T for aggregate %q: creation must be the first command: %w", cmd, id, ErrTypeMismatch)
		}
		if entry.group.aggregateType() != reflect.TypeOf(agg) {
			return nil, nil, fmt.Errorf("execute %T for aggregate %q: handler expects %s, unit of work holds %T: %w", cmd, id, entry.group.aggregateType(), agg, ErrTypeMismatch)
		}

		value, hasValue, err := entry.execute(WithCommandContext(ctx, cmd), agg, cmd)
		if err != nil {
			return nil, nil, fmt.Errorf("execute %T for aggregate %q: %w", cmd, id, err)
		}
		if hasValue {
			if err := result.record(cmd.CommandID(), value); err != nil {
				return nil, nil, fmt.Errorf("execute %T for aggregate %q: %w", cmd, id, err)
			}
		}
	}

	if !HasPending(agg) {
		return result.orNothing(), versions, nil
	}

	versions, err = first.group.save(ctx, id, DrainPending(agg), versions)
	if err != nil {
		return nil, nil, fmt.Errorf("execute %T for aggregate %q: failed to save events: %w", cmds[0], id, err)
	}
	return result.orNothing(), versions, nil
}
