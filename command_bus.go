package consistency

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrBusStopped is returned by Dispatch after Stop.
var ErrBusStopped = errors.New("command bus is stopped")

// queuedBatch represents a batch enqueued in the command bus for
// processing, with the response channel the result is returned on.
type queuedBatch struct {
	Ctx        context.Context
	Commands   []Command
	ResponseCh chan<- batchResult
}

type batchResult struct {
	Result *Result
	Err    error
}

// CommandBus serializes batches per aggregate id over a fixed number of
// worker shards and hands them to an Executor.
//
// The CommandBus supports:
//   - Dispatching from many goroutines
//   - Panic recovery in handlers to keep the shard alive
//   - Safe shutdown that waits for in-flight batches to complete
//
// Batches for the same aggregate always land on the same shard, so they do
// not race each other for the stream. Optimistic concurrency still guards
// writers outside the process.
type CommandBus struct {
	executor   Executor
	queues     []chan queuedBatch
	stopCh     chan struct{}
	stopOnce   sync.Once
	inflight   sync.WaitGroup
	workers    sync.WaitGroup
	mu         sync.RWMutex
	shardCount int
}

// NewCommandBus creates a CommandBus and starts its workers.
//
// Parameters:
//   - executor: runs the dispatched batches, usually a *CommandRegistry.
//   - bufferSize: the size of each shard queue.
//   - shardCount: the number of workers; values below 1 mean 1.
//
// Example:
//
//	bus := NewCommandBus(registry, 100, 8)
//	defer bus.Stop()
func NewCommandBus(executor Executor, bufferSize int, shardCount int) *CommandBus {
	if shardCount <= 0 {
		shardCount = 1
	}

	bus := &CommandBus{
		executor:   executor,
		queues:     make([]chan queuedBatch, shardCount),
		stopCh:     make(chan struct{}),
		shardCount: shardCount,
	}

	for i := 0; i < shardCount; i++ {
		bus.queues[i] = make(chan queuedBatch, bufferSize)
		bus.workers.Add(1)
		go bus.worker(bus.queues[i])
	}

	return bus
}

// Execute implements Executor by dispatching through the bus.
func (b *CommandBus) Execute(ctx context.Context, cmds ...Command) (*Result, error) {
	return b.Dispatch(ctx, cmds...)
}

// Dispatch enqueues a batch and waits for its result. It is safe to call
// concurrently.
//
// Notes:
//   - Returns ErrBusStopped if the bus has been stopped.
//   - Returns the context error if ctx ends before the batch completes.
//     The batch may still run.
func (b *CommandBus) Dispatch(ctx context.Context, cmds ...Command) (*Result, error) {
	if len(cmds) == 0 {
		return Nothing, nil
	}

	b.mu.RLock()
	select {
	case <-b.stopCh:
		b.mu.RUnlock()
		return nil, ErrBusStopped
	default:
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	responseCh := make(chan batchResult, 1)
	shard := b.getShard(cmds[0].AggregateID())

	select {
	case b.queues[shard] <- queuedBatch{Ctx: ctx, Commands: cmds, ResponseCh: responseCh}:
		select {
		case result := <-responseCh:
			return result.Result, result.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker processes batches from a single shard queue.
func (b *CommandBus) worker(queue chan queuedBatch) {
	defer b.workers.Done()
	for batch := range queue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					batch.ResponseCh <- batchResult{
						Err: fmt.Errorf("panic in handler for %T: %v", batch.Commands[0], r),
					}
				}
			}()

			res, err := b.executor.Execute(batch.Ctx, batch.Commands...)
			batch.ResponseCh <- batchResult{Result: res, Err: err}
		}()
	}
}

func (b *CommandBus) getShard(aggregateID string) int {
	hash := fnv.New32a()
	hash.Write([]byte(aggregateID))
	return int(hash.Sum32() % uint32(b.shardCount))
}

// Stop shuts down the CommandBus safely.
//
// Behavior:
//   - Stops accepting new batches.
//   - Waits for in-flight dispatches, then closes the shard queues.
//   - Waits for the workers to exit.
//
// Stop may be called more than once.
func (b *CommandBus) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		close(b.stopCh)
		b.mu.Unlock()

		b.inflight.Wait()
		for _, q := range b.queues {
			close(q)
		}
		b.workers.Wait()
	})
}
