package fixtures

import (
	"context"
	"sync"

	es "github.com/terraskye/consistency"
)

// ExecutorSpy is a configurable Executor recording every batch.
type ExecutorSpy struct {
	mu sync.Mutex

	// ExecuteFn overrides the default behavior of returning Nothing.
	ExecuteFn func(ctx context.Context, cmds ...es.Command) (*es.Result, error)

	Batches [][]es.Command
}

func NewExecutorSpy() *ExecutorSpy {
	return &ExecutorSpy{}
}

func (s *ExecutorSpy) Execute(ctx context.Context, cmds ...es.Command) (*es.Result, error) {
	s.mu.Lock()
	s.Batches = append(s.Batches, cmds)
	s.mu.Unlock()

	if s.ExecuteFn != nil {
		return s.ExecuteFn(ctx, cmds...)
	}
	return es.Nothing, nil
}

// Calls returns the number of executed batches.
func (s *ExecutorSpy) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Batches)
}
