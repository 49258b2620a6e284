package consistency_test

import (
	"context"
	"errors"
	"testing"

	"github.com/cenkalti/backoff/v4"

	cqrs "github.com/terraskye/consistency"
	"github.com/terraskye/consistency/fixtures"
)

// balance reads the balance without recording events.
type balance struct {
	cqrs.CommandBase
}

type accountHarness struct {
	store    *fixtures.StoreSpy
	registry *cqrs.Registry
	repo     *cqrs.Repository[*fixtures.Account]
	commands *cqrs.CommandRegistry
}

func newAccountHarness(t *testing.T, opts ...cqrs.CommandRegistryOption) *accountHarness {
	t.Helper()
	h := &accountHarness{
		store:    fixtures.NewStoreSpy(nil),
		registry: fixtures.NewRegistry(),
		commands: cqrs.NewCommandRegistry(opts...),
	}
	h.repo = cqrs.NewRepository(h.store, h.registry, fixtures.NewAccount)
	g := cqrs.For(h.commands, h.repo.Persistence())

	register := []error{
		cqrs.Create(g, func(ctx context.Context, cmd fixtures.OpenAccount) (*fixtures.Account, error) {
			a := fixtures.NewAccount(cmd.AggregateID())
			return a, a.Open(cmd.Owner)
		}),
		cqrs.Execute(g, func(ctx context.Context, a *fixtures.Account, cmd fixtures.Deposit) error {
			return a.Deposit(cmd.Amount)
		}),
		cqrs.ExecuteWithResult(g, func(ctx context.Context, a *fixtures.Account, cmd fixtures.Withdraw) (int, error) {
			if err := a.Withdraw(cmd.Amount); err != nil {
				return 0, err
			}
			return a.Balance, nil
		}),
		cqrs.ExecuteWithResult(g, func(ctx context.Context, a *fixtures.Account, cmd balance) (int, error) {
			return a.Balance, nil
		}),
	}
	for _, err := range register {
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	}
	return h
}

func (h *accountHarness) stream(id string) string {
	return h.repo.StreamName(id)
}

func TestCommandRegistryUnitOfWork(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)

	result, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.IsNothing() {
		t.Fatalf("expected Nothing, got %d values", result.Len())
	}

	deposit := fixtures.NewDeposit("acc-1", 10)
	withdraw := fixtures.NewWithdraw("acc-1", 3)
	result, versions, err := h.commands.ExecuteBatch(ctx, []cqrs.Command{deposit, withdraw})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	remaining, err := cqrs.ResultValue[int](result, withdraw.CommandID())
	if err != nil || remaining != 7 {
		t.Fatalf("expected remaining balance 7, got %d, %v", remaining, err)
	}
	if result.Has(deposit.CommandID()) {
		t.Fatal("expected no value for the deposit")
	}

	stream := h.stream("acc-1")
	if token, ok := versions.Find(stream); !ok || token.Version != cqrs.Revision(2) {
		t.Fatalf("expected token %s@2, got %v", stream, versions)
	}
	if got := h.store.Appends(stream); got != 2 {
		t.Fatalf("expected one append per unit of work, got %d", got)
	}
	if got := len(fixtures.ReadAll(t, h.store, stream)); got != 3 {
		t.Fatalf("expected 3 records, got %d", got)
	}
}

func TestCommandRegistryCreateOnExistingConflicts(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)

	if _, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	_, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "bob"))
	if !errors.Is(err, cqrs.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestCommandRegistryRejectsBeforeIO(t *testing.T) {
	tests := []struct {
		name string
		cmds []cqrs.Command
		want error
	}{
		{
			name: "mixed targets",
			cmds: []cqrs.Command{fixtures.NewDeposit("acc-1", 1), fixtures.NewDeposit("acc-2", 1)},
			want: cqrs.ErrMixedTargets,
		},
		{
			name: "unregistered command",
			cmds: []cqrs.Command{fixtures.NewDeposit("acc-1", 1), fixtures.Unregistered{CommandBase: cqrs.NewCommandBase("acc-1")}},
			want: cqrs.ErrUnregisteredCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newAccountHarness(t)
			_, err := h.commands.Execute(t.Context(), tt.cmds...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if reads := h.store.ForwardReads(h.stream("acc-1")); reads != 0 {
				t.Fatalf("expected no reads, got %d", reads)
			}
		})
	}
}

func TestCommandRegistryEmptyBatch(t *testing.T) {
	h := newAccountHarness(t)
	result, err := h.commands.Execute(t.Context())
	if err != nil || result != cqrs.Nothing {
		t.Fatalf("expected Nothing, got %v, %v", result, err)
	}
}

func TestCommandRegistryValidationDiscardsUnitOfWork(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)
	if _, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	_, err := h.commands.Execute(ctx, fixtures.NewDeposit("acc-1", 5), fixtures.NewWithdraw("acc-1", 50))
	if !errors.Is(err, cqrs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var validation *cqrs.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if got := len(fixtures.ReadAll(t, h.store, h.stream("acc-1"))); got != 1 {
		t.Fatalf("expected the failed batch not to write, got %d records", got)
	}
}

func TestCommandRegistryCreateMustComeFirst(t *testing.T) {
	h := newAccountHarness(t)
	_, err := h.commands.Execute(t.Context(), fixtures.NewDeposit("acc-1", 5), fixtures.NewOpenAccount("acc-1", "ann"))
	if !errors.Is(err, cqrs.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

// audit is a second aggregate type addressed by account ids.
type audit struct {
	cqrs.Root
}

func (a *audit) Routes() []cqrs.Route {
	return []cqrs.Route{
		cqrs.On(func(*audit, *fixtures.Opened) {}),
	}
}

type touch struct {
	cqrs.CommandBase
}

func TestCommandRegistryAggregateTypeGuard(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)
	if _, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	audits := cqrs.NewRepository(h.store, h.registry, func(id string) *audit { return &audit{} })
	touched := 0
	err := cqrs.Execute(cqrs.For(h.commands, audits.Persistence()), func(ctx context.Context, a *audit, cmd touch) error {
		touched++
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	before := h.store.TotalAppends()
	_, err = h.commands.Execute(ctx,
		fixtures.NewDeposit("acc-1", 5),
		touch{CommandBase: cqrs.NewCommandBase("acc-1")},
	)
	if !errors.Is(err, cqrs.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if touched != 0 {
		t.Fatalf("expected the foreign handler not to run, got %d calls", touched)
	}
	if got := h.store.TotalAppends() - before; got != 0 {
		t.Fatalf("expected no append, got %d", got)
	}
}

func TestCommandRegistryDuplicateResult(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)
	if _, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann"), fixtures.NewDeposit("acc-1", 10)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	before := h.store.TotalAppends()
	w := fixtures.NewWithdraw("acc-1", 1)
	_, err := h.commands.Execute(ctx, w, w)
	if !errors.Is(err, cqrs.ErrDuplicateResult) {
		t.Fatalf("expected ErrDuplicateResult, got %v", err)
	}
	if got := h.store.TotalAppends() - before; got != 0 {
		t.Fatalf("expected no append, got %d", got)
	}
	if got := len(fixtures.ReadAll(t, h.store, h.stream("acc-1"))); got != 2 {
		t.Fatalf("expected 2 records, got %d", got)
	}
}

func TestCommandRegistryNoPendingNoWrite(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)
	if _, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann"), fixtures.NewDeposit("acc-1", 4)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	query := balance{CommandBase: cqrs.NewCommandBase("acc-1")}
	result, err := h.commands.Execute(ctx, query)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got, _ := cqrs.ResultValue[int](result, query.CommandID()); got != 4 {
		t.Fatalf("expected balance 4, got %d", got)
	}
	if got := h.store.TotalAppends(); got != 1 {
		t.Fatalf("expected no append for a read-only batch, got %d appends", got)
	}
}

func TestCommandRegistryDuplicateHandler(t *testing.T) {
	h := newAccountHarness(t)
	g := cqrs.For(h.commands, h.repo.Persistence())
	err := cqrs.Execute(g, func(ctx context.Context, a *fixtures.Account, cmd fixtures.Deposit) error { return nil })
	if !errors.Is(err, cqrs.ErrDuplicateRegistration) {
		t.Fatalf("expected ErrDuplicateRegistration, got %v", err)
	}
}

func TestCommandRegistryHandlerContext(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)
	g := cqrs.For(h.commands, h.repo.Persistence())

	var seen cqrs.Command
	var seenID string
	err := cqrs.Execute(g, func(ctx context.Context, a *fixtures.Account, cmd fixtures.ViewAccount) error {
		seen = cmd
		seenID = cqrs.CommandIDFromContext(ctx).String()
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	cmd := fixtures.NewViewAccount("acc-1", "auditor")
	if _, err := h.commands.Execute(ctx, cmd); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if seen == nil || seenID != cmd.CommandID().String() {
		t.Fatalf("expected the command id in the handler context, got %q", seenID)
	}
}

// interleave appends a foreign deposit right before the first save of
// stream, forcing a conflict.
func interleave(t *testing.T, h *accountHarness, stream string) {
	injected := false
	h.store.BeforeAppend = func(ctx context.Context, s string) {
		if s != stream || injected {
			return
		}
		injected = true
		fixtures.Seed(t, h.store.EventStore, h.registry, "acc-1", stream, fixtures.For("acc-1").Deposited(100))
	}
}

func TestCommandRegistryRetriesConflicts(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t, cqrs.WithRetryStrategy(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}))
	if _, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann"), fixtures.NewDeposit("acc-1", 50)); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	stream := h.stream("acc-1")
	interleave(t, h, stream)

	withdraw := fixtures.NewWithdraw("acc-1", 30)
	result, err := h.commands.Execute(ctx, withdraw)
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if got, _ := cqrs.ResultValue[int](result, withdraw.CommandID()); got != 120 {
		t.Fatalf("expected balance 120 after reload, got %d", got)
	}
	if got := h.store.ForwardReads(stream); got != 2 {
		t.Fatalf("expected a reload per attempt, got %d reads", got)
	}
}

func TestCommandRegistryConflictWithoutRetry(t *testing.T) {
	ctx := t.Context()
	h := newAccountHarness(t)
	if _, err := h.commands.Execute(ctx, fixtures.NewOpenAccount("acc-1", "ann")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	interleave(t, h, h.stream("acc-1"))

	_, err := h.commands.Execute(ctx, fixtures.NewDeposit("acc-1", 1))
	if !errors.Is(err, cqrs.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
}

func TestCommandRegistryLoadFailure(t *testing.T) {
	h := newAccountHarness(t)
	boom := errors.New("boom")
	h.store.FailOnRead(boom)

	_, err := h.commands.Execute(t.Context(), fixtures.NewDeposit("acc-1", 1))
	if !errors.Is(err, boom) {
		t.Fatalf("expected the read error, got %v", err)
	}
}
