package fixtures

import (
	"fmt"

	es "github.com/terraskye/consistency"
)

// Account is a small aggregate exercising both streams and snapshots. It
// records the order in which events were applied.
type Account struct {
	es.Root

	ID      string
	Owner   string
	Balance int
	Views   int
	Applied []string
}

// NewAccount returns a blank Account for replay.
func NewAccount(id string) *Account {
	return &Account{ID: id}
}

func (a *Account) Routes() []es.Route {
	return []es.Route{
		es.On(func(a *Account, e *Opened) {
			a.Owner = e.Owner
			a.Applied = append(a.Applied, "opened")
		}),
		es.On(func(a *Account, e *Deposited) {
			a.Balance += e.Amount
			a.Applied = append(a.Applied, fmt.Sprintf("deposited:%d", e.Amount))
		}),
		es.On(func(a *Account, e *Withdrawn) {
			a.Balance -= e.Amount
			a.Applied = append(a.Applied, fmt.Sprintf("withdrawn:%d", e.Amount))
		}),
		es.On(func(a *Account, e *Viewed) {
			a.Views++
			a.Applied = append(a.Applied, "viewed:"+e.By)
		}),
	}
}

// Open records the creation of the account.
func (a *Account) Open(owner string) error {
	if owner == "" {
		return es.Invalid("owner is required")
	}
	return es.Append(a, &Opened{AccountID: a.ID, Owner: owner})
}

func (a *Account) Deposit(amount int) error {
	if amount <= 0 {
		return es.Invalid("amount must be positive, got %d", amount)
	}
	return es.Append(a, &Deposited{AccountID: a.ID, Amount: amount})
}

func (a *Account) Withdraw(amount int) error {
	if amount > a.Balance {
		return es.Invalid("insufficient funds: balance %d, requested %d", a.Balance, amount)
	}
	return es.Append(a, &Withdrawn{AccountID: a.ID, Amount: amount})
}

func (a *Account) View(by string) error {
	return es.Append(a, &Viewed{AccountID: a.ID, By: by})
}

// AccountSnapshot is the snapshot payload of SnapshotAccount.
type AccountSnapshot struct {
	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
}

// SnapshotAccount is an Account with the snapshot capability.
type SnapshotAccount struct {
	Account
}

func NewSnapshotAccount(id string) *SnapshotAccount {
	return &SnapshotAccount{Account: Account{ID: id}}
}

func (a *SnapshotAccount) Routes() []es.Route {
	return []es.Route{
		es.On(func(a *SnapshotAccount, e *Opened) { a.Owner = e.Owner }),
		es.On(func(a *SnapshotAccount, e *Deposited) { a.Balance += e.Amount }),
		es.On(func(a *SnapshotAccount, e *Withdrawn) { a.Balance -= e.Amount }),
	}
}

func (a *SnapshotAccount) TakeSnapshot() any {
	return AccountSnapshot{Owner: a.Owner, Balance: a.Balance}
}

func (a *SnapshotAccount) ApplySnapshot(payload any) error {
	s, ok := payload.(AccountSnapshot)
	if !ok {
		return fmt.Errorf("unexpected snapshot payload %T", payload)
	}
	a.Owner = s.Owner
	a.Balance = s.Balance
	return nil
}
