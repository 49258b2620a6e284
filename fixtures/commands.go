package fixtures

import (
	es "github.com/terraskye/consistency"
)

type (
	OpenAccount struct {
		es.CommandBase
		Owner string
	}

	Deposit struct {
		es.CommandBase
		Amount int
	}

	// Withdraw yields the remaining balance.
	Withdraw struct {
		es.CommandBase
		Amount int
	}

	ViewAccount struct {
		es.CommandBase
		By string
	}

	// Unregistered has no handler.
	Unregistered struct {
		es.CommandBase
	}
)

func NewOpenAccount(id, owner string) OpenAccount {
	return OpenAccount{CommandBase: es.NewCommandBase(id), Owner: owner}
}

func NewDeposit(id string, amount int) Deposit {
	return Deposit{CommandBase: es.NewCommandBase(id), Amount: amount}
}

func NewWithdraw(id string, amount int) Withdraw {
	return Withdraw{CommandBase: es.NewCommandBase(id), Amount: amount}
}

func NewViewAccount(id, by string) ViewAccount {
	return ViewAccount{CommandBase: es.NewCommandBase(id), By: by}
}
