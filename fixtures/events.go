package fixtures

import (
	es "github.com/terraskye/consistency"
)

// Account events. Opened, Deposited and Withdrawn belong to the primary
// stream; Viewed is a secondary event correlated to it.
type (
	Opened struct {
		es.EventBase
		AccountID string `json:"accountId"`
		Owner     string `json:"owner"`
	}

	Deposited struct {
		es.EventBase
		AccountID string `json:"accountId"`
		Amount    int    `json:"amount"`
	}

	Withdrawn struct {
		es.EventBase
		AccountID string `json:"accountId"`
		Amount    int    `json:"amount"`
	}

	Viewed struct {
		es.EventBase
		AccountID string `json:"accountId"`
		By        string `json:"by"`
	}

	// Closed has no route on Account.
	Closed struct {
		es.EventBase
		AccountID string `json:"accountId"`
	}
)

// RegisterEvents registers the default JSON codecs of every account event.
func RegisterEvents(r *es.Registry, opts ...es.EventOption) error {
	for _, register := range []func(*es.Registry, ...es.EventOption) error{
		es.RegisterEvent[*Opened],
		es.RegisterEvent[*Deposited],
		es.RegisterEvent[*Withdrawn],
		es.RegisterEvent[*Viewed],
		es.RegisterEvent[*Closed],
	} {
		if err := register(r, opts...); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a Registry with the account events registered.
func NewRegistry() *es.Registry {
	r := es.NewRegistry()
	if err := RegisterEvents(r); err != nil {
		panic(err)
	}
	return r
}

// Router sends Viewed to the secondary stream.
func Router(e es.Event) es.StreamKind {
	if _, ok := e.(*Viewed); ok {
		return es.SecondaryStream
	}
	return es.PrimaryStream
}

// EventBuilder creates account events with a fixed account id.
type EventBuilder struct {
	accountID string
}

// For starts building events for accountID.
func For(accountID string) EventBuilder {
	return EventBuilder{accountID: accountID}
}

func (b EventBuilder) Opened(owner string) *Opened {
	return &Opened{AccountID: b.accountID, Owner: owner}
}

func (b EventBuilder) Deposited(amount int) *Deposited {
	return &Deposited{AccountID: b.accountID, Amount: amount}
}

func (b EventBuilder) Withdrawn(amount int) *Withdrawn {
	return &Withdrawn{AccountID: b.accountID, Amount: amount}
}

func (b EventBuilder) Viewed(by string) *Viewed {
	return &Viewed{AccountID: b.accountID, By: by}
}
