package consistency

import "github.com/google/uuid"

// Command is an intent addressed to one aggregate instance.
type Command interface {
	// CommandID identifies the command; results are keyed by it.
	CommandID() uuid.UUID

	// AggregateID is the identity of the target aggregate.
	AggregateID() string
}

// CommandBase implements Command. Embed it in concrete commands:
//
//	type ChangeName struct {
//		consistency.CommandBase
//		Name string
//	}
type CommandBase struct {
	ID     uuid.UUID
	Target string
}

// NewCommandBase returns a CommandBase with a fresh id.
func NewCommandBase(target string) CommandBase {
	return CommandBase{ID: uuid.New(), Target: target}
}

func (c CommandBase) CommandID() uuid.UUID { return c.ID }

func (c CommandBase) AggregateID() string { return c.Target }
