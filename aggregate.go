package consistency

// Aggregate is the interface all aggregates implement. Aggregates embed
// Root and declare their dispatch table through Routes:
//
//	type User struct {
//		consistency.Root
//		name string
//	}
//
//	func (u *User) Routes() []consistency.Route {
//		return []consistency.Route{
//			consistency.On(func(u *User, e *UserCreated) { u.name = e.Name }),
//		}
//	}
//
// State changes only through Append, which applies the event and records
// it as pending.
type Aggregate interface {
	// Routes lists the event variants the aggregate accepts. It is read
	// once per concrete type and must return the same routes every time.
	Routes() []Route

	root() *Root
}

// Root holds the pending buffer of an aggregate. It is meant to be
// embedded and exposes nothing to callers.
type Root struct {
	pending []Event
}

func (r *Root) root() *Root { return r }

// Apply mutates a with e using the aggregate's dispatch table. It fails
// with ErrUnhandledEvent if the aggregate has no route for e.
func Apply(a Aggregate, e Event) error {
	table, err := tableFor(a)
	if err != nil {
		return err
	}
	return table.apply(a, e)
}

// Append applies e and enqueues it in the pending buffer.
func Append(a Aggregate, e Event) error {
	if err := Apply(a, e); err != nil {
		return err
	}
	r := a.root()
	r.pending = append(r.pending, e)
	return nil
}

// DrainPending returns the pending events in append order and clears the
// buffer.
func DrainPending(a Aggregate) []Event {
	r := a.root()
	pending := r.pending
	r.pending = nil
	if pending == nil {
		return []Event{}
	}
	return pending
}

// HasPending reports whether a has unsaved events.
func HasPending(a Aggregate) bool {
	return len(a.root().pending) > 0
}
