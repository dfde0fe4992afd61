// Package aggregate provides the in-memory change-tracking model for
// aggregate-oriented domain objects.
//
// An aggregate is a [Root] that owns a [Tracker] shared with every child
// [Entity] bound to it. Each mutation appends one [Event] to the tracker, and
// persistence layers drain the tracker to apply the events atomically.
//
// # Defining an aggregate
//
// State types are plain value structs implementing [State]:
//
//	type OrderState struct {
//	    Number int
//	    Text   string
//	}
//
//	func (OrderState) StateName() string { return "OrderState" }
//
// Domain types embed [Root] or [Entity] and mutate through SetState,
// AddEntity and DeleteEntity (or an owned [List]):
//
//	type Order struct {
//	    aggregate.Root[OrderState]
//	    lines aggregate.List[*Line]
//	}
//
// # Events
//
//   - [OpAdd] - a child was attached to its owner
//   - [OpUpdate] - an entity's state was replaced
//   - [OpDelete] - a child was removed from its owner
//
// The tracker never inspects payloads. [Tracker.Drain] hands every buffered
// event out exactly once.
package aggregate
