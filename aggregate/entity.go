package aggregate

import "github.com/google/uuid"

// Owner is an entity that child entities can be bound to.
// It is satisfied by any type embedding Entity or Root.
type Owner interface {
	ID() uuid.UUID
	tracker() *Tracker
}

// Node is an entity as seen by its owner.
type Node interface {
	ID() uuid.UUID
	ParentID() uuid.NullUUID
	StateValue() State
}

// Entity is a domain object whose state changes are recorded on a Tracker.
type Entity[S State] struct {
	id     uuid.UUID
	parent uuid.NullUUID
	state  S
	t      *Tracker
}

// NewEntity binds a child entity to owner's tracker.
// No event is recorded; the owner records the Add with AddEntity.
func NewEntity[S State](owner Owner, id uuid.UUID, state S) Entity[S] {
	return Entity[S]{
		id:     id,
		parent: uuid.NullUUID{UUID: owner.ID(), Valid: true},
		state:  state,
		t:      owner.tracker(),
	}
}

// ID returns the entity id.
func (e *Entity[S]) ID() uuid.UUID {
	return e.id
}

// ParentID returns the owning entity's id. It is invalid for roots.
func (e *Entity[S]) ParentID() uuid.NullUUID {
	return e.parent
}

// State returns the current state.
func (e *Entity[S]) State() S {
	return e.state
}

// StateValue returns the current state as a State.
func (e *Entity[S]) StateValue() State {
	return e.state
}

// SetState replaces the state and records exactly one Update event.
func (e *Entity[S]) SetState(state S) {
	e.state = state
	e.t.Append(Event{
		EntityID: e.id,
		ParentID: e.parent,
		Op:       OpUpdate,
		State:    state,
	})
}

// AddEntity records that child was attached to e.
func (e *Entity[S]) AddEntity(child Node) {
	e.t.Append(Event{
		EntityID: child.ID(),
		ParentID: uuid.NullUUID{UUID: e.id, Valid: true},
		Op:       OpAdd,
		State:    child.StateValue(),
	})
}

// DeleteEntity records that child was removed from e.
func (e *Entity[S]) DeleteEntity(child Node) {
	e.t.Append(Event{
		EntityID: child.ID(),
		ParentID: uuid.NullUUID{UUID: e.id, Valid: true},
		Op:       OpDelete,
		State:    child.StateValue(),
	})
}

func (e *Entity[S]) tracker() *Tracker {
	return e.t
}

// Root is the entity that owns a Tracker for its whole aggregate.
// Persistence always operates at root granularity.
type Root[S State] struct {
	Entity[S]
}

// NewRoot creates a root with a fresh Tracker.
func NewRoot[S State](id uuid.UUID, state S) Root[S] {
	return Root[S]{
		Entity: Entity[S]{
			id:    id,
			state: state,
			t:     NewTracker(),
		},
	}
}

// Drain returns and clears every event recorded in the aggregate.
func (r *Root[S]) Drain() []Event {
	return r.t.Drain()
}

// HasPendingEvents reports whether any events are waiting to be drained.
func (r *Root[S]) HasPendingEvents() bool {
	return r.t.Len() > 0
}
