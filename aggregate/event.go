package aggregate

import (
	"fmt"

	"github.com/google/uuid"
)

// State is the persisted value of one entity kind.
// StateName identifies the kind and is the key used by store registries.
type State interface {
	StateName() string
}

// Operation is the kind of change an Event records.
type Operation int

const (
	OpAdd Operation = iota + 1
	OpUpdate
	OpDelete
)

// String returns the operation name.
func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Event records one mutation of an entity.
type Event struct {
	// EntityID is the id of the mutated entity.
	EntityID uuid.UUID

	// ParentID is the owner of the entity; invalid for roots.
	ParentID uuid.NullUUID

	// Op is the kind of change.
	Op Operation

	// State is the entity state at the time of the change.
	State State
}

// StateName returns the state type name of the event payload, or "" if the
// event carries no state.
func (e Event) StateName() string {
	if e.State == nil {
		return ""
	}
	return e.State.StateName()
}

// Provenance describes who caused a change and why.
// It is threaded through every mutating store call.
type Provenance struct {
	InitiatorID   uuid.UUID
	CorrelationID uuid.UUID

	// EventNumber is the history sequence number of the upstream event that
	// triggered this change, if any.
	EventNumber *int64
}

// NewProvenance returns a Provenance for initiator with a fresh correlation id.
func NewProvenance(initiator uuid.UUID) Provenance {
	return Provenance{
		InitiatorID:   initiator,
		CorrelationID: uuid.New(),
	}
}

// WithEventNumber returns a copy of p caused by upstream event n.
func (p Provenance) WithEventNumber(n int64) Provenance {
	p.EventNumber = &n
	return p
}
