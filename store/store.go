package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
)

// Store is the persistence contract implemented by every backend.
//
// All mutating operations are atomic: they either fully succeed or leave
// storage exactly as it was.
type Store interface {
	// Get returns the state of the entity with the given id and state type.
	Get(ctx context.Context, stateType string, id uuid.UUID) (aggregate.State, error)

	// GetByRoot returns a root and all of its children in one call.
	GetByRoot(ctx context.Context, stateType string, rootID uuid.UUID) (*Snapshot, error)

	// AddRoot persists a new root. Events, if any, describe the root's
	// initial children and are applied in the same transaction.
	AddRoot(ctx context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance, events ...aggregate.Event) error

	// DeleteRoot removes a root and every child it owns.
	DeleteRoot(ctx context.Context, stateType string, rootID uuid.UUID, prov aggregate.Provenance) error

	// Add persists a single child record.
	Add(ctx context.Context, rec aggregate.Record, prov aggregate.Provenance) error

	// Update replaces the state of an existing entity.
	Update(ctx context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance) error

	// Delete removes a single child. Roots are rejected with ErrRootDeletionForbidden.
	Delete(ctx context.Context, stateType string, id uuid.UUID, prov aggregate.Provenance) error

	// Apply applies events in order against one root as a single unit.
	Apply(ctx context.Context, rootID uuid.UUID, events []aggregate.Event, prov aggregate.Provenance) error
}

// Snapshot is a root record together with all of its children.
type Snapshot struct {
	Root     aggregate.Record
	Children aggregate.Records
}

// RootEvents prefixes events with the implicit Add of the root itself.
func RootEvents(id uuid.UUID, state aggregate.State, events []aggregate.Event) []aggregate.Event {
	out := make([]aggregate.Event, 0, len(events)+1)
	out = append(out, aggregate.Event{
		EntityID: id,
		Op:       aggregate.OpAdd,
		State:    state,
	})
	return append(out, events...)
}

// ChildEvent converts a child record into the event that adds it.
func ChildEvent(rec aggregate.Record) aggregate.Event {
	parent := rec.ParentID
	if !parent.Valid {
		parent = uuid.NullUUID{UUID: rec.RootID, Valid: true}
	}
	return aggregate.Event{
		EntityID: rec.ID,
		ParentID: parent,
		Op:       aggregate.OpAdd,
		State:    rec.State,
	}
}
