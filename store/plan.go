package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
)

// ChangeKind is the net effect of a batch on one entity.
type ChangeKind int

const (
	// ChangeInsert: absent before the batch, present after.
	ChangeInsert ChangeKind = iota + 1
	// ChangeReplace: present before and after.
	ChangeReplace
	// ChangeRemove: present before, absent after.
	ChangeRemove
	// ChangeAbsent: added and removed within the batch. Nothing is written,
	// but the id must not already exist.
	ChangeAbsent
)

// String returns the change kind name.
func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeReplace:
		return "replace"
	case ChangeRemove:
		return "remove"
	case ChangeAbsent:
		return "absent"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// MustExist reports whether the entity has to exist before the change.
func (k ChangeKind) MustExist() bool {
	return k == ChangeReplace || k == ChangeRemove
}

// Change is the net effect of a batch on one entity.
type Change struct {
	Kind ChangeKind

	// Record holds the final state, or the last known state for removals.
	Record aggregate.Record

	// Events is the number of batch events folded into this change.
	Events int
}

// StateType returns the state type name of the change.
func (c Change) StateType() string {
	return c.Record.State.StateName()
}

// Plan validates a batch for one root and folds it into one Change per
// entity, ordered by each entity's first appearance in the batch.
//
// Plan only checks the batch against itself. Backends check each change's
// precondition against storage before or while committing.
func Plan(rootID uuid.UUID, events []aggregate.Event) ([]Change, error) {
	type entry struct {
		change  Change
		pre     bool
		exists  bool
		typName string
	}

	byID := make(map[uuid.UUID]*entry, len(events))
	var order []uuid.UUID

	for _, ev := range events {
		if ev.State == nil {
			return nil, Errorf("plan", "", ev.EntityID, ErrTypeMapping)
		}
		if ev.Op == aggregate.OpDelete && ev.EntityID == rootID {
			return nil, Errorf("plan", ev.StateName(), ev.EntityID, ErrRootDeletionForbidden)
		}

		e, seen := byID[ev.EntityID]
		if !seen {
			e = &entry{
				pre:     ev.Op != aggregate.OpAdd,
				exists:  ev.Op != aggregate.OpAdd,
				typName: ev.StateName(),
			}
			byID[ev.EntityID] = e
			order = append(order, ev.EntityID)
		} else if e.typName != ev.StateName() {
			return nil, Errorf("plan", ev.StateName(), ev.EntityID, fmt.Errorf("%w: state type changed from %s", ErrTypeMapping, e.typName))
		}

		switch ev.Op {
		case aggregate.OpAdd:
			if e.exists {
				return nil, Errorf("plan", ev.StateName(), ev.EntityID, ErrDuplicateID)
			}
			e.exists = true
		case aggregate.OpUpdate:
			if !e.exists {
				return nil, Errorf("plan", ev.StateName(), ev.EntityID, ErrNotFound)
			}
		case aggregate.OpDelete:
			if !e.exists {
				return nil, Errorf("plan", ev.StateName(), ev.EntityID, ErrNotFound)
			}
			e.exists = false
		default:
			return nil, Errorf("plan", ev.StateName(), ev.EntityID, fmt.Errorf("unknown operation %s", ev.Op))
		}

		e.change.Events++
		e.change.Record = recordFor(rootID, ev, e.change.Record)
	}

	changes := make([]Change, 0, len(order))
	for _, id := range order {
		e := byID[id]
		switch {
		case !e.pre && e.exists:
			e.change.Kind = ChangeInsert
		case e.pre && e.exists:
			e.change.Kind = ChangeReplace
		case e.pre && !e.exists:
			e.change.Kind = ChangeRemove
		default:
			e.change.Kind = ChangeAbsent
		}
		changes = append(changes, e.change)
	}
	return changes, nil
}

func recordFor(rootID uuid.UUID, ev aggregate.Event, prev aggregate.Record) aggregate.Record {
	rec := aggregate.Record{
		ID:       ev.EntityID,
		RootID:   rootID,
		ParentID: ev.ParentID,
		State:    ev.State,
	}
	if ev.EntityID == rootID {
		rec.ParentID = uuid.NullUUID{}
		return rec
	}
	if !rec.ParentID.Valid {
		rec.ParentID = prev.ParentID
	}
	if !rec.ParentID.Valid {
		rec.ParentID = uuid.NullUUID{UUID: rootID, Valid: true}
	}
	return rec
}
