package aggregate

import "github.com/google/uuid"

// Record is the persisted form of one entity.
type Record struct {
	ID       uuid.UUID
	RootID   uuid.UUID
	ParentID uuid.NullUUID
	State    State
}

// IsRoot reports whether the record is the root of its aggregate.
func (r Record) IsRoot() bool {
	return r.ID == r.RootID
}

// Records is the set of child records of one aggregate.
type Records []Record

// ChildrenOf returns the records directly owned by owner, in stored order.
func (rs Records) ChildrenOf(owner uuid.UUID) Records {
	var out Records
	for _, r := range rs {
		if r.ParentID.Valid && r.ParentID.UUID == owner {
			out = append(out, r)
		}
	}
	return out
}

// Rebuild constructs the children of owner whose state is an S.
// build receives the full record set so it can rebuild its own children.
func Rebuild[S State, E any](owner uuid.UUID, records Records, build func(id uuid.UUID, state S, records Records) (E, error)) ([]E, error) {
	var out []E
	for _, r := range records.ChildrenOf(owner) {
		state, ok := r.State.(S)
		if !ok {
			continue
		}
		e, err := build(r.ID, state, records)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
