// Package fixture holds a small aggregate used by the backend and repository
// tests: a TestRoot owning Subentity values and Tag labels.
package fixture

import (
	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/store"
)

type TestRootState struct {
	Number int
	Text   string
}

func (TestRootState) StateName() string { return "TestRootState" }

type SubentityState struct {
	Value float64
}

func (SubentityState) StateName() string { return "SubentityState" }

type TagState struct {
	Label string
}

func (TagState) StateName() string { return "TagState" }

type Subentity struct {
	aggregate.Entity[SubentityState]
}

type Tag struct {
	aggregate.Entity[TagState]
}

type TestRoot struct {
	aggregate.Root[TestRootState]
	subentities aggregate.List[*Subentity]
	tags        aggregate.List[*Tag]
}

func NewTestRoot(id uuid.UUID, state TestRootState) *TestRoot {
	r := &TestRoot{Root: aggregate.NewRoot(id, state)}
	r.subentities = aggregate.NewList[*Subentity](r)
	r.tags = aggregate.NewList[*Tag](r)
	return r
}

func (r *TestRoot) AddSubentity(value float64) *Subentity {
	s := &Subentity{Entity: aggregate.NewEntity(r, uuid.New(), SubentityState{Value: value})}
	r.subentities.Add(s)
	return s
}

func (r *TestRoot) RemoveSubentity(s *Subentity) bool {
	return r.subentities.Remove(s)
}

func (r *TestRoot) Subentities() []*Subentity {
	return r.subentities.Items()
}

func (r *TestRoot) AddTag(label string) *Tag {
	t := &Tag{Entity: aggregate.NewEntity(r, uuid.New(), TagState{Label: label})}
	r.tags.Add(t)
	return t
}

func (r *TestRoot) Tags() []*Tag {
	return r.tags.Items()
}

// Values returns the subentity values in list order.
func (r *TestRoot) Values() []float64 {
	out := make([]float64, 0, r.subentities.Len())
	for _, s := range r.subentities.Items() {
		out = append(out, s.State().Value)
	}
	return out
}

// Rehydrate rebuilds a TestRoot from stored records.
func Rehydrate(id uuid.UUID, state TestRootState, records aggregate.Records) (*TestRoot, error) {
	r := NewTestRoot(id, state)
	subs, err := aggregate.Rebuild(id, records, func(cid uuid.UUID, st SubentityState, _ aggregate.Records) (*Subentity, error) {
		return &Subentity{Entity: aggregate.NewEntity(r, cid, st)}, nil
	})
	if err != nil {
		return nil, err
	}
	tags, err := aggregate.Rebuild(id, records, func(cid uuid.UUID, st TagState, _ aggregate.Records) (*Tag, error) {
		return &Tag{Entity: aggregate.NewEntity(r, cid, st)}, nil
	})
	if err != nil {
		return nil, err
	}
	r.subentities.Load(subs...)
	r.tags.Load(tags...)
	return r, nil
}

// Registry returns a registry describing the fixture types.
func Registry() *store.Registry {
	reg := store.NewRegistry()
	reg.Register(
		store.Describe[TestRootState]("Number", "Text"),
		store.Describe[SubentityState]("Value"),
		store.Describe[TagState]("Label"),
	)
	for _, child := range []string{"SubentityState", "TagState"} {
		if err := reg.Relate(store.Relationship{RootType: "TestRootState", ChildType: child}); err != nil {
			panic(err)
		}
	}
	return reg
}

// Child returns the record of a root's direct child.
func Child(rootID uuid.UUID, state aggregate.State) aggregate.Record {
	return aggregate.Record{
		ID:       uuid.New(),
		RootID:   rootID,
		ParentID: uuid.NullUUID{UUID: rootID, Valid: true},
		State:    state,
	}
}
