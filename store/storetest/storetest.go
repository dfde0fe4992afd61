// Package storetest is a conformance suite for store.Store implementations.
// Every backend runs it against a fresh store per test:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return memory.New() },
//	        storetest.WithIDScope(storetest.IDsGlobal))
//	}
//
// Stores must know the fixture types (see fixture.Registry).
package storetest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/internal/fixture"
	"github.com/jacentio/rootstore/repository"
	"github.com/jacentio/rootstore/store"
)

// Factory returns an empty store for one test.
type Factory func(t *testing.T) store.Store

const (
	rootType = "TestRootState"
	subType  = "SubentityState"
)

// IDScope is where a backend enforces id uniqueness.
type IDScope int

const (
	// IDsPerType means an id is unique within its state type. Tables and
	// collections are keyed by id, one per type.
	IDsPerType IDScope = iota

	// IDsGlobal means an id is unique across every state type.
	IDsGlobal
)

type options struct {
	idScope IDScope
}

// Option adjusts the suite to a backend.
type Option func(*options)

// WithIDScope sets where the backend enforces id uniqueness.
// Default: IDsPerType
func WithIDScope(scope IDScope) Option {
	return func(o *options) {
		o.idScope = scope
	}
}

// Run runs every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory, opts ...Option) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"RoundTrip", testRoundTrip},
		{"ConcreteScenario", testConcreteScenario},
		{"UpdateRootState", testUpdateRootState},
		{"DeleteRootCascades", testDeleteRootCascades},
		{"DuplicateRoot", testDuplicateRoot},
		{"DuplicateChildAcrossRoots", testDuplicateChildAcrossRoots},
		{"IDAcrossStateTypes", func(t *testing.T, s store.Store) { testIDAcrossStateTypes(t, s, o.idScope) }},
		{"RootDeletionForbidden", testRootDeletionForbidden},
		{"ApplyIsAtomic", testApplyIsAtomic},
		{"ApplyDuplicateAdd", testApplyDuplicateAdd},
		{"AddThenDeleteInOneBatch", testAddThenDeleteInOneBatch},
		{"SingleRecordOperations", testSingleRecordOperations},
		{"UnknownIDs", testUnknownIDs},
		{"LookupIsTyped", testLookupIsTyped},
		{"EmptyApply", testEmptyApply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func newRepo(s store.Store) *repository.Repository[*fixture.TestRoot, fixture.TestRootState] {
	return repository.New(s, repository.NewFactory(fixture.Rehydrate))
}

func prov() aggregate.Provenance {
	return aggregate.NewProvenance(uuid.New())
}

func testRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := newRepo(s)

	root := fixture.NewTestRoot(uuid.New(), fixture.TestRootState{Number: 7, Text: "seven"})
	root.AddSubentity(1.5)
	root.AddSubentity(2.5)
	root.AddTag("red")
	require.NoError(t, repo.Add(ctx, root, prov()))
	assert.False(t, root.HasPendingEvents())

	got, err := repo.Get(ctx, root.ID())
	require.NoError(t, err)
	assert.Equal(t, root.ID(), got.ID())
	assert.Equal(t, root.State(), got.State())
	assert.ElementsMatch(t, []float64{1.5, 2.5}, got.Values())
	require.Len(t, got.Tags(), 1)
	assert.Equal(t, "red", got.Tags()[0].State().Label)
	assert.False(t, got.HasPendingEvents())

	snap, err := s.GetByRoot(ctx, rootType, root.ID())
	require.NoError(t, err)
	assert.True(t, snap.Root.IsRoot())
	assert.Len(t, snap.Children, 3)
	for _, c := range snap.Children {
		assert.Equal(t, root.ID(), c.RootID)
		assert.Equal(t, uuid.NullUUID{UUID: root.ID(), Valid: true}, c.ParentID)
	}
}

func testConcreteScenario(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := newRepo(s)

	r := fixture.NewTestRoot(uuid.New(), fixture.TestRootState{Number: 1, Text: "Test"})
	require.NoError(t, repo.Add(ctx, r, prov()))

	r.AddSubentity(100)
	r.AddSubentity(200)
	require.NoError(t, repo.Update(ctx, r, prov()))

	got, err := repo.Get(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, got.State().Number)
	assert.Equal(t, "Test", got.State().Text)
	assert.ElementsMatch(t, []float64{100, 200}, got.Values())
}

func testUpdateRootState(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := newRepo(s)

	r := fixture.NewTestRoot(uuid.New(), fixture.TestRootState{Number: 1})
	sub := r.AddSubentity(10)
	require.NoError(t, repo.Add(ctx, r, prov()))

	r.SetState(fixture.TestRootState{Number: 2, Text: "two"})
	sub.SetState(fixture.SubentityState{Value: 11})
	require.NoError(t, repo.Update(ctx, r, prov()))

	got, err := repo.Get(ctx, r.ID())
	require.NoError(t, err)
	assert.Equal(t, fixture.TestRootState{Number: 2, Text: "two"}, got.State())
	assert.Equal(t, []float64{11}, got.Values())

	// Nothing pending is a no-op.
	require.NoError(t, repo.Update(ctx, got, prov()))
}

func testDeleteRootCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := newRepo(s)

	r := fixture.NewTestRoot(uuid.New(), fixture.TestRootState{Number: 3})
	subs := []*fixture.Subentity{r.AddSubentity(1), r.AddSubentity(2), r.AddSubentity(3)}
	tag := r.AddTag("t")
	require.NoError(t, repo.Add(ctx, r, prov()))

	require.NoError(t, repo.Delete(ctx, r, prov()))

	_, err := repo.Get(ctx, r.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, rootType, r.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
	for _, sub := range subs {
		_, err := s.Get(ctx, subType, sub.ID())
		assert.ErrorIs(t, err, store.ErrNotFound)
	}
	_, err = s.Get(ctx, "TagState", tag.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, r, prov()), store.ErrNotFound)
}

func testDuplicateRoot(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, s.AddRoot(ctx, id, fixture.TestRootState{Number: 1, Text: "first"}, prov()))
	err := s.AddRoot(ctx, id, fixture.TestRootState{Number: 2, Text: "second"}, prov())
	assert.ErrorIs(t, err, store.ErrDuplicateID)

	got, err := s.Get(ctx, rootType, id)
	require.NoError(t, err)
	assert.Equal(t, fixture.TestRootState{Number: 1, Text: "first"}, got)
}

func testDuplicateChildAcrossRoots(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	child := fixture.Child(a, fixture.SubentityState{Value: 1})

	require.NoError(t, s.AddRoot(ctx, a, fixture.TestRootState{}, prov(), store.ChildEvent(child)))

	stolen := child
	stolen.RootID = b
	stolen.ParentID = uuid.NullUUID{UUID: b, Valid: true}
	err := s.AddRoot(ctx, b, fixture.TestRootState{}, prov(), store.ChildEvent(stolen))
	assert.ErrorIs(t, err, store.ErrDuplicateID)

	_, err = s.Get(ctx, rootType, b)
	assert.ErrorIs(t, err, store.ErrNotFound)

	snap, err := s.GetByRoot(ctx, rootType, a)
	require.NoError(t, err)
	require.Len(t, snap.Children, 1)
	assert.Equal(t, a, snap.Children[0].RootID)
}

func testIDAcrossStateTypes(t *testing.T, s store.Store, scope IDScope) {
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()
	sub := fixture.Child(a, fixture.SubentityState{Value: 1})
	require.NoError(t, s.AddRoot(ctx, a, fixture.TestRootState{}, prov(), store.ChildEvent(sub)))

	// Same id, other state type, other root.
	tag := fixture.Child(b, fixture.TagState{Label: "shared"})
	tag.ID = sub.ID
	err := s.AddRoot(ctx, b, fixture.TestRootState{}, prov(), store.ChildEvent(tag))

	switch scope {
	case IDsGlobal:
		assert.ErrorIs(t, err, store.ErrDuplicateID)
		_, err = s.Get(ctx, rootType, b)
		assert.ErrorIs(t, err, store.ErrNotFound)
	default:
		require.NoError(t, err)
		got, err := s.Get(ctx, "TagState", sub.ID)
		require.NoError(t, err)
		assert.Equal(t, fixture.TagState{Label: "shared"}, got)

		snap, err := s.GetByRoot(ctx, rootType, b)
		require.NoError(t, err)
		require.Len(t, snap.Children, 1)
		assert.Equal(t, b, snap.Children[0].RootID)
	}

	// Either way the first record is untouched.
	got, err := s.Get(ctx, subType, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, fixture.SubentityState{Value: 1}, got)
	snap, err := s.GetByRoot(ctx, rootType, a)
	require.NoError(t, err)
	require.Len(t, snap.Children, 1)
	assert.Equal(t, sub.ID, snap.Children[0].ID)
}

func testRootDeletionForbidden(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.AddRoot(ctx, id, fixture.TestRootState{Number: 5}, prov()))

	assert.ErrorIs(t, s.Delete(ctx, rootType, id, prov()), store.ErrRootDeletionForbidden)

	err := s.Apply(ctx, id, []aggregate.Event{
		{EntityID: id, Op: aggregate.OpDelete, State: fixture.TestRootState{Number: 5}},
	}, prov())
	assert.ErrorIs(t, err, store.ErrRootDeletionForbidden)

	got, err := s.Get(ctx, rootType, id)
	require.NoError(t, err)
	assert.Equal(t, fixture.TestRootState{Number: 5}, got)
}

func testApplyIsAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	rootID := uuid.New()
	parent := uuid.NullUUID{UUID: rootID, Valid: true}
	existing := fixture.Child(rootID, fixture.SubentityState{Value: 1})
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{Number: 1}, prov(), store.ChildEvent(existing)))

	added := uuid.New()
	err := s.Apply(ctx, rootID, []aggregate.Event{
		{EntityID: rootID, Op: aggregate.OpUpdate, State: fixture.TestRootState{Number: 99}},
		{EntityID: existing.ID, ParentID: parent, Op: aggregate.OpUpdate, State: fixture.SubentityState{Value: 2}},
		{EntityID: added, ParentID: parent, Op: aggregate.OpAdd, State: fixture.SubentityState{Value: 3}},
		{EntityID: uuid.New(), ParentID: parent, Op: aggregate.OpUpdate, State: fixture.SubentityState{Value: 4}},
	}, prov())
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err := s.Get(ctx, rootType, rootID)
	require.NoError(t, err)
	assert.Equal(t, fixture.TestRootState{Number: 1}, got)

	got, err = s.Get(ctx, subType, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, fixture.SubentityState{Value: 1}, got)

	_, err = s.Get(ctx, subType, added)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testApplyDuplicateAdd(t *testing.T, s store.Store) {
	ctx := context.Background()
	rootID := uuid.New()
	existing := fixture.Child(rootID, fixture.SubentityState{Value: 1})
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{}, prov(), store.ChildEvent(existing)))

	again := existing
	again.State = fixture.SubentityState{Value: 2}
	err := s.Apply(ctx, rootID, []aggregate.Event{store.ChildEvent(again)}, prov())
	assert.ErrorIs(t, err, store.ErrDuplicateID)

	got, err := s.Get(ctx, subType, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, fixture.SubentityState{Value: 1}, got)
}

func testAddThenDeleteInOneBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	repo := newRepo(s)

	r := fixture.NewTestRoot(uuid.New(), fixture.TestRootState{})
	keep := r.AddSubentity(1)
	require.NoError(t, repo.Add(ctx, r, prov()))

	tmp := r.AddSubentity(2)
	require.True(t, r.RemoveSubentity(tmp))
	require.True(t, r.RemoveSubentity(keep))
	require.NoError(t, repo.Update(ctx, r, prov()))

	got, err := repo.Get(ctx, r.ID())
	require.NoError(t, err)
	assert.Empty(t, got.Subentities())

	_, err = s.Get(ctx, subType, tmp.ID())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testSingleRecordOperations(t *testing.T, s store.Store) {
	ctx := context.Background()
	rootID := uuid.New()
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{}, prov()))

	child := fixture.Child(rootID, fixture.SubentityState{Value: 1})
	require.NoError(t, s.Add(ctx, child, prov()))
	assert.ErrorIs(t, s.Add(ctx, child, prov()), store.ErrDuplicateID)

	require.NoError(t, s.Update(ctx, child.ID, fixture.SubentityState{Value: 8}, prov()))
	got, err := s.Get(ctx, subType, child.ID)
	require.NoError(t, err)
	assert.Equal(t, fixture.SubentityState{Value: 8}, got)

	require.NoError(t, s.Update(ctx, rootID, fixture.TestRootState{Number: 4}, prov()))
	got, err = s.Get(ctx, rootType, rootID)
	require.NoError(t, err)
	assert.Equal(t, fixture.TestRootState{Number: 4}, got)

	require.NoError(t, s.Delete(ctx, subType, child.ID, prov()))
	_, err = s.Get(ctx, subType, child.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, subType, child.ID, prov()), store.ErrNotFound)

	orphan := fixture.Child(uuid.New(), fixture.SubentityState{Value: 1})
	assert.ErrorIs(t, s.Add(ctx, orphan, prov()), store.ErrNotFound)
}

func testUnknownIDs(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New()

	_, err := s.Get(ctx, rootType, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetByRoot(ctx, rootType, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRoot(ctx, rootType, id, prov()), store.ErrNotFound)
	assert.ErrorIs(t, s.Update(ctx, id, fixture.SubentityState{}, prov()), store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, subType, id, prov()), store.ErrNotFound)

	err = s.Apply(ctx, id, []aggregate.Event{
		{EntityID: uuid.New(), ParentID: uuid.NullUUID{UUID: id, Valid: true}, Op: aggregate.OpAdd, State: fixture.SubentityState{}},
	}, prov())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testLookupIsTyped(t *testing.T, s store.Store) {
	ctx := context.Background()
	rootID := uuid.New()
	child := fixture.Child(rootID, fixture.SubentityState{Value: 1})
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{}, prov(), store.ChildEvent(child)))

	_, err := s.Get(ctx, rootType, child.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Get(ctx, subType, rootID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetByRoot(ctx, rootType, child.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testEmptyApply(t *testing.T, s store.Store) {
	ctx := context.Background()
	rootID := uuid.New()
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{Number: 1}, prov()))
	require.NoError(t, s.Apply(ctx, rootID, nil, prov()))

	got, err := s.Get(ctx, rootType, rootID)
	require.NoError(t, err)
	assert.Equal(t, fixture.TestRootState{Number: 1}, got)
}
