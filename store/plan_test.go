package store_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/store"
)

func TestPlan(t *testing.T) {
	root := uuid.New()
	parent := uuid.NullUUID{UUID: root, Valid: true}
	a, b := uuid.New(), uuid.New()

	add := func(id uuid.UUID, v float64) aggregate.Event {
		return aggregate.Event{EntityID: id, ParentID: parent, Op: aggregate.OpAdd, State: lineState{Value: v}}
	}
	upd := func(id uuid.UUID, v float64) aggregate.Event {
		return aggregate.Event{EntityID: id, ParentID: parent, Op: aggregate.OpUpdate, State: lineState{Value: v}}
	}
	del := func(id uuid.UUID) aggregate.Event {
		return aggregate.Event{EntityID: id, ParentID: parent, Op: aggregate.OpDelete, State: lineState{}}
	}

	tests := []struct {
		name   string
		events []aggregate.Event
		kinds  []store.ChangeKind
		values []float64
		err    error
	}{
		{
			name:   "add then update folds into insert",
			events: []aggregate.Event{add(a, 1), upd(a, 2)},
			kinds:  []store.ChangeKind{store.ChangeInsert},
			values: []float64{2},
		},
		{
			name:   "updates fold into replace",
			events: []aggregate.Event{upd(a, 1), upd(a, 3)},
			kinds:  []store.ChangeKind{store.ChangeReplace},
			values: []float64{3},
		},
		{
			name:   "update then delete is a removal",
			events: []aggregate.Event{upd(a, 1), del(a)},
			kinds:  []store.ChangeKind{store.ChangeRemove},
		},
		{
			name:   "add then delete leaves only the precondition",
			events: []aggregate.Event{add(a, 1), del(a)},
			kinds:  []store.ChangeKind{store.ChangeAbsent},
		},
		{
			name:   "delete then add replaces",
			events: []aggregate.Event{del(a), add(a, 9)},
			kinds:  []store.ChangeKind{store.ChangeReplace},
			values: []float64{9},
		},
		{
			name:   "order follows first appearance",
			events: []aggregate.Event{add(b, 1), add(a, 2), upd(b, 3)},
			kinds:  []store.ChangeKind{store.ChangeInsert, store.ChangeInsert},
			values: []float64{3, 2},
		},
		{
			name:   "duplicate add",
			events: []aggregate.Event{add(a, 1), add(a, 2)},
			err:    store.ErrDuplicateID,
		},
		{
			name:   "update after delete",
			events: []aggregate.Event{del(a), upd(a, 1)},
			err:    store.ErrNotFound,
		},
		{
			name:   "root delete",
			events: []aggregate.Event{{EntityID: root, Op: aggregate.OpDelete, State: orderState{}}},
			err:    store.ErrRootDeletionForbidden,
		},
		{
			name:   "nil state",
			events: []aggregate.Event{{EntityID: a, Op: aggregate.OpAdd}},
			err:    store.ErrTypeMapping,
		},
		{
			name: "type change",
			events: []aggregate.Event{
				add(a, 1),
				{EntityID: a, ParentID: parent, Op: aggregate.OpUpdate, State: noteState{}},
			},
			err: store.ErrTypeMapping,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := store.Plan(root, tt.events)
			if tt.err != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.err), "expected %v, got %v", tt.err, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, changes, len(tt.kinds))
			for i, c := range changes {
				assert.Equal(t, tt.kinds[i], c.Kind)
				assert.Equal(t, root, c.Record.RootID)
				assert.Equal(t, parent, c.Record.ParentID)
				if tt.values != nil {
					assert.Equal(t, tt.values[i], c.Record.State.(lineState).Value)
				}
			}
		})
	}
}

func TestPlan_RootRecord(t *testing.T) {
	root := uuid.New()
	events := store.RootEvents(root, orderState{Number: 1}, []aggregate.Event{
		{EntityID: root, Op: aggregate.OpUpdate, State: orderState{Number: 2}},
	})

	changes, err := store.Plan(root, events)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, store.ChangeInsert, changes[0].Kind)
	assert.True(t, changes[0].Record.IsRoot())
	assert.False(t, changes[0].Record.ParentID.Valid)
	assert.Equal(t, orderState{Number: 2}, changes[0].Record.State)
	assert.Equal(t, 2, changes[0].Events)
	assert.Equal(t, "orderState", changes[0].StateType())
}

func TestPlan_MissingParentDefaultsToRoot(t *testing.T) {
	root := uuid.New()
	changes, err := store.Plan(root, []aggregate.Event{
		{EntityID: uuid.New(), Op: aggregate.OpAdd, State: lineState{}},
	})
	require.NoError(t, err)
	assert.Equal(t, uuid.NullUUID{UUID: root, Valid: true}, changes[0].Record.ParentID)
}

func TestChangeKind(t *testing.T) {
	assert.True(t, store.ChangeReplace.MustExist())
	assert.True(t, store.ChangeRemove.MustExist())
	assert.False(t, store.ChangeInsert.MustExist())
	assert.False(t, store.ChangeAbsent.MustExist())
	assert.Equal(t, "absent", store.ChangeAbsent.String())
}

func TestChildEvent(t *testing.T) {
	root, id := uuid.New(), uuid.New()
	ev := store.ChildEvent(aggregate.Record{ID: id, RootID: root, State: lineState{Value: 4}})
	assert.Equal(t, aggregate.OpAdd, ev.Op)
	assert.Equal(t, uuid.NullUUID{UUID: root, Valid: true}, ev.ParentID)
}

func TestError(t *testing.T) {
	id := uuid.New()
	err := store.Errorf("apply", "orderState", id, store.ErrNotFound)

	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Contains(t, err.Error(), "apply orderState "+id.String())

	var se *store.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "apply", se.Op)

	assert.Nil(t, store.Errorf("apply", "", id, nil))
	assert.Equal(t, "get: rootstore: entity not found", store.Errorf("get", "", uuid.Nil, store.ErrNotFound).Error())

	tx := store.TransactionError(errors.New("commit"))
	assert.True(t, errors.Is(tx, store.ErrTransactionFailure))
	assert.Nil(t, store.TransactionError(nil))
}
