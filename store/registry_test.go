package store_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/store"
)

type orderState struct {
	Number int
	Text   string
}

func (orderState) StateName() string { return "orderState" }

type lineState struct {
	Value float64
}

func (lineState) StateName() string { return "lineState" }

type noteState struct {
	Body string
}

func (noteState) StateName() string { return "noteState" }

func newRegistry(t *testing.T) *store.Registry {
	t.Helper()
	r := store.NewRegistry()
	r.Register(
		store.Describe[orderState]("Number", "Text"),
		store.Describe[lineState]("Value"),
		store.Describe[noteState]("Body"),
	)
	if err := r.Relate(store.Relationship{RootType: "orderState", ChildType: "lineState"}); err != nil {
		t.Fatalf("relate: %v", err)
	}
	return r
}

func TestNewRegistry(t *testing.T) {
	r := store.NewRegistry()
	if r == nil {
		t.Fatal("expected non-nil Registry")
	}
	if r.HasChildren("orderState") {
		t.Error("expected no relationships in an empty registry")
	}
}

func TestDescribe(t *testing.T) {
	info := store.Describe[orderState]("Number", "Text")
	if info.Name != "orderState" {
		t.Errorf("expected name 'orderState', got %q", info.Name)
	}
	if len(info.Fields) != 2 || info.Fields[0] != "Number" {
		t.Errorf("unexpected fields %v", info.Fields)
	}

	state, err := info.Decode(func(target any) error {
		target.(*orderState).Number = 5
		return nil
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state != (orderState{Number: 5}) {
		t.Errorf("unexpected state %#v", state)
	}
}

func TestDecode_WrapsFailure(t *testing.T) {
	info := store.Describe[orderState]()
	_, err := info.Decode(func(any) error { return errors.New("boom") })
	if !errors.Is(err, store.ErrTypeMapping) {
		t.Errorf("expected ErrTypeMapping, got %v", err)
	}

	var empty store.TypeInfo
	if _, err := empty.Decode(func(any) error { return nil }); !errors.Is(err, store.ErrTypeMapping) {
		t.Errorf("expected ErrTypeMapping for missing decoder, got %v", err)
	}
}

func TestDynamic(t *testing.T) {
	info := store.Dynamic("orderState")
	state, err := info.Decode(func(target any) error {
		(*target.(*map[string]any))["Number"] = 3
		return nil
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, ok := state.(store.Raw)
	if !ok {
		t.Fatalf("expected store.Raw, got %T", state)
	}
	if raw.StateName() != "orderState" || raw.Fields["Number"] != 3 {
		t.Errorf("unexpected raw state %#v", raw)
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := newRegistry(t)

	if _, err := r.Lookup("lineState"); err != nil {
		t.Errorf("expected lineState to be registered, got %v", err)
	}
	if _, err := r.Lookup("missing"); !errors.Is(err, store.ErrTypeMapping) {
		t.Errorf("expected ErrTypeMapping, got %v", err)
	}
}

func TestRegistry_ChildrenOf(t *testing.T) {
	r := newRegistry(t)

	children := r.ChildrenOf("orderState")
	if len(children) != 1 {
		t.Fatalf("expected 1 child for orderState, got %d", len(children))
	}
	if children[0].ChildType != "lineState" {
		t.Errorf("expected child type 'lineState', got %q", children[0].ChildType)
	}
	if len(r.ChildrenOf("lineState")) != 0 {
		t.Error("expected lineState to have no children")
	}
	if !r.HasChildren("orderState") || r.HasChildren("noteState") {
		t.Error("unexpected HasChildren result")
	}
}

func TestRegistry_RootOf(t *testing.T) {
	r := newRegistry(t)

	root, ok := r.RootOf("lineState")
	if !ok || root != "orderState" {
		t.Errorf("expected orderState, got %q (%v)", root, ok)
	}
	if _, ok := r.RootOf("orderState"); ok {
		t.Error("expected orderState to have no owner")
	}
	if !r.IsRoot("orderState") || !r.IsRoot("noteState") {
		t.Error("expected orderState and noteState to be roots")
	}
	if r.IsRoot("lineState") || r.IsRoot("missing") {
		t.Error("expected lineState and missing not to be roots")
	}
}

func TestRegistry_Relate_Conflicts(t *testing.T) {
	r := newRegistry(t)

	tests := []struct {
		name string
		rel  store.Relationship
		ok   bool
	}{
		{"same relationship again", store.Relationship{RootType: "orderState", ChildType: "lineState"}, true},
		{"child of a second root", store.Relationship{RootType: "noteState", ChildType: "lineState"}, false},
		{"child type as root", store.Relationship{RootType: "lineState", ChildType: "noteState"}, false},
		{"self", store.Relationship{RootType: "noteState", ChildType: "noteState"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Relate(tt.rel)
			if tt.ok && err != nil {
				t.Errorf("expected success, got %v", err)
			}
			if !tt.ok && !errors.Is(err, store.ErrTypeMapping) {
				t.Errorf("expected ErrTypeMapping, got %v", err)
			}
		})
	}
	if got := r.ChildrenOf("orderState"); len(got) != 1 {
		t.Errorf("expected 1 relationship, got %d", len(got))
	}
}

func TestRegistry_Types_Sorted(t *testing.T) {
	r := newRegistry(t)
	types := r.Types()
	if len(types) != 3 {
		t.Fatalf("expected 3 types, got %d", len(types))
	}
	if types[0].Name != "lineState" || types[2].Name != "orderState" {
		t.Errorf("unexpected order: %s, %s, %s", types[0].Name, types[1].Name, types[2].Name)
	}
}

func TestRegistry_RootTypeOf(t *testing.T) {
	r := newRegistry(t)
	root := uuid.New()
	parent := uuid.NullUUID{UUID: root, Valid: true}

	changes, err := store.Plan(root, []aggregate.Event{
		{EntityID: root, Op: aggregate.OpUpdate, State: orderState{Number: 2}},
		{EntityID: uuid.New(), ParentID: parent, Op: aggregate.OpAdd, State: lineState{Value: 1}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got, err := r.RootTypeOf(changes)
	if err != nil || got != "orderState" {
		t.Errorf("expected orderState, got %q (%v)", got, err)
	}

	mixed, _ := store.Plan(root, []aggregate.Event{
		{EntityID: uuid.New(), ParentID: parent, Op: aggregate.OpAdd, State: lineState{}},
		{EntityID: uuid.New(), ParentID: parent, Op: aggregate.OpAdd, State: noteState{}},
	})
	if _, err := r.RootTypeOf(mixed); !errors.Is(err, store.ErrTypeMapping) {
		t.Errorf("expected ErrTypeMapping for mixed batch, got %v", err)
	}

	if _, err := r.RootTypeOf(nil); !errors.Is(err, store.ErrTypeMapping) {
		t.Errorf("expected ErrTypeMapping for empty batch, got %v", err)
	}
}
