package store

import (
	"fmt"
	"sort"

	"github.com/jacentio/rootstore/aggregate"
)

// TypeInfo describes how a backend stores one state type.
type TypeInfo struct {
	// Name is the state type name returned by StateName.
	Name string

	// Table overrides the table or collection name derived from Name.
	Table string

	// Fields is the ordered list of state fields stored as relational columns.
	Fields []string

	decode func(fill func(target any) error) (aggregate.State, error)
}

// Describe builds the TypeInfo for state type S with the given field list.
// S must be a value type whose zero value answers StateName.
func Describe[S aggregate.State](fields ...string) TypeInfo {
	var zero S
	return TypeInfo{
		Name:   zero.StateName(),
		Fields: fields,
		decode: func(fill func(target any) error) (aggregate.State, error) {
			var s S
			if err := fill(&s); err != nil {
				return nil, err
			}
			return s, nil
		},
	}
}

// Raw is a state decoded without a Go type, keyed by field name.
type Raw struct {
	Type   string
	Fields map[string]any
}

// StateName returns the type name the state was stored under.
func (r Raw) StateName() string {
	return r.Type
}

// Dynamic builds a TypeInfo that decodes states of the named type into Raw.
func Dynamic(name string, fields ...string) TypeInfo {
	return TypeInfo{
		Name:   name,
		Fields: fields,
		decode: func(fill func(target any) error) (aggregate.State, error) {
			m := map[string]any{}
			if err := fill(&m); err != nil {
				return nil, err
			}
			return Raw{Type: name, Fields: m}, nil
		},
	}
}

// Decode creates a new state value and lets fill populate it.
func (t TypeInfo) Decode(fill func(target any) error) (aggregate.State, error) {
	if t.decode == nil {
		return nil, fmt.Errorf("%w: %s has no decoder", ErrTypeMapping, t.Name)
	}
	state, err := t.decode(fill)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrTypeMapping, t.Name, err)
	}
	return state, nil
}

// Relationship declares that roots of RootType own children of ChildType.
type Relationship struct {
	// RootType is the root state type (e.g., "OrderState").
	RootType string

	// ChildType is the child state type (e.g., "LineState").
	ChildType string
}

// Registry maps state type names to their storage descriptions and
// root-to-child relationships. Populate it at startup; it is read-only
// afterwards and safe to share.
type Registry struct {
	types  map[string]TypeInfo
	byRoot map[string][]Relationship
	rootOf map[string]string
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		types:  make(map[string]TypeInfo),
		byRoot: make(map[string][]Relationship),
		rootOf: make(map[string]string),
	}
}

// Register adds type descriptions to the registry.
func (r *Registry) Register(infos ...TypeInfo) {
	for _, info := range infos {
		r.types[info.Name] = info
	}
}

// Relate adds a root-to-child relationship. A child type belongs to exactly
// one root type.
func (r *Registry) Relate(rel Relationship) error {
	if rel.RootType == rel.ChildType {
		return fmt.Errorf("%w: %s cannot own itself", ErrTypeMapping, rel.RootType)
	}
	if owner, ok := r.rootOf[rel.ChildType]; ok {
		if owner == rel.RootType {
			return nil
		}
		return fmt.Errorf("%w: %s already belongs to %s", ErrTypeMapping, rel.ChildType, owner)
	}
	if _, ok := r.rootOf[rel.RootType]; ok {
		return fmt.Errorf("%w: %s is a child type", ErrTypeMapping, rel.RootType)
	}
	r.byRoot[rel.RootType] = append(r.byRoot[rel.RootType], rel)
	r.rootOf[rel.ChildType] = rel.RootType
	return nil
}

// Lookup returns the description of a state type.
func (r *Registry) Lookup(name string) (TypeInfo, error) {
	info, ok := r.types[name]
	if !ok {
		return TypeInfo{}, fmt.Errorf("%w: %q", ErrTypeMapping, name)
	}
	return info, nil
}

// ChildrenOf returns all child relationships for a given root type.
func (r *Registry) ChildrenOf(rootType string) []Relationship {
	return r.byRoot[rootType]
}

// RootOf returns the root type that owns childType.
func (r *Registry) RootOf(childType string) (string, bool) {
	root, ok := r.rootOf[childType]
	return root, ok
}

// IsRoot reports whether name is registered and not owned by another type.
func (r *Registry) IsRoot(name string) bool {
	if _, ok := r.types[name]; !ok {
		return false
	}
	_, child := r.rootOf[name]
	return !child
}

// HasChildren returns true if the root type has any registered child relationships.
func (r *Registry) HasChildren(rootType string) bool {
	return len(r.byRoot[rootType]) > 0
}

// Types returns every registered type, sorted by name.
func (r *Registry) Types() []TypeInfo {
	out := make([]TypeInfo, 0, len(r.types))
	for _, info := range r.types {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RootTypeOf resolves the root type that a batch of changes belongs to.
// Every change must resolve to the same root type.
func (r *Registry) RootTypeOf(changes []Change) (string, error) {
	var root string
	for _, c := range changes {
		name := c.StateType()
		candidate := name
		if !r.IsRoot(name) {
			owner, ok := r.RootOf(name)
			if !ok {
				return "", fmt.Errorf("%w: %q has no owning root type", ErrTypeMapping, name)
			}
			candidate = owner
		}
		if root != "" && root != candidate {
			return "", fmt.Errorf("%w: batch mixes %s and %s aggregates", ErrTypeMapping, root, candidate)
		}
		root = candidate
	}
	if root == "" {
		return "", fmt.Errorf("%w: empty batch", ErrTypeMapping)
	}
	return root, nil
}
