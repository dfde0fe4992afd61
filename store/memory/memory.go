// Package memory provides a process-local implementation of store.Store.
//
// Every id, root or child, is indexed to its owning root record, so lookups
// are O(1) regardless of depth. Mutations of one root are serialized by that
// root's mutex; the index is split into lock stripes so that operations on
// different roots do not contend.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/internal/shard"
	"github.com/jacentio/rootstore/store"
)

// DefaultStripes is the number of index lock stripes used by New.
const DefaultStripes = 64

type rootRecord struct {
	id uuid.UUID

	mu       sync.Mutex
	root     aggregate.Record
	children map[uuid.UUID]aggregate.Record
	order    []uuid.UUID
	deleted  bool
}

func (r *rootRecord) find(id uuid.UUID) (aggregate.Record, bool) {
	if id == r.id {
		return r.root, true
	}
	rec, ok := r.children[id]
	return rec, ok
}

func (r *rootRecord) removeChild(id uuid.UUID) {
	delete(r.children, id)
	for i, c := range r.order {
		if c == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

type stripe struct {
	mu    sync.RWMutex
	index map[uuid.UUID]*rootRecord
}

// Store keeps aggregates in memory. It never blocks on I/O.
type Store struct {
	stripes []*stripe
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStripes sets the number of index lock stripes.
func WithStripes(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}
		s.stripes = newStripes(n)
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		stripes: newStripes(DefaultStripes),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newStripes(n int) []*stripe {
	stripes := make([]*stripe, n)
	for i := range stripes {
		stripes[i] = &stripe{index: make(map[uuid.UUID]*rootRecord)}
	}
	return stripes
}

var _ store.Store = (*Store)(nil)

func (s *Store) stripeOf(id uuid.UUID) int {
	return shard.Index(id.String(), len(s.stripes))
}

// lookup returns the root record owning id, if any.
func (s *Store) lookup(id uuid.UUID) *rootRecord {
	st := s.stripes[s.stripeOf(id)]
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.index[id]
}

// lockIndex write-locks the stripes covering ids in ascending order.
// Callers holding a root mutex must take it before calling lockIndex.
func (s *Store) lockIndex(ids []uuid.UUID) func() {
	seen := make(map[int]bool, len(ids))
	var idx []int
	for _, id := range ids {
		i := s.stripeOf(id)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.stripes[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.stripes[idx[j]].mu.Unlock()
		}
	}
}

// indexed reads the index entry for id. The covering stripe must be locked.
func (s *Store) indexed(id uuid.UUID) (*rootRecord, bool) {
	rec, ok := s.stripes[s.stripeOf(id)].index[id]
	return rec, ok
}

func (s *Store) setIndex(id uuid.UUID, rec *rootRecord) {
	s.stripes[s.stripeOf(id)].index[id] = rec
}

func (s *Store) dropIndex(id uuid.UUID) {
	delete(s.stripes[s.stripeOf(id)].index, id)
}

// Get returns the state of the entity with the given id and state type.
func (s *Store) Get(_ context.Context, stateType string, id uuid.UUID) (aggregate.State, error) {
	rec := s.lookup(id)
	if rec == nil {
		return nil, store.Errorf("get", stateType, id, store.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	r, ok := rec.find(id)
	if rec.deleted || !ok || r.State.StateName() != stateType {
		return nil, store.Errorf("get", stateType, id, store.ErrNotFound)
	}
	return r.State, nil
}

// GetByRoot returns a root and its children in insertion order.
func (s *Store) GetByRoot(_ context.Context, stateType string, rootID uuid.UUID) (*store.Snapshot, error) {
	rec := s.lookup(rootID)
	if rec == nil || rec.id != rootID {
		return nil, store.Errorf("get by root", stateType, rootID, store.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted || rec.root.State.StateName() != stateType {
		return nil, store.Errorf("get by root", stateType, rootID, store.ErrNotFound)
	}

	snap := &store.Snapshot{
		Root:     rec.root,
		Children: make(aggregate.Records, 0, len(rec.order)),
	}
	for _, id := range rec.order {
		snap.Children = append(snap.Children, rec.children[id])
	}
	return snap, nil
}

// AddRoot stores a new root and its initial children.
func (s *Store) AddRoot(_ context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance, events ...aggregate.Event) error {
	if state == nil {
		return store.Errorf("add root", "", id, store.ErrTypeMapping)
	}
	changes, err := store.Plan(id, store.RootEvents(id, state, events))
	if err != nil {
		return err
	}

	ids := make([]uuid.UUID, len(changes))
	for i, c := range changes {
		ids[i] = c.Record.ID
	}
	unlock := s.lockIndex(ids)
	defer unlock()

	for _, c := range changes {
		if c.Kind.MustExist() {
			return store.Errorf("add root", c.StateType(), c.Record.ID, store.ErrNotFound)
		}
		if _, ok := s.indexed(c.Record.ID); ok {
			return store.Errorf("add root", c.StateType(), c.Record.ID, store.ErrDuplicateID)
		}
	}

	rec := &rootRecord{
		id:       id,
		children: make(map[uuid.UUID]aggregate.Record),
	}
	for _, c := range changes {
		if c.Kind != store.ChangeInsert {
			continue
		}
		if c.Record.ID == id {
			rec.root = c.Record
		} else {
			rec.children[c.Record.ID] = c.Record
			rec.order = append(rec.order, c.Record.ID)
		}
		s.setIndex(c.Record.ID, rec)
	}

	s.logger.Debug("root added",
		zap.String("state_type", state.StateName()),
		zap.Stringer("root_id", id),
		zap.Int("children", len(rec.order)),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// DeleteRoot removes a root and all of its children.
func (s *Store) DeleteRoot(_ context.Context, stateType string, rootID uuid.UUID, prov aggregate.Provenance) error {
	rec := s.lookup(rootID)
	if rec == nil || rec.id != rootID {
		return store.Errorf("delete root", stateType, rootID, store.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted || rec.root.State.StateName() != stateType {
		return store.Errorf("delete root", stateType, rootID, store.ErrNotFound)
	}

	ids := append([]uuid.UUID{rootID}, rec.order...)
	unlock := s.lockIndex(ids)
	for _, id := range ids {
		s.dropIndex(id)
	}
	unlock()
	rec.deleted = true

	s.logger.Debug("root deleted",
		zap.String("state_type", stateType),
		zap.Stringer("root_id", rootID),
		zap.Int("children", len(rec.order)),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// Add stores a single child record.
func (s *Store) Add(ctx context.Context, rec aggregate.Record, prov aggregate.Provenance) error {
	return s.Apply(ctx, rec.RootID, []aggregate.Event{store.ChildEvent(rec)}, prov)
}

// Update replaces the state of an existing entity.
func (s *Store) Update(ctx context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance) error {
	rec := s.lookup(id)
	if rec == nil {
		return store.Errorf("update", "", id, store.ErrNotFound)
	}
	return s.Apply(ctx, rec.id, []aggregate.Event{{EntityID: id, Op: aggregate.OpUpdate, State: state}}, prov)
}

// Delete removes a single child.
func (s *Store) Delete(ctx context.Context, stateType string, id uuid.UUID, prov aggregate.Provenance) error {
	rec := s.lookup(id)
	if rec == nil {
		return store.Errorf("delete", stateType, id, store.ErrNotFound)
	}
	if rec.id == id {
		return store.Errorf("delete", stateType, id, store.ErrRootDeletionForbidden)
	}

	rec.mu.Lock()
	existing, ok := rec.find(id)
	rec.mu.Unlock()
	if !ok || existing.State.StateName() != stateType {
		return store.Errorf("delete", stateType, id, store.ErrNotFound)
	}

	return s.Apply(ctx, rec.id, []aggregate.Event{{
		EntityID: id,
		ParentID: existing.ParentID,
		Op:       aggregate.OpDelete,
		State:    existing.State,
	}}, prov)
}

// Apply validates the whole batch against the current state, then commits it.
// On any violation nothing is changed.
func (s *Store) Apply(_ context.Context, rootID uuid.UUID, events []aggregate.Event, prov aggregate.Provenance) error {
	if len(events) == 0 {
		return nil
	}
	changes, err := store.Plan(rootID, events)
	if err != nil {
		return err
	}

	rec := s.lookup(rootID)
	if rec == nil || rec.id != rootID {
		return store.Errorf("apply", "", rootID, store.ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.deleted {
		return store.Errorf("apply", "", rootID, store.ErrNotFound)
	}

	ids := make([]uuid.UUID, len(changes))
	for i, c := range changes {
		ids[i] = c.Record.ID
	}
	unlock := s.lockIndex(ids)
	defer unlock()

	for _, c := range changes {
		owner, ok := s.indexed(c.Record.ID)
		if !c.Kind.MustExist() {
			if ok {
				return store.Errorf("apply", c.StateType(), c.Record.ID, store.ErrDuplicateID)
			}
			continue
		}
		if !ok || owner != rec {
			return store.Errorf("apply", c.StateType(), c.Record.ID, store.ErrNotFound)
		}
		if existing, _ := rec.find(c.Record.ID); existing.State.StateName() != c.StateType() {
			return store.Errorf("apply", c.StateType(), c.Record.ID, store.ErrTypeMapping)
		}
	}

	for _, c := range changes {
		id := c.Record.ID
		switch c.Kind {
		case store.ChangeInsert:
			rec.children[id] = c.Record
			rec.order = append(rec.order, id)
			s.setIndex(id, rec)
		case store.ChangeReplace:
			if id == rootID {
				rec.root.State = c.Record.State
				continue
			}
			existing := rec.children[id]
			existing.State = c.Record.State
			rec.children[id] = existing
		case store.ChangeRemove:
			rec.removeChild(id)
			s.dropIndex(id)
		}
	}

	s.logger.Debug("batch applied",
		zap.Stringer("root_id", rootID),
		zap.Int("events", len(events)),
		zap.Int("changes", len(changes)),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}
