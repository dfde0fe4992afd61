// Package repository loads and saves whole aggregates through a store.Store.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/store"
)

// Aggregate is what a Repository persists: a root with a drainable tracker.
// Any type embedding aggregate.Root[S] satisfies it.
type Aggregate[S aggregate.State] interface {
	ID() uuid.UUID
	State() S
	Drain() []aggregate.Event
	HasPendingEvents() bool
}

// Repository persists aggregates of type R whose root state is S.
type Repository[R Aggregate[S], S aggregate.State] struct {
	store     store.Store
	factory   *Factory[R, S]
	stateType string
	logger    *zap.Logger
}

// Option configures a Repository.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Repository backed by s that rebuilds aggregates with factory.
func New[R Aggregate[S], S aggregate.State](s store.Store, factory *Factory[R, S], opts ...Option) *Repository[R, S] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	var zero S
	return &Repository[R, S]{
		store:     s,
		factory:   factory,
		stateType: zero.StateName(),
		logger:    o.logger.With(zap.String("state_type", zero.StateName())),
	}
}

// Get loads the aggregate rooted at id. A missing root returns store.ErrNotFound.
func (r *Repository[R, S]) Get(ctx context.Context, id uuid.UUID) (R, error) {
	var zero R

	snap, err := r.store.GetByRoot(ctx, r.stateType, id)
	if err != nil {
		return zero, err
	}
	agg, err := r.factory.Create(snap.Root, snap.Children)
	if err != nil {
		return zero, err
	}

	r.logger.Debug("aggregate loaded", zap.Stringer("root_id", id), zap.Int("children", len(snap.Children)))
	return agg, nil
}

// Add persists a new aggregate. Children added before the call are stored in
// the same transaction as the root.
func (r *Repository[R, S]) Add(ctx context.Context, root R, prov aggregate.Provenance) error {
	var events []aggregate.Event
	if root.HasPendingEvents() {
		events = root.Drain()
	}
	if err := r.store.AddRoot(ctx, root.ID(), root.State(), prov, events...); err != nil {
		return err
	}

	r.logger.Debug("aggregate added", zap.Stringer("root_id", root.ID()), zap.Int("events", len(events)))
	return nil
}

// Update applies every pending change of root as one batch. With nothing
// pending the store is not called. Drained events are gone even if the
// store rejects the batch; reload the aggregate before retrying.
func (r *Repository[R, S]) Update(ctx context.Context, root R, prov aggregate.Provenance) error {
	if !root.HasPendingEvents() {
		return nil
	}
	events := root.Drain()
	if len(events) == 0 {
		return nil
	}
	if err := r.store.Apply(ctx, root.ID(), events, prov); err != nil {
		return err
	}

	r.logger.Debug("aggregate updated", zap.Stringer("root_id", root.ID()), zap.Int("events", len(events)))
	return nil
}

// Delete removes the aggregate and all of its children.
func (r *Repository[R, S]) Delete(ctx context.Context, root R, prov aggregate.Provenance) error {
	if err := r.store.DeleteRoot(ctx, r.stateType, root.ID(), prov); err != nil {
		return err
	}

	r.logger.Debug("aggregate deleted", zap.Stringer("root_id", root.ID()))
	return nil
}

// Factory rebuilds aggregates from stored records.
type Factory[R Aggregate[S], S aggregate.State] struct {
	fn func(id uuid.UUID, state S, records aggregate.Records) (R, error)
}

// NewFactory registers the rehydration function for R.
func NewFactory[R Aggregate[S], S aggregate.State](fn func(id uuid.UUID, state S, records aggregate.Records) (R, error)) *Factory[R, S] {
	return &Factory[R, S]{fn: fn}
}

// Create rebuilds an aggregate from its root record and child records.
func (f *Factory[R, S]) Create(root aggregate.Record, children aggregate.Records) (R, error) {
	var zero R
	if f == nil || f.fn == nil {
		var s S
		return zero, store.Errorf("create", s.StateName(), root.ID, fmt.Errorf("%w: no rehydration function", store.ErrConstruction))
	}

	state, ok := root.State.(S)
	if !ok {
		var s S
		return zero, store.Errorf("create", s.StateName(), root.ID, fmt.Errorf("%w: stored state is %T", store.ErrConstruction, root.State))
	}

	agg, err := f.fn(root.ID, state, children)
	if err != nil {
		if errors.Is(err, store.ErrConstruction) {
			return zero, err
		}
		return zero, store.Errorf("create", state.StateName(), root.ID, fmt.Errorf("%w: %w", store.ErrConstruction, err))
	}
	return agg, nil
}
