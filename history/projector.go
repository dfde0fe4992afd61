package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
)

// ErrProjectorStarted is returned by Start on a projector that is already subscribed.
var ErrProjectorStarted = errors.New("history: projector already started")

// ProjectFunc handles one source record. prov carries the record's sequence
// as EventNumber and should be passed to the AddRoot that stores the result,
// so the projection's own history points back at its source.
type ProjectFunc func(ctx context.Context, rec Record, prov aggregate.Provenance) error

// CheckpointFunc returns the last source sequence a projection already handled.
type CheckpointFunc func(ctx context.Context) (int64, error)

// Projector keeps a derived root type up to date from another type's log.
type Projector struct {
	engine     *Engine
	stateType  string
	project    ProjectFunc
	checkpoint CheckpointFunc
	initiator  uuid.UUID

	mu     sync.Mutex
	id     SubscriptionID
	active bool
}

// ProjectorOption configures a Projector.
type ProjectorOption func(*Projector)

// WithCheckpoint resumes after the sequence fn returns instead of after the
// source's current max sequence.
func WithCheckpoint(fn CheckpointFunc) ProjectorOption {
	return func(p *Projector) {
		p.checkpoint = fn
	}
}

// WithInitiator sets the initiator of the provenance handed to project.
func WithInitiator(id uuid.UUID) ProjectorOption {
	return func(p *Projector) {
		p.initiator = id
	}
}

// NewProjector creates a projector of stateType records.
func NewProjector(engine *Engine, stateType string, project ProjectFunc, opts ...ProjectorOption) *Projector {
	p := &Projector{
		engine:    engine,
		stateType: stateType,
		project:   project,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start subscribes the projector. Without a checkpoint only records appended
// after Start are projected.
func (p *Projector) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return ErrProjectorStarted
	}

	from, err := p.from(ctx)
	if err != nil {
		return fmt.Errorf("projector %s: %w", p.stateType, err)
	}
	id, err := p.engine.Subscribe(ctx, p.stateType, from, func(ctx context.Context, rec Record) error {
		prov := aggregate.NewProvenance(p.initiator).WithEventNumber(rec.Seq)
		return p.project(ctx, rec, prov)
	})
	if err != nil {
		return fmt.Errorf("projector %s: %w", p.stateType, err)
	}
	p.id = id
	p.active = true
	return nil
}

func (p *Projector) from(ctx context.Context) (int64, error) {
	if p.checkpoint != nil {
		return p.checkpoint(ctx)
	}
	return p.engine.GetMaxSequenceNumber(ctx, p.stateType)
}

// Stop unsubscribes the projector. It reports whether it was running.
func (p *Projector) Stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return false
	}
	p.active = false
	return p.engine.Unsubscribe(p.stateType, p.id)
}
