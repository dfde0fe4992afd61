// Package history delivers committed history records to subscribers.
//
// A backend that keeps a history log (see store/dynamo) appends one record
// per added root, numbered gaplessly from 1 within its state type. A Poller
// reads one type's log in order and hands every record to each subscription
// exactly once per successful delivery. An Engine owns the pollers of a
// process and runs them.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jacentio/rootstore/aggregate"
)

// NoSequence means "no record". It is the cursor of a poller that has seen
// nothing and the max sequence of an empty log.
const NoSequence int64 = -1

// Kind is what a history record describes.
type Kind string

const (
	// KindRootAdded is appended when a root is added.
	KindRootAdded Kind = "RootAdded"
	// KindRootDeleted is appended when a root is deleted, if the backend records deletions.
	KindRootDeleted Kind = "RootDeleted"
)

// Record is one entry of a state type's history log.
type Record struct {
	Seq       int64
	StateType string
	Kind      Kind
	RootID    uuid.UUID

	// SourceEventNumber is the upstream record that caused this one, if any.
	SourceEventNumber *int64

	State      aggregate.State
	RecordedAt time.Time
}

// Source reads a history log.
type Source interface {
	// ReadHistory returns up to limit records of stateType with Seq > after,
	// in ascending order.
	ReadHistory(ctx context.Context, stateType string, after int64, limit int) ([]Record, error)

	// MaxSequence returns the highest stored sequence of stateType, or
	// NoSequence when the log is empty.
	MaxSequence(ctx context.Context, stateType string) (int64, error)
}
