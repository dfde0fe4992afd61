package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateID is returned when adding an entity whose id already exists.
	ErrDuplicateID = errors.New("rootstore: entity already exists")

	// ErrNotFound is returned when an entity doesn't exist.
	ErrNotFound = errors.New("rootstore: entity not found")

	// ErrRootDeletionForbidden is returned when a root is deleted through the child path.
	ErrRootDeletionForbidden = errors.New("rootstore: root cannot be deleted")

	// ErrConstruction is returned when an aggregate cannot be rebuilt from stored state.
	ErrConstruction = errors.New("rootstore: cannot construct aggregate")

	// ErrTypeMapping is returned when a state type has no registered mapping.
	ErrTypeMapping = errors.New("rootstore: state type not mapped")

	// ErrTransactionFailure is returned when the backend fails to commit or roll back.
	ErrTransactionFailure = errors.New("rootstore: transaction failed")

	// ErrBatchTooLarge is returned when a batch exceeds the backend's transaction limit.
	ErrBatchTooLarge = errors.New("rootstore: batch too large")
)

// Error adds operation context to one of the package errors.
type Error struct {
	Op        string
	StateType string
	ID        uuid.UUID
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.StateType != "" && e.ID != uuid.Nil:
		return fmt.Sprintf("%s %s %s: %v", e.Op, e.StateType, e.ID, e.Err)
	case e.ID != uuid.Nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
	case e.StateType != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.StateType, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf wraps err with operation context.
func Errorf(op, stateType string, id uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, StateType: stateType, ID: id, Err: err}
}

// TransactionError wraps a backend commit or rollback failure so that it
// matches ErrTransactionFailure while keeping the driver error.
func TransactionError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransactionFailure, err)
}
