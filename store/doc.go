// Package store defines the persistence contract for aggregates and the
// policy shared by every backend.
//
// Backends live in subpackages:
//
//   - store/memory - process-local maps with per-root locking
//   - store/sqlstore - relational tables through GORM
//   - store/dynamo - DynamoDB tables with a per-type history log
//
// # Apply protocol
//
// [Store.Apply] takes the events drained from one aggregate and commits them
// as a single unit. [Plan] folds a batch into one [Change] per entity and
// rejects batches that contradict themselves, so every backend reports the
// same error for the same input:
//
//   - adding an id that exists fails with [ErrDuplicateID]
//   - updating or deleting an unknown id fails with [ErrNotFound]
//   - deleting the root through the child path fails with [ErrRootDeletionForbidden]
//
// # Type registry
//
// Backends that serialize state need an explicit [Registry]:
//
//	reg := store.NewRegistry()
//	reg.Register(
//	    store.Describe[OrderState]("Number", "Text"),
//	    store.Describe[LineState]("Value"),
//	)
//	_ = reg.Relate(store.Relationship{RootType: "OrderState", ChildType: "LineState"})
//
// # Errors
//
//   - [ErrNotFound] - entity doesn't exist
//   - [ErrDuplicateID] - entity with ID already exists
//   - [ErrRootDeletionForbidden] - root deleted through the child path
//   - [ErrConstruction] - aggregate cannot be rebuilt
//   - [ErrTypeMapping] - state type not registered or not decodable
//   - [ErrTransactionFailure] - backend commit or rollback failed
//   - [ErrBatchTooLarge] - batch exceeds the backend's transaction limit
//
// Errors are wrapped in [*Error] with the operation, state type and id;
// match them with errors.Is.
package store
