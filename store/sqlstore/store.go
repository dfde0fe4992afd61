// Package sqlstore implements store.Store on relational tables through GORM.
//
// Each state type has its own table with the fixed columns id, root_id and
// parent_id (uuid strings) followed by the columns a Mapper derives from the
// state. Every mutating call runs in one transaction that starts by locking
// the root row, so concurrent batches against one root serialize in the
// database.
package sqlstore

import (
	"context"
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/internal/retry"
	"github.com/jacentio/rootstore/store"
)

const (
	colID     = "id"
	colRootID = "root_id"
	colParent = "parent_id"
)

// Store is a store.Store over a *gorm.DB.
type Store struct {
	db     *gorm.DB
	reg    *store.Registry
	mapper Mapper
	retry  retry.Config
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMapper replaces the default registry-based Mapper.
func WithMapper(m Mapper) Option {
	return func(s *Store) {
		s.mapper = m
	}
}

// WithRetry sets the retry policy for transactions.
func WithRetry(c retry.Config) Option {
	return func(s *Store) {
		s.retry = c
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Store. reg must describe every stored type and relationship.
func New(db *gorm.DB, reg *store.Registry, opts ...Option) *Store {
	s := &Store{
		db:     db,
		reg:    reg,
		retry:  retry.DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mapper == nil {
		s.mapper = NewMapper(reg)
	}
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// transaction runs fn in a transaction, retrying deadlocks. Failures that are
// not store errors surface as ErrTransactionFailure.
func (s *Store) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.conn(ctx).Transaction(fn)
	})
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return store.TransactionError(err)
}

// Get returns the state of the entity with the given id and state type.
func (s *Store) Get(ctx context.Context, stateType string, id uuid.UUID) (aggregate.State, error) {
	rec, err := s.find(s.conn(ctx), stateType, id)
	if err != nil {
		return nil, store.Errorf("get", stateType, id, err)
	}
	return rec.State, nil
}

// GetByRoot reads the root row, then each registered child table by root_id.
func (s *Store) GetByRoot(ctx context.Context, stateType string, rootID uuid.UUID) (*store.Snapshot, error) {
	db := s.conn(ctx)

	root, err := s.find(db, stateType, rootID)
	if err == nil && !root.IsRoot() {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, store.Errorf("get by root", stateType, rootID, err)
	}

	snap := &store.Snapshot{Root: root}
	for _, rel := range s.reg.ChildrenOf(stateType) {
		table, err := s.mapper.Table(rel.ChildType)
		if err != nil {
			return nil, store.Errorf("get by root", rel.ChildType, rootID, err)
		}
		var rows []map[string]any
		if err := db.Table(table).Where("root_id = ? AND id <> ?", rootID.String(), rootID.String()).Find(&rows).Error; err != nil {
			return nil, store.Errorf("get by root", rel.ChildType, rootID, err)
		}
		for _, row := range rows {
			rec, err := s.decode(rel.ChildType, row)
			if err != nil {
				return nil, store.Errorf("get by root", rel.ChildType, rootID, err)
			}
			snap.Children = append(snap.Children, rec)
		}
	}
	return snap, nil
}

// AddRoot inserts the root row and its initial children in one transaction.
func (s *Store) AddRoot(ctx context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance, events ...aggregate.Event) error {
	if state == nil {
		return store.Errorf("add root", "", id, store.ErrTypeMapping)
	}
	all := store.RootEvents(id, state, events)
	if _, err := store.Plan(id, all); err != nil {
		return err
	}

	err := s.transaction(ctx, func(tx *gorm.DB) error {
		for _, ev := range all {
			if err := s.exec(tx, "add root", id, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("root added",
		zap.String("state_type", state.StateName()),
		zap.Stringer("root_id", id),
		zap.Int("events", len(events)),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// DeleteRoot deletes every child table's rows for the root, then the root.
func (s *Store) DeleteRoot(ctx context.Context, stateType string, rootID uuid.UUID, prov aggregate.Provenance) error {
	rootTable, err := s.mapper.Table(stateType)
	if err != nil {
		return store.Errorf("delete root", stateType, rootID, err)
	}

	err = s.transaction(ctx, func(tx *gorm.DB) error {
		if err := lockRoot(tx, rootTable, rootID); err != nil {
			return store.Errorf("delete root", stateType, rootID, err)
		}
		for _, rel := range s.reg.ChildrenOf(stateType) {
			table, err := s.mapper.Table(rel.ChildType)
			if err != nil {
				return store.Errorf("delete root", rel.ChildType, rootID, err)
			}
			if err := tx.Exec("DELETE FROM ? WHERE root_id = ?", clause.Table{Name: table}, rootID.String()).Error; err != nil {
				return err
			}
		}
		return tx.Exec("DELETE FROM ? WHERE id = ?", clause.Table{Name: rootTable}, rootID.String()).Error
	})
	if err != nil {
		return err
	}

	s.logger.Debug("root deleted",
		zap.String("state_type", stateType),
		zap.Stringer("root_id", rootID),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// Add inserts a single child row.
func (s *Store) Add(ctx context.Context, rec aggregate.Record, prov aggregate.Provenance) error {
	return s.Apply(ctx, rec.RootID, []aggregate.Event{store.ChildEvent(rec)}, prov)
}

// Update replaces the state of an existing entity.
func (s *Store) Update(ctx context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance) error {
	if state == nil {
		return store.Errorf("update", "", id, store.ErrTypeMapping)
	}
	existing, err := s.find(s.conn(ctx), state.StateName(), id)
	if err != nil {
		return store.Errorf("update", state.StateName(), id, err)
	}
	return s.Apply(ctx, existing.RootID, []aggregate.Event{{
		EntityID: id,
		ParentID: existing.ParentID,
		Op:       aggregate.OpUpdate,
		State:    state,
	}}, prov)
}

// Delete removes a single child row.
func (s *Store) Delete(ctx context.Context, stateType string, id uuid.UUID, prov aggregate.Provenance) error {
	existing, err := s.find(s.conn(ctx), stateType, id)
	if err != nil {
		return store.Errorf("delete", stateType, id, err)
	}
	if existing.IsRoot() {
		return store.Errorf("delete", stateType, id, store.ErrRootDeletionForbidden)
	}
	return s.Apply(ctx, existing.RootID, []aggregate.Event{{
		EntityID: id,
		ParentID: existing.ParentID,
		Op:       aggregate.OpDelete,
		State:    existing.State,
	}}, prov)
}

// Apply locks the root row and executes each event's statement in order.
func (s *Store) Apply(ctx context.Context, rootID uuid.UUID, events []aggregate.Event, prov aggregate.Provenance) error {
	if len(events) == 0 {
		return nil
	}
	changes, err := store.Plan(rootID, events)
	if err != nil {
		return err
	}
	rootType, err := s.reg.RootTypeOf(changes)
	if err != nil {
		return store.Errorf("apply", "", rootID, err)
	}
	rootTable, err := s.mapper.Table(rootType)
	if err != nil {
		return store.Errorf("apply", rootType, rootID, err)
	}

	err = s.transaction(ctx, func(tx *gorm.DB) error {
		if err := lockRoot(tx, rootTable, rootID); err != nil {
			return store.Errorf("apply", rootType, rootID, err)
		}
		for _, ev := range events {
			if err := s.exec(tx, "apply", rootID, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("batch applied",
		zap.Stringer("root_id", rootID),
		zap.Int("events", len(events)),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// lockRoot takes a row lock on the root and fails with ErrNotFound if it is
// missing.
func lockRoot(tx *gorm.DB, table string, rootID uuid.UUID) error {
	res := tx.Table(table).
		Where("id = ? AND root_id = ?", rootID.String(), rootID.String()).
		Update(colRootID, gorm.Expr(colRootID))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// exec runs the statement for one event.
func (s *Store) exec(tx *gorm.DB, op string, rootID uuid.UUID, ev aggregate.Event) error {
	stateType := ev.StateName()
	table, err := s.mapper.Table(stateType)
	if err != nil {
		return store.Errorf(op, stateType, ev.EntityID, err)
	}

	switch ev.Op {
	case aggregate.OpAdd:
		row, err := s.row(ev.State)
		if err != nil {
			return store.Errorf(op, stateType, ev.EntityID, err)
		}
		row[colID] = ev.EntityID.String()
		row[colRootID] = rootID.String()
		row[colParent] = parentValue(rootID, ev)
		if err := tx.Table(table).Create(row).Error; err != nil {
			if isDuplicate(err) {
				return store.Errorf(op, stateType, ev.EntityID, store.ErrDuplicateID)
			}
			return err
		}

	case aggregate.OpUpdate:
		row, err := s.row(ev.State)
		if err != nil {
			return store.Errorf(op, stateType, ev.EntityID, err)
		}
		row[colRootID] = rootID.String()
		res := tx.Table(table).
			Where("id = ? AND root_id = ?", ev.EntityID.String(), rootID.String()).
			Updates(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.Errorf(op, stateType, ev.EntityID, store.ErrNotFound)
		}

	case aggregate.OpDelete:
		res := tx.Exec("DELETE FROM ? WHERE id = ? AND root_id = ?",
			clause.Table{Name: table}, ev.EntityID.String(), rootID.String())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return store.Errorf(op, stateType, ev.EntityID, store.ErrNotFound)
		}

	default:
		return store.Errorf(op, stateType, ev.EntityID, fmt.Errorf("unknown operation %s", ev.Op))
	}
	return nil
}

func (s *Store) row(state aggregate.State) (map[string]any, error) {
	cols, err := s.mapper.Columns(state)
	if err != nil {
		return nil, err
	}
	row := make(map[string]any, len(cols)+3)
	for _, c := range cols {
		row[c.Name] = c.Value
	}
	return row, nil
}

func parentValue(rootID uuid.UUID, ev aggregate.Event) any {
	if ev.EntityID == rootID {
		return nil
	}
	if ev.ParentID.Valid {
		return ev.ParentID.UUID.String()
	}
	return rootID.String()
}

// find reads one row of stateType by id.
func (s *Store) find(db *gorm.DB, stateType string, id uuid.UUID) (aggregate.Record, error) {
	table, err := s.mapper.Table(stateType)
	if err != nil {
		return aggregate.Record{}, err
	}
	var rows []map[string]any
	if err := db.Table(table).Where("id = ?", id.String()).Limit(1).Find(&rows).Error; err != nil {
		return aggregate.Record{}, err
	}
	if len(rows) == 0 {
		return aggregate.Record{}, store.ErrNotFound
	}
	return s.decode(stateType, rows[0])
}

func (s *Store) decode(stateType string, row map[string]any) (aggregate.Record, error) {
	id, err := uuidValue(row[colID])
	if err != nil {
		return aggregate.Record{}, err
	}
	rootID, err := uuidValue(row[colRootID])
	if err != nil {
		return aggregate.Record{}, err
	}
	rec := aggregate.Record{ID: id, RootID: rootID}
	if v := row[colParent]; v != nil {
		parent, err := uuidValue(v)
		if err != nil {
			return aggregate.Record{}, err
		}
		rec.ParentID = uuid.NullUUID{UUID: parent, Valid: true}
	}
	rec.State, err = s.mapper.Decode(stateType, row)
	if err != nil {
		return aggregate.Record{}, err
	}
	return rec, nil
}

func uuidValue(v any) (uuid.UUID, error) {
	switch t := v.(type) {
	case string:
		return uuid.Parse(t)
	case []byte:
		if len(t) == 16 {
			return uuid.FromBytes(t)
		}
		return uuid.ParseBytes(t)
	default:
		return uuid.Nil, fmt.Errorf("%w: unexpected id value %T", store.ErrTypeMapping, v)
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
