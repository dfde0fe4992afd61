// Package dynamo implements store.Store on DynamoDB and keeps a gapless
// history log of added roots per state type.
//
// Every state type has a data table keyed by id. A shared relationship table
// lists each root's children under sharded partition keys, so a root can be
// read or deleted with strongly consistent queries instead of a secondary
// index. Every mutation is a single TransactWriteItems call.
package dynamo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/history"
	"github.com/jacentio/rootstore/internal/retry"
	"github.com/jacentio/rootstore/internal/shard"
	"github.com/jacentio/rootstore/store"
)

// maxBatchGet is the DynamoDB limit on keys in one BatchGetItem call.
const maxBatchGet = 100

// Client is the subset of *dynamodb.Client the store uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Client = (*dynamodb.Client)(nil)

// Store is a store.Store and history.Source over DynamoDB.
type Store struct {
	client Client
	reg    *store.Registry
	config Config
	retry  retry.Config
	logger *zap.Logger
	now    func() time.Time
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

// WithClock sets the clock used for updated_at and recorded_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store. reg must describe every stored type and relationship.
func New(client Client, reg *store.Registry, cfg Config, opts ...Option) *Store {
	cfg.validate()
	s := &Store{
		client: client,
		reg:    reg,
		config: cfg,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = s.config.Retry.WithPredicate(isConflict)
	return s
}

var (
	_ store.Store    = (*Store)(nil)
	_ history.Source = (*Store)(nil)
)

// DataTable returns the data table of a state type.
func (s *Store) DataTable(stateType string) (string, error) {
	info, err := s.reg.Lookup(stateType)
	if err != nil {
		return "", err
	}
	name := info.Table
	if name == "" {
		name = info.Name + "s"
	}
	return s.config.TablePrefix + name, nil
}

// HistoryTable returns the history table of a state type.
func (s *Store) HistoryTable(stateType string) (string, error) {
	table, err := s.DataTable(stateType)
	if err != nil {
		return "", err
	}
	return table + "_history", nil
}

// RelationshipTable returns the name of the relationship table.
func (s *Store) RelationshipTable() string {
	return s.config.RelationshipTable
}

func (s *Store) relationshipPK(rootType string, rootID uuid.UUID, childRef string) string {
	return shard.RelationshipPK(shard.Ref(rootType, rootID.String()), childRef, s.config.NumShards)
}

// Get returns the state of the entity with the given id and state type.
func (s *Store) Get(ctx context.Context, stateType string, id uuid.UUID) (aggregate.State, error) {
	rec, _, err := s.load(ctx, stateType, id)
	if err != nil {
		return nil, store.Errorf("get", stateType, id, err)
	}
	return rec.State, nil
}

// load reads one data item with a consistent read.
func (s *Store) load(ctx context.Context, stateType string, id uuid.UUID) (aggregate.Record, map[string]types.AttributeValue, error) {
	table, err := s.DataTable(stateType)
	if err != nil {
		return aggregate.Record{}, nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return aggregate.Record{}, nil, err
	}
	if len(out.Item) == 0 || getStringAttr(out.Item, attrStateType) != stateType {
		return aggregate.Record{}, nil, store.ErrNotFound
	}
	rec, err := s.decodeRecord(out.Item)
	if err != nil {
		return aggregate.Record{}, nil, err
	}
	return rec, out.Item, nil
}

// GetByRoot reads the root item, lists its children from the relationship
// table and fetches them in batches.
func (s *Store) GetByRoot(ctx context.Context, stateType string, rootID uuid.UUID) (*store.Snapshot, error) {
	root, _, err := s.load(ctx, stateType, rootID)
	if err == nil && !root.IsRoot() {
		err = store.ErrNotFound
	}
	if err != nil {
		return nil, store.Errorf("get by root", stateType, rootID, err)
	}

	refs, err := s.listChildren(ctx, stateType, rootID)
	if err != nil {
		return nil, store.Errorf("get by root", stateType, rootID, err)
	}
	children, err := s.batchGet(ctx, refs)
	if err != nil {
		return nil, store.Errorf("get by root", stateType, rootID, err)
	}
	return &store.Snapshot{Root: root, Children: children}, nil
}

// listChildren queries every relationship shard of a root. Shards are
// queried in parallel when NumShards > 1. Root types without registered
// children are not queried at all.
func (s *Store) listChildren(ctx context.Context, rootType string, rootID uuid.UUID) ([]ChildRef, error) {
	if !s.reg.HasChildren(rootType) {
		return nil, nil
	}
	allowed := make(map[string]bool)
	for _, rel := range s.reg.ChildrenOf(rootType) {
		allowed[rel.ChildType] = true
	}

	rootRef := shard.Ref(rootType, rootID.String())
	n := s.config.NumShards
	results := make([][]ChildRef, n)
	errs := make([]error, n)

	if n == 1 {
		results[0], errs[0] = s.queryShard(ctx, shard.ShardPK(rootRef, 0))
	} else {
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.queryShard(ctx, shard.ShardPK(rootRef, i))
			}(i)
		}
		wg.Wait()
	}

	var refs []ChildRef
	for i := range results {
		if errs[i] != nil {
			return nil, errs[i]
		}
		for _, ref := range results[i] {
			if !allowed[ref.Type] {
				return nil, fmt.Errorf("%w: %s is not a child type of %s", store.ErrTypeMapping, ref.Type, rootType)
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (s *Store) queryShard(ctx context.Context, pk string) ([]ChildRef, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.RelationshipTable),
		KeyConditionExpression: aws.String("#pk = :pk"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": str(pk),
		},
		ConsistentRead: aws.Bool(true),
	})

	var refs []ChildRef
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			ref, err := decodeChildRef(item)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// batchGet fetches the data items of refs, keeping the order of refs.
func (s *Store) batchGet(ctx context.Context, refs []ChildRef) (aggregate.Records, error) {
	found := make(map[uuid.UUID]aggregate.Record, len(refs))

	for start := 0; start < len(refs); start += maxBatchGet {
		chunk := refs[start:min(start+maxBatchGet, len(refs))]
		request := make(map[string]types.KeysAndAttributes)
		for _, ref := range chunk {
			table, err := s.DataTable(ref.Type)
			if err != nil {
				return nil, err
			}
			ka := request[table]
			ka.Keys = append(ka.Keys, idKey(ref.ID))
			ka.ConsistentRead = aws.Bool(true)
			request[table] = ka
		}

		for attempt := 1; len(request) > 0; attempt++ {
			if attempt > 1 {
				if attempt > s.config.Retry.MaxAttempts {
					return nil, fmt.Errorf("batch get: %d tables left unprocessed", len(request))
				}
				if err := sleep(ctx, retry.Backoff(attempt-1, s.config.Retry)); err != nil {
					return nil, err
				}
			}
			out, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: request})
			if err != nil {
				return nil, err
			}
			for _, items := range out.Responses {
				for _, item := range items {
					rec, err := s.decodeRecord(item)
					if err != nil {
						return nil, err
					}
					found[rec.ID] = rec
				}
			}
			request = out.UnprocessedKeys
		}
	}

	records := make(aggregate.Records, 0, len(found))
	for _, ref := range refs {
		if rec, ok := found[ref.ID]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddRoot writes the root, its initial children, their relationship records
// and the next history record of the root's type in one transaction. A
// history head that moved since it was read is retried.
func (s *Store) AddRoot(ctx context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance, events ...aggregate.Event) error {
	changes, err := store.Plan(id, store.RootEvents(id, state, events))
	if err != nil {
		return err
	}
	for _, c := range changes {
		if c.Kind.MustExist() {
			return store.Errorf("add root", c.StateType(), c.Record.ID, store.ErrNotFound)
		}
	}
	rootType := state.StateName()
	rootState := changes[0].Record.State

	var seq int64
	err = s.transact(ctx, func(ctx context.Context) error {
		now := s.now()
		t := &txn{}
		if err := s.writeChanges(t, "add root", rootType, id, changes, now); err != nil {
			return err
		}
		var err error
		seq, err = s.appendHistory(ctx, t, "add root", history.Record{
			StateType:         rootType,
			Kind:              history.KindRootAdded,
			RootID:            id,
			SourceEventNumber: prov.EventNumber,
			State:             rootState,
			RecordedAt:        now,
		}, prov)
		if err != nil {
			return err
		}
		return s.commit(ctx, "add root", t)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("root added",
		zap.String("state_type", rootType),
		zap.Stringer("root_id", id),
		zap.Int64("seq", seq),
		zap.Int("children", len(changes)-1),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// DeleteRoot deletes the root, every child listed in the relationship table
// and their relationship records in one transaction. The root delete is
// conditioned on the version that was read, so a batch committed in between
// makes the whole delete start over.
func (s *Store) DeleteRoot(ctx context.Context, stateType string, rootID uuid.UUID, prov aggregate.Provenance) error {
	var removed int
	err := s.transact(ctx, func(ctx context.Context) error {
		root, item, err := s.load(ctx, stateType, rootID)
		if err == nil && !root.IsRoot() {
			err = store.ErrNotFound
		}
		if err != nil {
			return store.Errorf("delete root", stateType, rootID, err)
		}
		version, err := getNumberAttr(item, attrVersion)
		if err != nil {
			return store.Errorf("delete root", stateType, rootID, err)
		}
		refs, err := s.listChildren(ctx, stateType, rootID)
		if err != nil {
			return store.Errorf("delete root", stateType, rootID, err)
		}

		rootTable, _ := s.DataTable(stateType)
		t := &txn{}
		t.delete(rootTable, idKey(rootID), atVersion(version), failure{"delete root", stateType, rootID, errRootChanged})
		for _, ref := range refs {
			table, err := s.DataTable(ref.Type)
			if err != nil {
				return store.Errorf("delete root", ref.Type, ref.ID, err)
			}
			t.delete(table, idKey(ref.ID), condition{}, failure{})
			t.delete(s.config.RelationshipTable, relationshipKey(ref.ShardPK, ref.Ref), condition{}, failure{})
		}
		if s.config.RecordDeletes {
			if _, err := s.appendHistory(ctx, t, "delete root", history.Record{
				StateType:         stateType,
				Kind:              history.KindRootDeleted,
				RootID:            rootID,
				SourceEventNumber: prov.EventNumber,
				State:             root.State,
				RecordedAt:        s.now(),
			}, prov); err != nil {
				return err
			}
		}
		removed = len(refs)
		return s.commit(ctx, "delete root", t)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("root deleted",
		zap.String("state_type", stateType),
		zap.Stringer("root_id", rootID),
		zap.Int("children", removed),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// Add stores a single child record.
func (s *Store) Add(ctx context.Context, rec aggregate.Record, prov aggregate.Provenance) error {
	return s.Apply(ctx, rec.RootID, []aggregate.Event{store.ChildEvent(rec)}, prov)
}

// Update replaces the state of an existing entity. The entity is looked up
// in the table of the new state's type.
func (s *Store) Update(ctx context.Context, id uuid.UUID, state aggregate.State, prov aggregate.Provenance) error {
	if state == nil {
		return store.Errorf("update", "", id, store.ErrTypeMapping)
	}
	existing, _, err := s.load(ctx, state.StateName(), id)
	if err != nil {
		return store.Errorf("update", state.StateName(), id, err)
	}
	return s.Apply(ctx, existing.RootID, []aggregate.Event{{EntityID: id, Op: aggregate.OpUpdate, State: state}}, prov)
}

// Delete removes a single child.
func (s *Store) Delete(ctx context.Context, stateType string, id uuid.UUID, prov aggregate.Provenance) error {
	existing, _, err := s.load(ctx, stateType, id)
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

// Apply commits a batch in one transaction. The root item's version is
// bumped in the same transaction, which fails the batch if the root is gone
// and orders it against concurrent batches and deletes of the same root.
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

	touchesRoot := false
	for _, c := range changes {
		if c.Record.ID == rootID {
			touchesRoot = true
		}
	}

	var actions int
	err = s.transact(ctx, func(ctx context.Context) error {
		now := s.now()
		t := &txn{}
		if !touchesRoot {
			table, err := s.DataTable(rootType)
			if err != nil {
				return store.Errorf("apply", rootType, rootID, err)
			}
			t.update(table, idKey(rootID),
				"SET #updated = :updated, #ver = #ver + :one",
				map[string]string{"#updated": attrUpdatedAt, "#ver": attrVersion},
				map[string]types.AttributeValue{":updated": str(now.UTC().Format(time.RFC3339Nano)), ":one": num(1)},
				ownedBy(rootID),
				failure{"apply", rootType, rootID, store.ErrNotFound},
			)
		}
		if err := s.writeChanges(t, "apply", rootType, rootID, changes, now); err != nil {
			return err
		}
		actions = len(t.items)
		return s.commit(ctx, "apply", t)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("batch applied",
		zap.Stringer("root_id", rootID),
		zap.Int("events", len(events)),
		zap.Int("actions", actions),
		zap.Stringer("correlation_id", prov.CorrelationID),
	)
	return nil
}

// writeChanges adds the items of each planned change. Inserted children get a
// relationship record, removed children lose theirs.
func (s *Store) writeChanges(t *txn, op, rootType string, rootID uuid.UUID, changes []store.Change, now time.Time) error {
	for _, c := range changes {
		rec := c.Record
		stateType := c.StateType()
		table, err := s.DataTable(stateType)
		if err != nil {
			return store.Errorf(op, stateType, rec.ID, err)
		}
		isRoot := rec.ID == rootID

		switch c.Kind {
		case store.ChangeInsert:
			item, err := dataItem(rec, now)
			if err != nil {
				return store.Errorf(op, stateType, rec.ID, err)
			}
			t.put(table, item, notExists(), failure{op, stateType, rec.ID, store.ErrDuplicateID})
			if !isRoot {
				t.put(s.config.RelationshipTable, s.relationshipItem(rootType, rec), condition{}, failure{})
			}

		case store.ChangeReplace:
			state, err := marshalState(rec.State)
			if err != nil {
				return store.Errorf(op, stateType, rec.ID, err)
			}
			t.update(table, idKey(rec.ID),
				"SET #state = :state, #updated = :updated, #ver = #ver + :one",
				map[string]string{"#state": attrState, "#updated": attrUpdatedAt, "#ver": attrVersion},
				map[string]types.AttributeValue{
					":state":   state,
					":updated": str(now.UTC().Format(time.RFC3339Nano)),
					":one":     num(1),
				},
				ownedBy(rootID),
				failure{op, stateType, rec.ID, store.ErrNotFound},
			)

		case store.ChangeRemove:
			t.delete(table, idKey(rec.ID), ownedBy(rootID), failure{op, stateType, rec.ID, store.ErrNotFound})
			childRef := shard.Ref(stateType, rec.ID.String())
			t.delete(s.config.RelationshipTable, relationshipKey(s.relationshipPK(rootType, rootID, childRef), childRef), condition{}, failure{})

		case store.ChangeAbsent:
			t.check(table, idKey(rec.ID), notExists(), failure{op, stateType, rec.ID, store.ErrDuplicateID})
		}
	}
	return nil
}
