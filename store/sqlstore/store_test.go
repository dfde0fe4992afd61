package sqlstore_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"

	"github.com/jacentio/rootstore/aggregate"
	"github.com/jacentio/rootstore/internal/fixture"
	"github.com/jacentio/rootstore/store"
	"github.com/jacentio/rootstore/store/sqlstore"
	"github.com/jacentio/rootstore/store/storetest"
)

var schema = []string{
	`CREATE TABLE TestRootStates (id TEXT PRIMARY KEY, root_id TEXT NOT NULL, parent_id TEXT, "Number" INTEGER, "Text" TEXT)`,
	`CREATE TABLE SubentityStates (id TEXT PRIMARY KEY, root_id TEXT NOT NULL, parent_id TEXT, "Value" REAL)`,
	`CREATE TABLE TagStates (id TEXT PRIMARY KEY, root_id TEXT NOT NULL, parent_id TEXT, "Label" TEXT)`,
}

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(uuid.NewString(), "-", ""))
	db, err := sqlstore.OpenSQLite(dsn, zap.NewNop())
	require.NoError(t, err)
	for _, stmt := range schema {
		require.NoError(t, db.Exec(stmt).Error)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newStore(t *testing.T, opts ...sqlstore.Option) (*sqlstore.Store, *gorm.DB) {
	db := openDB(t)
	return sqlstore.New(db, fixture.Registry(), opts...), db
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newStore(t)
		return s
	})
}

func countRows(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Table(table).Count(&n).Error)
	return n
}

func TestDeleteRoot_RemovesRows(t *testing.T) {
	ctx := context.Background()
	s, db := newStore(t)

	rootID := uuid.New()
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{Number: 1}, aggregate.Provenance{},
		store.ChildEvent(fixture.Child(rootID, fixture.SubentityState{Value: 1})),
		store.ChildEvent(fixture.Child(rootID, fixture.TagState{Label: "x"})),
	))
	other := uuid.New()
	require.NoError(t, s.AddRoot(ctx, other, fixture.TestRootState{Number: 2}, aggregate.Provenance{},
		store.ChildEvent(fixture.Child(other, fixture.SubentityState{Value: 2})),
	))

	require.NoError(t, s.DeleteRoot(ctx, "TestRootState", rootID, aggregate.Provenance{}))

	assert.Equal(t, int64(1), countRows(t, db, "TestRootStates"))
	assert.Equal(t, int64(1), countRows(t, db, "SubentityStates"))
	assert.Equal(t, int64(0), countRows(t, db, "TagStates"))
}

func TestApply_RollsBackRows(t *testing.T) {
	ctx := context.Background()
	s, db := newStore(t)

	rootID := uuid.New()
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{}, aggregate.Provenance{}))

	parent := uuid.NullUUID{UUID: rootID, Valid: true}
	err := s.Apply(ctx, rootID, []aggregate.Event{
		{EntityID: uuid.New(), ParentID: parent, Op: aggregate.OpAdd, State: fixture.SubentityState{Value: 1}},
		{EntityID: uuid.New(), ParentID: parent, Op: aggregate.OpAdd, State: fixture.TagState{Label: "a"}},
		{EntityID: uuid.New(), ParentID: parent, Op: aggregate.OpDelete, State: fixture.TagState{}},
	}, aggregate.Provenance{})
	require.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, int64(0), countRows(t, db, "SubentityStates"))
	assert.Equal(t, int64(0), countRows(t, db, "TagStates"))
}

func TestApply_NestedParent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	rootID := uuid.New()
	sub := fixture.Child(rootID, fixture.SubentityState{Value: 1})
	tag := aggregate.Record{
		ID:       uuid.New(),
		RootID:   rootID,
		ParentID: uuid.NullUUID{UUID: sub.ID, Valid: true},
		State:    fixture.TagState{Label: "nested"},
	}
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{}, aggregate.Provenance{},
		store.ChildEvent(sub), store.ChildEvent(tag)))

	snap, err := s.GetByRoot(ctx, "TestRootState", rootID)
	require.NoError(t, err)
	nested := snap.Children.ChildrenOf(sub.ID)
	require.Len(t, nested, 1)
	assert.Equal(t, fixture.TagState{Label: "nested"}, nested[0].State)
}

func TestApply_UnregisteredType(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	rootID := uuid.New()
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{}, aggregate.Provenance{}))

	err := s.Apply(ctx, rootID, []aggregate.Event{
		{EntityID: uuid.New(), Op: aggregate.OpAdd, State: store.Raw{Type: "Unknown"}},
	}, aggregate.Provenance{})
	assert.ErrorIs(t, err, store.ErrTypeMapping)
}

func TestTransactionFailure(t *testing.T) {
	ctx := context.Background()
	s, db := newStore(t)

	rootID := uuid.New()
	require.NoError(t, s.AddRoot(ctx, rootID, fixture.TestRootState{}, aggregate.Provenance{}))
	require.NoError(t, db.Exec("DROP TABLE SubentityStates").Error)

	err := s.Add(ctx, fixture.Child(rootID, fixture.SubentityState{Value: 1}), aggregate.Provenance{})
	assert.ErrorIs(t, err, store.ErrTransactionFailure)
}

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, _ := newStore(t, sqlstore.WithLogger(zap.New(core)))

	require.NoError(t, s.AddRoot(context.Background(), uuid.New(), fixture.TestRootState{}, aggregate.Provenance{}))
	assert.Equal(t, 1, logs.FilterMessage("root added").Len())
}

func TestDSN(t *testing.T) {
	cfg := sqlstore.DefaultConfig()
	cfg.Username = "app"
	cfg.Password = "secret"

	dsn := cfg.DSN()
	assert.True(t, strings.HasPrefix(dsn, "app:secret@tcp(127.0.0.1:3306)/rootstore?"), dsn)
	assert.Contains(t, dsn, "clientFoundRows=true")
	assert.Contains(t, dsn, "parseTime=true")
}

func TestOpen_Unreachable(t *testing.T) {
	cfg := sqlstore.DefaultConfig()
	cfg.Port = "1"

	_, err := sqlstore.Open(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
	assert.Contains(t, cfg.DSN(), "timeout=10s")
}
