package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jacentio/rootstore/config"
	"github.com/jacentio/rootstore/store"
	"github.com/jacentio/rootstore/store/dynamo"
	"github.com/jacentio/rootstore/store/memory"
	"github.com/jacentio/rootstore/store/sqlstore"
)

// StoreFactory opens the configured backend over reg.
type StoreFactory func(ctx context.Context, cfg *config.Config, log *zap.Logger, reg *store.Registry) (*Backend, error)

// Backend is an open store and the connections behind it.
type Backend struct {
	Store store.Store
	close func() error
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// OpenStore opens the store selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg *config.Config, log *zap.Logger, reg *store.Registry) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return &Backend{Store: memory.New(memory.WithLogger(log))}, nil

	case config.BackendSQL:
		db, err := sqlstore.Open(cfg.SQL, log)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to open database", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to open database", err)
		}
		s := sqlstore.New(db, reg,
			sqlstore.WithLogger(log),
			sqlstore.WithRetry(cfg.RetryPolicy()),
		)
		return &Backend{Store: s, close: sqlDB.Close}, nil

	case config.BackendDynamo:
		client, err := NewDynamoClient(ctx, cfg.Dynamo)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to load AWS config", err)
		}
		return &Backend{Store: dynamo.New(client, reg, cfg.DynamoStore(), dynamo.WithLogger(log))}, nil

	default:
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("unknown backend %q", cfg.Backend), nil)
	}
}
