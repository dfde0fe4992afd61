package dynamo

import "github.com/jacentio/rootstore/internal/retry"

// MaxTransactItems is the DynamoDB limit on actions in one TransactWriteItems call.
const MaxTransactItems = 100

// Config holds configuration for the Store.
type Config struct {
	// TablePrefix is prepended to every data and history table name.
	TablePrefix string

	// RelationshipTable is the name of the root-to-child relationship table.
	// Default: "rootstore_relationships"
	RelationshipTable string

	// NumShards is the number of shards a root's relationship records are
	// spread over. Higher values increase write throughput per root but
	// require more parallel queries when listing children.
	// Default: 1 (no sharding, single query)
	// Max: 256
	//
	// Per-shard limits:
	//   - Writes: 1,000/sec
	//   - Reads: 3,000/sec
	NumShards int

	// RecordDeletes appends a RootDeleted history record on DeleteRoot.
	RecordDeletes bool

	// Retry controls how sequence-head and transaction conflicts are retried.
	Retry retry.Config
}

// DefaultConfig returns sensible defaults for small datasets.
func DefaultConfig() Config {
	return Config{
		RelationshipTable: "rootstore_relationships",
		NumShards:         1,
		Retry:             defaultRetry(),
	}
}

func defaultRetry() retry.Config {
	c := retry.DefaultConfig()
	c.MaxAttempts = 5
	c.RetryOnDeadlock = false
	return c
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.RelationshipTable == "" {
		c.RelationshipTable = "rootstore_relationships"
	}
	if c.NumShards < 1 {
		c.NumShards = 1
	}
	if c.NumShards > 256 {
		c.NumShards = 256
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = defaultRetry()
	}
}
