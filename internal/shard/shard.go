// Package shard maps keys onto a fixed number of shards.
// DynamoDB relationship records and in-memory lock stripes use the same
// fnv-1a distribution.
package shard

import (
	"fmt"
	"hash/fnv"
)

// Index returns the shard of key among n shards. n <= 1 always yields 0.
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// RelationshipPK computes the sharded partition key for a relationship record.
// With numShards=1, all records go to shard "00".
// With numShards>1, records are distributed across shards based on childRef hash.
func RelationshipPK(parentRef, childRef string, numShards int) string {
	return ShardPK(parentRef, Index(childRef, numShards))
}

// ShardPK returns the partition key of one shard of parentRef.
func ShardPK(parentRef string, shard int) string {
	return fmt.Sprintf("%s#%02x", parentRef, shard)
}

// Ref builds a type-qualified reference such as "OrderState#<id>".
func Ref(typeName, id string) string {
	return typeName + "#" + id
}
