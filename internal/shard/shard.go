// Package shard maps identifiers onto a fixed range of shard indexes.
package shard

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/opensource-finance/pricewise/internal/domain"
)

// Of returns the shard of id in [0, shardCount).
// The mapping is a pure function of its inputs and is stable across processes.
func Of(id string, shardCount uint) (uint, error) {
	if id == "" {
		return 0, domain.NewValidationError("id", "must not be empty")
	}
	if shardCount == 0 {
		return 0, domain.NewValidationError("shardCount", "must be positive")
	}
	return uint(xxhash.Sum64String(id) % uint64(shardCount)), nil
}

// IndexKey builds the partition key tenant#dimension:value#shard of a
// sharded secondary index.
func IndexKey(tenantID, dimension, value string, shard uint) string {
	var b strings.Builder
	b.Grow(len(tenantID) + len(dimension) + len(value) + 8)
	b.WriteString(tenantID)
	b.WriteRune(domain.KeySeparator)
	b.WriteString(dimension)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteRune(domain.KeySeparator)
	b.WriteString(strconv.FormatUint(uint64(shard), 10))
	return b.String()
}
