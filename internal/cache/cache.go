// Package cache defines the persistent cache contract: versioned, expiring
// entries stored under named partitions.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Partition is a named subdivision of the persistent store.
type Partition string

const (
	PartitionTerrain Partition = "terrain"
	PartitionRuns    Partition = "runs"
	PartitionAgents  Partition = "agents"
)

func Partitions() []Partition {
	return []Partition{PartitionTerrain, PartitionRuns, PartitionAgents}
}

// Entry wraps a cached payload with its freshness and schema metadata.
// An entry whose ExpiresAt has passed, or whose Version differs from the
// configured schema version, is treated as absent.
type Entry struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Version   string          `json:"version"`
}

func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ErrClosed reports an operation against a store that is not open. Stores
// fail soft on it: reads miss, writes no-op. It is exported so tests can
// assert on the lifecycle.
var ErrClosed = errors.New("cache store not open")

// Error is a storage-layer failure (I/O, quota), distinct from a miss.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Store is the persistence layer under the cache manager. Get returns
// (nil, nil) on a miss; storage failures surface as *Error. All operations
// return only after the underlying storage call settles.
type Store interface {
	// Open is idempotent; a second call while open is a no-op.
	Open(ctx context.Context) error
	Close() error

	Get(ctx context.Context, p Partition, key string) (*Entry, error)
	Put(ctx context.Context, p Partition, e Entry) error
	Delete(ctx context.Context, p Partition, key string) error
	// DeletePrefix removes every entry whose key starts with prefix and
	// reports how many were removed.
	DeletePrefix(ctx context.Context, p Partition, prefix string) (int, error)
	Clear(ctx context.Context, p Partition) error
	// Count reports stored entries, expired ones included.
	Count(ctx context.Context, p Partition) (int, error)
}
