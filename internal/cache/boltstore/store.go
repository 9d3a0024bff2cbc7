// Package boltstore persists cache entries in an embedded bbolt database.
// Each partition maps to one bucket; the database handle is process-wide
// with an explicit open/close lifecycle.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
)

type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	db *bolt.DB
}

func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Open creates the database file and partition buckets. Calling Open on an
// already-open store returns the existing handle untouched.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}

	start := time.Now()
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
	observability.ObserveCacheOp("open", err, time.Since(start).Seconds())
	if err != nil {
		return &cache.Error{Op: "open", Err: err}
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, p := range cache.Partitions() {
			if _, err := tx.CreateBucketIfNotExists([]byte(p)); err != nil {
				return fmt.Errorf("create bucket %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return &cache.Error{Op: "open", Err: err}
	}

	s.db = db
	s.logger.Info("cache store opened", "path", s.path)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return &cache.Error{Op: "close", Err: err}
	}
	return nil
}

func (s *Store) handle() *bolt.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Get returns (nil, nil) on a miss and fails soft when the store is not
// open, since UI code may issue lookups before initialization resolves.
func (s *Store) Get(_ context.Context, p cache.Partition, key string) (*cache.Entry, error) {
	db := s.handle()
	if db == nil {
		s.logger.Debug("get on closed store", "partition", string(p), "key", key)
		return nil, nil
	}

	start := time.Now()
	var entry *cache.Entry
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e cache.Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("decode entry %q: %w", key, err)
		}
		entry = &e
		return nil
	})
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, &cache.Error{Op: "get", Err: err}
	}
	return entry, nil
}

func (s *Store) Put(_ context.Context, p cache.Partition, e cache.Entry) error {
	db := s.handle()
	if db == nil {
		s.logger.Debug("put on closed store", "partition", string(p), "key", e.Key)
		return nil
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return &cache.Error{Op: "put", Err: err}
	}

	start := time.Now()
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(p))
		if err != nil {
			return err
		}
		return b.Put([]byte(e.Key), raw)
	})
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return &cache.Error{Op: "put", Err: err}
	}
	return nil
}

func (s *Store) Delete(_ context.Context, p cache.Partition, key string) error {
	db := s.handle()
	if db == nil {
		return nil
	}

	start := time.Now()
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	observability.ObserveCacheOp("delete", err, time.Since(start).Seconds())
	if err != nil {
		return &cache.Error{Op: "delete", Err: err}
	}
	return nil
}

// DeletePrefix removes every key under the prefix with one cursor sweep.
func (s *Store) DeletePrefix(_ context.Context, p cache.Partition, prefix string) (int, error) {
	db := s.handle()
	if db == nil {
		return 0, nil
	}

	n := 0
	start := time.Now()
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		pfx := []byte(prefix)
		for k, _ := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	observability.ObserveCacheOp("delete_prefix", err, time.Since(start).Seconds())
	if err != nil {
		return 0, &cache.Error{Op: "delete_prefix", Err: err}
	}
	return n, nil
}

func (s *Store) Clear(_ context.Context, p cache.Partition) error {
	db := s.handle()
	if db == nil {
		return nil
	}

	start := time.Now()
	err := db.Update(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(p)); b == nil {
			_, err := tx.CreateBucketIfNotExists([]byte(p))
			return err
		}
		if err := tx.DeleteBucket([]byte(p)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(p))
		return err
	})
	observability.ObserveCacheOp("clear", err, time.Since(start).Seconds())
	if err != nil {
		return &cache.Error{Op: "clear", Err: err}
	}
	return nil
}

func (s *Store) Count(_ context.Context, p cache.Partition) (int, error) {
	db := s.handle()
	if db == nil {
		return 0, nil
	}

	n := 0
	err := db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(p)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	if err != nil {
		return 0, &cache.Error{Op: "count", Err: err}
	}
	return n, nil
}
