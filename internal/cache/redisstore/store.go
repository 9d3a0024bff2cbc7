// Package redisstore is the Redis-backed cache store, for deployments
// where several proxy instances share one cache. Partitions map to key
// prefixes; Clear and Count walk the prefix with SCAN.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammed-shakir/terrain-agent-cache/internal/cache"
	"github.com/mohammed-shakir/terrain-agent-cache/internal/core/observability"
)

// expiryGrace keeps expired entries visible to Count for a while; the
// manager treats them as absent either way, and Redis reclaims them
// without an explicit sweep.
const expiryGrace = 24 * time.Hour

type Option func(*redis.Options)

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

type Store struct {
	addr   string
	opts   []Option
	logger *slog.Logger

	mu  sync.Mutex
	rdb *redis.Client
}

func New(addr string, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{addr: addr, opts: opts, logger: logger}
}

func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb != nil {
		return nil
	}
	if s.addr == "" {
		return &cache.Error{Op: "open", Err: errors.New("redis address is required")}
	}

	ro := &redis.Options{
		Addr:        s.addr,
		PoolSize:    16,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	}
	for _, f := range s.opts {
		f(ro)
	}
	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveCacheOp("open", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return &cache.Error{Op: "open", Err: fmt.Errorf("redis ping: %w", err)}
	}

	s.rdb = rdb
	s.logger.Info("cache store opened", "redis", s.addr)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Close()
	s.rdb = nil
	if err != nil {
		return &cache.Error{Op: "close", Err: err}
	}
	return nil
}

func (s *Store) client() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rdb
}

func nsKey(p cache.Partition, key string) string {
	return fmt.Sprintf("%s:%s", p, key)
}

func nsPattern(p cache.Partition) string {
	return fmt.Sprintf("%s:*", p)
}

func (s *Store) Get(ctx context.Context, p cache.Partition, key string) (*cache.Entry, error) {
	rdb := s.client()
	if rdb == nil {
		s.logger.Debug("get on closed store", "partition", string(p), "key", key)
		return nil, nil
	}

	start := time.Now()
	raw, err := rdb.Get(ctx, nsKey(p, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveCacheOp("get", nil, time.Since(start).Seconds())
		return nil, nil
	}
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, &cache.Error{Op: "get", Err: err}
	}

	var e cache.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, &cache.Error{Op: "get", Err: fmt.Errorf("decode entry %q: %w", key, err)}
	}
	return &e, nil
}

func (s *Store) Put(ctx context.Context, p cache.Partition, e cache.Entry) error {
	rdb := s.client()
	if rdb == nil {
		s.logger.Debug("put on closed store", "partition", string(p), "key", e.Key)
		return nil
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return &cache.Error{Op: "put", Err: err}
	}

	ttl := time.Until(e.ExpiresAt) + expiryGrace
	if ttl <= 0 {
		ttl = expiryGrace
	}

	start := time.Now()
	err = rdb.Set(ctx, nsKey(p, e.Key), raw, ttl).Err()
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		return &cache.Error{Op: "put", Err: err}
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, p cache.Partition, key string) error {
	rdb := s.client()
	if rdb == nil {
		return nil
	}

	start := time.Now()
	err := rdb.Del(ctx, nsKey(p, key)).Err()
	observability.ObserveCacheOp("delete", err, time.Since(start).Seconds())
	if err != nil {
		return &cache.Error{Op: "delete", Err: err}
	}
	return nil
}

func (s *Store) DeletePrefix(ctx context.Context, p cache.Partition, prefix string) (int, error) {
	rdb := s.client()
	if rdb == nil {
		return 0, nil
	}

	n := 0
	start := time.Now()
	iter := rdb.Scan(ctx, 0, nsKey(p, prefix)+"*", 256).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := rdb.Del(ctx, batch...).Err(); err != nil {
			return err
		}
		n += len(batch)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 256 {
			if err := flush(); err != nil {
				observability.ObserveCacheOp("delete_prefix", err, time.Since(start).Seconds())
				return 0, &cache.Error{Op: "delete_prefix", Err: err}
			}
		}
	}
	if err := iter.Err(); err != nil {
		observability.ObserveCacheOp("delete_prefix", err, time.Since(start).Seconds())
		return 0, &cache.Error{Op: "delete_prefix", Err: err}
	}
	if err := flush(); err != nil {
		observability.ObserveCacheOp("delete_prefix", err, time.Since(start).Seconds())
		return 0, &cache.Error{Op: "delete_prefix", Err: err}
	}
	observability.ObserveCacheOp("delete_prefix", nil, time.Since(start).Seconds())
	return n, nil
}

func (s *Store) Clear(ctx context.Context, p cache.Partition) error {
	rdb := s.client()
	if rdb == nil {
		return nil
	}

	start := time.Now()
	iter := rdb.Scan(ctx, 0, nsPattern(p), 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 256 {
			if err := rdb.Del(ctx, batch...).Err(); err != nil {
				observability.ObserveCacheOp("clear", err, time.Since(start).Seconds())
				return &cache.Error{Op: "clear", Err: err}
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		observability.ObserveCacheOp("clear", err, time.Since(start).Seconds())
		return &cache.Error{Op: "clear", Err: err}
	}
	if len(batch) > 0 {
		if err := rdb.Del(ctx, batch...).Err(); err != nil {
			observability.ObserveCacheOp("clear", err, time.Since(start).Seconds())
			return &cache.Error{Op: "clear", Err: err}
		}
	}
	observability.ObserveCacheOp("clear", nil, time.Since(start).Seconds())
	return nil
}

func (s *Store) Count(ctx context.Context, p cache.Partition) (int, error) {
	rdb := s.client()
	if rdb == nil {
		return 0, nil
	}

	n := 0
	iter := rdb.Scan(ctx, 0, nsPattern(p), 256).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, &cache.Error{Op: "count", Err: err}
	}
	return n, nil
}
