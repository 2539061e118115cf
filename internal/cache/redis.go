package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	clearScanCount      = 512
)

// Redis is a Backend over a shared Redis instance. Every key is prefixed so
// several gateways (or several cache generations) can share one database.
type Redis struct {
	client       *redis.Client
	prefix       string
	queryTimeout time.Duration

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errs    atomic.Int64
}

// NewRedisFromClient wraps an existing client. The caller owns the client
// lifecycle.
func NewRedisFromClient(cli *redis.Client, prefix string) *Redis {
	return &Redis{client: cli, prefix: prefix, queryTimeout: defaultQueryTimeout}
}

// NewRedisFromURL parses url, verifies the connection with a PING and
// returns a Redis backend.
func NewRedisFromURL(ctx context.Context, url, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisFromClient(cli, prefix), nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.misses.Add(1)
			return nil, false, nil
		}
		r.errs.Add(1)
		return nil, false, fmt.Errorf("cache: GET %s: %w", key, err)
	}

	r.hits.Add(1)
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		r.errs.Add(1)
		return fmt.Errorf("cache: SET %s: %w", key, err)
	}
	r.sets.Add(1)
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		r.errs.Add(1)
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}
	r.deletes.Add(1)
	return nil
}

// Clear removes every key under the prefix with incremental SCAN+DEL so a
// large keyspace never blocks the server.
func (r *Redis) Clear(ctx context.Context) error {
	var cursor uint64
	pattern := r.prefix + "*"

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, clearScanCount).Result()
		if err != nil {
			r.errs.Add(1)
			return fmt.Errorf("cache: SCAN: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				r.errs.Add(1)
				return fmt.Errorf("cache: DEL batch: %w", err)
			}
			r.deletes.Add(int64(len(keys)))
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (r *Redis) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}

	vals, err := r.client.MGet(ctx, full...).Result()
	if err != nil {
		r.errs.Add(1)
		return nil, fmt.Errorf("cache: MGET: %w", err)
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			r.misses.Add(1)
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
			r.hits.Add(1)
		}
	}
	return out, nil
}

// MSet stores all entries with one TTL using a pipeline (MSET has no TTL).
func (r *Redis) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, r.key(k), v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.errs.Add(1)
		return fmt.Errorf("cache: MSET pipeline: %w", err)
	}
	r.sets.Add(int64(len(entries)))
	return nil
}

// Stats implements StatsProvider.
func (r *Redis) Stats() Stats {
	return Stats{
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
		Sets:    r.sets.Load(),
		Deletes: r.deletes.Load(),
		Errors:  r.errs.Load(),
	}
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
