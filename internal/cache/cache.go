// Package cache provides the layered metadata cache used on the proxy hot
// path: a byte-level Backend (memory or Redis), a compact entry codec that
// distinguishes positive values from negative ("known absent") markers, and
// a typed Store[T] per collection.
//
// Two backends are available and fully interchangeable:
//   - Memory — in-process concurrent map with a periodic sweeper.
//   - Redis  — shared across replicas, key-prefixed, SCAN+DEL clear.
//
// The admin surface invalidates keys after successful writes; the proxy
// never reads through to the database, so the cache is the source of truth
// during request handling.
package cache

import (
	"context"
	"time"
)

// Backend is the six-operation contract every cache backend implements.
// Values are encoded entries (see entry.go), not raw payloads.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
}

// Stats is a point-in-time snapshot of backend counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64
}

// StatsProvider is implemented by backends that track operation counters.
type StatsProvider interface {
	Stats() Stats
}
