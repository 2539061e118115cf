package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const sweepInterval = time.Minute

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// Memory is an in-process Backend with per-entry TTL.
//
// It is safe for concurrent use. A single background goroutine sweeps
// expired entries once a minute; reads additionally drop stale entries
// lazily. Operation counts are kept in atomic counters.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memItem

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errors  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a Memory backend and starts the sweeper. The sweeper
// stops when ctx is cancelled or Close is called.
func NewMemory(ctx context.Context) *Memory {
	m := &Memory{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go m.sweep(ctx)
	return m
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()

	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	if time.Now().After(item.expiresAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		m.misses.Add(1)
		return nil, false, nil
	}

	m.hits.Add(1)
	return item.data, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	m.mu.Lock()
	m.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	m.sets.Add(1)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	m.deletes.Add(1)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.items = make(map[string]memItem)
	m.mu.Unlock()
	return nil
}

func (m *Memory) MGet(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	now := time.Now()

	m.mu.RLock()
	for _, k := range keys {
		if item, ok := m.items[k]; ok && now.Before(item.expiresAt) {
			out[k] = item.data
			m.hits.Add(1)
		} else {
			m.misses.Add(1)
		}
	}
	m.mu.RUnlock()

	return out, nil
}

func (m *Memory) MSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	expires := time.Now().Add(ttl)

	m.mu.Lock()
	for k, v := range entries {
		m.items[k] = memItem{data: v, expiresAt: expires}
	}
	m.mu.Unlock()
	m.sets.Add(int64(len(entries)))
	return nil
}

// Stats implements StatsProvider.
func (m *Memory) Stats() Stats {
	return Stats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Sets:    m.sets.Load(),
		Deletes: m.deletes.Load(),
		Errors:  m.errors.Load(),
	}
}

// Len returns the number of entries currently held, including entries that
// expired but have not been swept yet.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Close stops the sweeper goroutine.
func (m *Memory) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Memory) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Memory) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}
