package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is the outcome of a typed lookup.
type Result int

const (
	// Miss — no entry; the caller may consult its fallback and record the
	// outcome with Set or SetNegative.
	Miss Result = iota
	// Hit — a positive entry was found and decoded.
	Hit
	// NegativeHit — the key is known to be absent; do not retry the lookup.
	NegativeHit
)

// Observer receives per-collection cache operation events. Implemented by
// the metrics registry; a nil Observer disables reporting.
type Observer interface {
	CacheOp(collection, op, result string)
}

// Store is a typed collection over a Backend. Keys are namespaced with the
// collection name; values are entry-encoded JSON.
type Store[T any] struct {
	backend Backend
	name    string
	posTTL  time.Duration
	negTTL  time.Duration
	obs     Observer
}

// NewStore creates a typed store named name. posTTL/negTTL of zero fall
// back to 5 minutes and 30 seconds respectively.
func NewStore[T any](b Backend, name string, posTTL, negTTL time.Duration, obs Observer) *Store[T] {
	if posTTL <= 0 {
		posTTL = 5 * time.Minute
	}
	if negTTL <= 0 {
		negTTL = 30 * time.Second
	}
	return &Store[T]{backend: b, name: name, posTTL: posTTL, negTTL: negTTL, obs: obs}
}

// Name returns the collection name.
func (s *Store[T]) Name() string { return s.name }

func (s *Store[T]) key(k string) string { return s.name + ":" + k }

func (s *Store[T]) observe(op, result string) {
	if s.obs != nil {
		s.obs.CacheOp(s.name, op, result)
	}
}

// Get looks up key. On Hit the decoded value is returned; on NegativeHit
// the zero value is returned and the caller must treat the key as absent.
func (s *Store[T]) Get(ctx context.Context, key string) (T, Result, error) {
	var zero T

	raw, ok, err := s.backend.Get(ctx, s.key(key))
	if err != nil {
		s.observe("get", "error")
		return zero, Miss, err
	}
	if !ok {
		s.observe("get", "miss")
		return zero, Miss, nil
	}

	payload, negative, err := DecodeEntry(raw)
	if err != nil {
		s.observe("get", "error")
		return zero, Miss, fmt.Errorf("cache: %s: %w", s.name, err)
	}
	if negative {
		s.observe("get", "negative")
		return zero, NegativeHit, nil
	}

	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		s.observe("get", "error")
		return zero, Miss, fmt.Errorf("cache: %s: decode %q: %w", s.name, key, err)
	}
	s.observe("get", "hit")
	return v, Hit, nil
}

// Set stores a positive entry with the collection's positive TTL.
func (s *Store[T]) Set(ctx context.Context, key string, v T) error {
	raw, err := EncodePositive(v)
	if err != nil {
		s.observe("set", "error")
		return err
	}
	if err := s.backend.Set(ctx, s.key(key), raw, s.posTTL); err != nil {
		s.observe("set", "error")
		return err
	}
	s.observe("set", "ok")
	return nil
}

// SetWithTTL stores a positive entry with an explicit TTL, overriding the
// collection default. Used by collections whose entries carry their own
// lifetime, like OAuth tokens.
func (s *Store[T]) SetWithTTL(ctx context.Context, key string, v T, ttl time.Duration) error {
	raw, err := EncodePositive(v)
	if err != nil {
		s.observe("set", "error")
		return err
	}
	if err := s.backend.Set(ctx, s.key(key), raw, ttl); err != nil {
		s.observe("set", "error")
		return err
	}
	s.observe("set", "ok")
	return nil
}

// SetNegative records key as known-absent with the negative TTL.
func (s *Store[T]) SetNegative(ctx context.Context, key string) error {
	if err := s.backend.Set(ctx, s.key(key), EncodeNegative(), s.negTTL); err != nil {
		s.observe("set", "error")
		return err
	}
	s.observe("set", "negative")
	return nil
}

// Delete removes key from the collection.
func (s *Store[T]) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, s.key(key)); err != nil {
		s.observe("delete", "error")
		return err
	}
	s.observe("delete", "ok")
	return nil
}

// GetMany fetches several keys at once. Negative entries and misses are
// simply absent from the returned map.
func (s *Store[T]) GetMany(ctx context.Context, keys []string) (map[string]T, error) {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}

	raws, err := s.backend.MGet(ctx, full)
	if err != nil {
		s.observe("mget", "error")
		return nil, err
	}

	out := make(map[string]T, len(raws))
	for i, k := range keys {
		raw, ok := raws[full[i]]
		if !ok {
			continue
		}
		payload, negative, err := DecodeEntry(raw)
		if err != nil || negative {
			continue
		}
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			continue
		}
		out[k] = v
	}
	s.observe("mget", "ok")
	return out, nil
}

// SetMany stores several positive entries with the positive TTL.
func (s *Store[T]) SetMany(ctx context.Context, values map[string]T) error {
	entries := make(map[string][]byte, len(values))
	for k, v := range values {
		raw, err := EncodePositive(v)
		if err != nil {
			s.observe("mset", "error")
			return err
		}
		entries[s.key(k)] = raw
	}
	if err := s.backend.MSet(ctx, entries, s.posTTL); err != nil {
		s.observe("mset", "error")
		return err
	}
	s.observe("mset", "ok")
	return nil
}
