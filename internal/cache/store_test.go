package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cyderhq/cyder-gateway/internal/model"
)

func TestEntryCodecRoundTrip(t *testing.T) {
	raw, err := EncodePositive(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("EncodePositive: %v", err)
	}
	payload, negative, err := DecodeEntry(raw)
	if err != nil {
		t.Fatalf("DecodeEntry: %v", err)
	}
	if negative {
		t.Fatal("positive entry decoded as negative")
	}
	if string(payload) != `{"a":1}` {
		t.Fatalf("payload = %q", payload)
	}

	payload, negative, err = DecodeEntry(EncodeNegative())
	if err != nil {
		t.Fatalf("DecodeEntry(negative): %v", err)
	}
	if !negative || payload != nil {
		t.Fatalf("negative entry decoded as negative=%v payload=%v", negative, payload)
	}
}

func TestDecodeEntryRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeEntry(nil); err == nil {
		t.Fatal("expected error for empty entry")
	}
	if _, _, err := DecodeEntry([]byte{0xff, 0x01}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func newTestStore(t *testing.T) *Store[model.Provider] {
	t.Helper()
	mem := NewMemory(context.Background())
	t.Cleanup(mem.Close)
	return NewStore[model.Provider](mem, "provider_by_key", time.Minute, time.Second, nil)
}

func TestStorePositiveLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := model.Provider{ID: 10, Key: "openai", Type: model.ProviderOpenAI, Enabled: true}
	if err := s.Set(ctx, "openai", want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, res, err := s.Get(ctx, "openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res != Hit {
		t.Fatalf("result = %v, want Hit", res)
	}
	if got.ID != want.ID || got.Key != want.Key || got.Type != want.Type {
		t.Fatalf("Get = %+v, want %+v", got, want)
	}
}

func TestStoreNegativeLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetNegative(ctx, "ghost"); err != nil {
		t.Fatalf("SetNegative: %v", err)
	}

	_, res, err := s.Get(ctx, "ghost")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res != NegativeHit {
		t.Fatalf("result = %v, want NegativeHit", res)
	}
}

func TestStoreMiss(t *testing.T) {
	s := newTestStore(t)

	_, res, err := s.Get(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res != Miss {
		t.Fatalf("result = %v, want Miss", res)
	}
}

func TestStoreKeysAreNamespaced(t *testing.T) {
	mem := NewMemory(context.Background())
	defer mem.Close()
	ctx := context.Background()

	byKey := NewStore[model.Provider](mem, "provider_by_key", time.Minute, time.Second, nil)
	byID := NewStore[model.Provider](mem, "provider_by_id", time.Minute, time.Second, nil)

	if err := byKey.Set(ctx, "42", model.Provider{ID: 1, Key: "42"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, res, _ := byID.Get(ctx, "42"); res != Miss {
		t.Fatal("collections must not share key space")
	}
}

func TestStoreManyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	values := map[string]model.Provider{
		"a": {ID: 1, Key: "a"},
		"b": {ID: 2, Key: "b"},
	}
	if err := s.SetMany(ctx, values); err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	got, err := s.GetMany(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 || got["a"].ID != 1 || got["b"].ID != 2 {
		t.Fatalf("GetMany = %v", got)
	}
}

func TestMemoryStatsCounters(t *testing.T) {
	mem := NewMemory(context.Background())
	defer mem.Close()
	ctx := context.Background()

	_ = mem.Set(ctx, "k", []byte("v"), time.Minute)
	_, _, _ = mem.Get(ctx, "k")
	_, _, _ = mem.Get(ctx, "missing")
	_ = mem.Delete(ctx, "k")

	st := mem.Stats()
	if st.Sets != 1 || st.Hits != 1 || st.Misses != 1 || st.Deletes != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	mem := NewMemory(context.Background())
	defer mem.Close()
	ctx := context.Background()

	if err := mem.Set(ctx, "short", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok, _ := mem.Get(ctx, "short"); ok {
		t.Fatal("entry should have expired")
	}
}
