package idgen

import (
	"sync"
	"testing"
	"time"
)

func TestNewRejectsOutOfRangeNode(t *testing.T) {
	if _, err := New(-1); err == nil {
		t.Fatal("expected error for node -1")
	}
	if _, err := New(1024); err == nil {
		t.Fatal("expected error for node 1024")
	}
	if _, err := New(1023); err != nil {
		t.Fatalf("node 1023 should be valid: %v", err)
	}
}

func TestNextMonotonic(t *testing.T) {
	g, err := New(7)
	if err != nil {
		t.Fatal(err)
	}

	prev := int64(0)
	for i := 0; i < 10_000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d (iteration %d)", id, prev, i)
		}
		prev = id
	}
}

func TestNextEmbedsNodeAndTime(t *testing.T) {
	g, err := New(42)
	if err != nil {
		t.Fatal(err)
	}

	before := time.Now().UnixMilli()
	id := g.Next()
	after := time.Now().UnixMilli()

	if got := Node(id); got != 42 {
		t.Fatalf("Node(id) = %d, want 42", got)
	}
	if ms := Millis(id); ms < before || ms > after {
		t.Fatalf("Millis(id) = %d, want within [%d, %d]", ms, before, after)
	}
}

func TestNextConcurrentUnique(t *testing.T) {
	g, err := New(1)
	if err != nil {
		t.Fatal(err)
	}

	const workers = 8
	const perWorker = 2_000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("got %d unique ids, want %d", len(seen), workers*perWorker)
	}
}

func TestClockBackwardsHoldsMonotonicity(t *testing.T) {
	g, err := New(3)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	g.now = func() time.Time { return base }
	a := g.Next()

	// Clock jumps backwards one second.
	g.now = func() time.Time { return base.Add(-time.Second) }
	b := g.Next()

	if b <= a {
		t.Fatalf("id after clock rollback %d not greater than %d", b, a)
	}
}
