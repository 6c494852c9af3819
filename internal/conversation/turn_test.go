package conversation

import (
	"sync"
	"testing"
)

func TestTurnAllocator_StrictlyIncreasing(t *testing.T) {
	var a TurnAllocator
	prev := uint64(0)
	for range 10 {
		id := a.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestTurnAllocator_ConcurrentUnique(t *testing.T) {
	var a TurnAllocator
	const n = 100
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- a.Next()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]struct{}, n)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("got %d unique ids, want %d", len(seen), n)
	}
}
