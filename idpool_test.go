package tracemachine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIDPoolFillsAhead(t *testing.T) {
	pool := NewIDPool(8, uuid.New)
	defer pool.Close()

	deadline := time.Now().Add(time.Second)
	for pool.Ready() < 8 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if pool.Ready() != 8 {
		t.Fatalf("Expected 8 ids ready, got %d", pool.Ready())
	}

	for i := 0; i < 8; i++ {
		pool.Get()
	}
	if pool.Issued() != 8 {
		t.Errorf("Expected 8 issued, got %d", pool.Issued())
	}
	if pool.Misses() != 0 {
		t.Errorf("Expected no misses from a full pool, got %d", pool.Misses())
	}
}

func TestIDPoolDefaultCapacity(t *testing.T) {
	pool := NewIDPool(0, uuid.New)
	defer pool.Close()

	if got := cap(pool.ready); got != DefaultIDPoolSize {
		t.Errorf("Expected capacity %d, got %d", DefaultIDPoolSize, got)
	}
}

func TestIDPoolMissesAfterClose(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	fixed := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	pool := NewIDPool(1, func() uuid.UUID {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return fixed
	})

	pool.Close()
	// Drain whatever the filler managed to queue.
	for pool.Ready() > 0 {
		pool.Get()
	}
	before := pool.Misses()

	if pool.Get() != fixed {
		t.Error("Expected inline id after close")
	}
	if pool.Misses() != before+1 {
		t.Errorf("Expected one more miss, got %d -> %d", before, pool.Misses())
	}

	// Multiple closes should be safe.
	pool.Close()
}

func TestIDPoolConcurrentUnique(t *testing.T) {
	pool := NewIDPool(50, uuid.New)
	defer pool.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uuid.UUID]bool)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := pool.Get()
				mu.Lock()
				if seen[id] {
					t.Errorf("Duplicate id %s", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 500 {
		t.Errorf("Expected 500 ids, got %d", len(seen))
	}
	if pool.Issued() != 500 {
		t.Errorf("Expected 500 issued, got %d", pool.Issued())
	}
}

func TestMachineUsesConfiguredIDPool(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IDPoolSize = 4
	m := NewWithConfig(cfg).WithLogger(quietLogger())
	t.Cleanup(m.Close)
	ctx := context.Background()

	if m.Health().SpanIDMisses != 0 {
		t.Error("Expected no misses before the first span")
	}

	m.Start(ctx, "Pooled")
	for i := 0; i < 20; i++ {
		m.Enter(ctx, nil, "burst", nil)
	}

	pool := m.ids.Load()
	if pool == nil {
		t.Fatal("Expected id pool created on first start")
	}
	if got := cap(pool.ready); got != 4 {
		t.Errorf("Expected pool capacity 4, got %d", got)
	}
	if pool.Issued() != 21 {
		t.Errorf("Expected 21 ids issued, got %d", pool.Issued())
	}
	if m.Health().SpanIDMisses != pool.Misses() {
		t.Errorf("Expected health to report %d misses, got %d", pool.Misses(), m.Health().SpanIDMisses)
	}
}
