package mirror

import (
	"sync"
	"testing"
	"time"
)

func TestKeyLockSerializesSameKey(t *testing.T) {
	k := newKeyLock()
	var mu sync.Mutex
	order := []string{}
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			k.Lock("project")
			defer k.Unlock("project")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			order = append(order, "x")
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("maxActive = %d, want 1 holder of the same key at a time", maxActive)
	}
	if len(order) != 5 {
		t.Fatalf("len(order) = %d, want 5", len(order))
	}
}

func TestKeyLockDifferentKeysIndependent(t *testing.T) {
	k := newKeyLock()
	k.Lock("a")
	k.Lock("b") // must not deadlock: distinct keys get distinct mutexes
	k.Unlock("a")
	k.Unlock("b")
}
