package locks

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := NewKeyedMutex()
	keys := []string{"a.example", "b.example"}
	counts := make([]int, len(keys))

	const workers = 8
	const rounds = 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				for k, key := range keys {
					km.Lock(key)
					counts[k]++
					km.Unlock(key)
				}
			}
		}()
	}
	wg.Wait()

	for k, key := range keys {
		if counts[k] != workers*rounds {
			t.Fatalf("lost updates under %q: got %d, want %d", key, counts[k], workers*rounds)
		}
	}
}

func TestKeyedMutexKeysAreIndependent(t *testing.T) {
	km := NewKeyedMutex()
	km.Lock("a.example")
	defer km.Unlock("a.example")

	// Holding one key must not block another.
	done := make(chan struct{})
	go func() {
		km.Lock("b.example")
		km.Unlock("b.example")
		close(done)
	}()
	<-done
}
