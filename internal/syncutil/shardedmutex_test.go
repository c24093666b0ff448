package syncutil

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("hs_1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestShardStableForKey(t *testing.T) {
	var m ShardedMutex

	if m.shard("hs_1") != m.shard("hs_1") {
		t.Error("same key mapped to different shards")
	}
}

func TestUnlockAllowsReacquire(t *testing.T) {
	var m ShardedMutex

	unlock := m.Lock("hs_1")
	unlock()

	unlock = m.Lock("hs_1")
	unlock()
}
