package services

import (
	"sync"
	"testing"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	counter := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			unlock := k.Lock(key)
			defer unlock()
			v := counter[key]
			counter[key] = v + 1
		}(key)
	}
	wg.Wait()
	if counter["a"] != 100 || counter["b"] != 100 {
		t.Fatalf("counter = %v", counter)
	}
	if k.active() != 0 {
		t.Fatalf("entries leaked: %d", k.active())
	}
}
