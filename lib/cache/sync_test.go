package cache_test

import (
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rafaelvchaves/respkv/lib/cache"
)

func TestTypedSyncMap(t *testing.T) {
	m := cache.NewTypedSyncMap[string, int]()
	var wg sync.WaitGroup
	for i, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Put(key, i)
		}()
	}
	wg.Wait()

	if got := m.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if v, ok := m.Get("b"); !ok || v != 1 {
		t.Errorf("Get(b) = (%d, %t), want (1, true)", v, ok)
	}
	m.Delete("b")
	if _, ok := m.Get("b"); ok {
		t.Errorf("Get(b) after Delete reported a value")
	}

	var keys []string
	m.Range(func(k string, _ int) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	if diff := cmp.Diff([]string{"a", "c"}, keys); diff != "" {
		t.Errorf("Range keys (-want +got):%s\n", diff)
	}
}
