package idgen

import (
	"regexp"
	"sync"
	"testing"
)

var idPattern = regexp.MustCompile(`^[a-z2-7]{20}$`)

func TestNewFormat(t *testing.T) {
	for i := 0; i < 5; i++ {
		id := New()
		if !idPattern.MatchString(id) {
			t.Errorf("id %q does not match expected base32 format", id)
		}
	}
}

func TestNewUnique(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id after %d generations: %s", i, id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewConcurrent(t *testing.T) {
	const n = 1000
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = New()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id under concurrency: %s", id)
		}
		seen[id] = struct{}{}
	}
}
