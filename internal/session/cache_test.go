package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestChainCache_BuildsOncePerKey(t *testing.T) {
	t.Parallel()

	cache := NewChainCache[string]()
	var builds atomic.Int64

	factory := func(context.Context) (string, error) {
		builds.Add(1)
		return "chain-acme", nil
	}

	for range 5 {
		v, err := cache.GetOrCreate(context.Background(), "acme", factory)
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if v != "chain-acme" {
			t.Fatalf("value = %q", v)
		}
	}

	if got := builds.Load(); got != 1 {
		t.Errorf("factory ran %d times, want 1", got)
	}
}

func TestChainCache_ConcurrentFirstUseSingleFlight(t *testing.T) {
	t.Parallel()

	cache := NewChainCache[int]()
	var builds atomic.Int64
	release := make(chan struct{})

	factory := func(context.Context) (int, error) {
		builds.Add(1)
		<-release
		return 42, nil
	}

	const goroutines = 20
	var wg sync.WaitGroup
	results := make([]int, goroutines)
	errs := make([]error, goroutines)

	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = cache.GetOrCreate(context.Background(), "acme", factory)
		}()
	}

	close(release)
	wg.Wait()

	for i := range goroutines {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if results[i] != 42 {
			t.Fatalf("goroutine %d got %d", i, results[i])
		}
	}
	if got := builds.Load(); got != 1 {
		t.Errorf("factory ran %d times, want 1", got)
	}
}

func TestChainCache_ErrorNotCached(t *testing.T) {
	t.Parallel()

	cache := NewChainCache[string]()
	var calls atomic.Int64

	failing := func(context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("backend down")
	}

	if _, err := cache.GetOrCreate(context.Background(), "acme", failing); err == nil {
		t.Fatal("expected factory error")
	}

	working := func(context.Context) (string, error) {
		calls.Add(1)
		return "recovered", nil
	}
	v, err := cache.GetOrCreate(context.Background(), "acme", working)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if v != "recovered" {
		t.Errorf("value = %q", v)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestChainCache_InvalidateForcesRebuild(t *testing.T) {
	t.Parallel()

	cache := NewChainCache[int]()
	var builds atomic.Int64

	factory := func(context.Context) (int, error) {
		return int(builds.Add(1)), nil
	}

	first, _ := cache.GetOrCreate(context.Background(), "acme", factory)
	cache.Invalidate("acme")
	second, _ := cache.GetOrCreate(context.Background(), "acme", factory)

	if first == second {
		t.Errorf("value unchanged after Invalidate: %d", first)
	}
	if cache.Len() != 1 {
		t.Errorf("len = %d, want 1", cache.Len())
	}
}

func TestChainCache_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	cache := NewChainCache[string]()

	a, _ := cache.GetOrCreate(context.Background(), "acme",
		func(context.Context) (string, error) { return "chain-a", nil })
	b, _ := cache.GetOrCreate(context.Background(), "globex",
		func(context.Context) (string, error) { return "chain-b", nil })

	if a == b {
		t.Errorf("keys shared a value: %q", a)
	}
	if cache.Len() != 2 {
		t.Errorf("len = %d, want 2", cache.Len())
	}
}
