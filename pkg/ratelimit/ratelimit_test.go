// Copyright 2024-2026 Aiku AI

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireWithinCapacity(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 3, Per: time.Second})
	start := time.Now()
	for i := range 3 {
		if !l.Acquire(context.Background(), "bot:1", 0) {
			t.Fatalf("Acquire %d: rejected within capacity", i)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("calls within capacity took %v", elapsed)
	}
	if load := l.CurrentLoad("bot:1"); load != 3 {
		t.Errorf("CurrentLoad: got %d, want 3", load)
	}
}

func TestAcquireBlocksPastCapacity(t *testing.T) {
	t.Parallel()
	const per = 300 * time.Millisecond
	l := New(Window{Limit: 3, Per: per})
	for range 3 {
		l.Acquire(context.Background(), "k", -1)
	}
	start := time.Now()
	if !l.Acquire(context.Background(), "k", -1) {
		t.Fatal("Acquire with unlimited delay should succeed")
	}
	// One token refills every per/limit.
	if elapsed := time.Since(start); elapsed < per/3-10*time.Millisecond {
		t.Errorf("N+1th Acquire returned after %v, want at least %v", elapsed, per/3)
	}
}

func TestAcquireZeroDelayOnFullBucket(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 2, Per: time.Minute})
	l.Acquire(context.Background(), "k", 0)
	l.Acquire(context.Background(), "k", 0)

	start := time.Now()
	if l.Acquire(context.Background(), "k", 0) {
		t.Fatal("Acquire(maxDelay=0) on a full bucket should fail")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("rejection took %v, want immediate", elapsed)
	}
	// A rejected call must not consume capacity.
	if load := l.CurrentLoad("k"); load != 2 {
		t.Errorf("CurrentLoad after rejection: got %d, want 2", load)
	}
}

func TestAcquireMaxDelayExceeded(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 1, Per: time.Second})
	l.Acquire(context.Background(), "k", 0)
	if l.Acquire(context.Background(), "k", 100*time.Millisecond) {
		t.Error("Acquire should fail when the wait exceeds maxDelay")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 1, Per: time.Minute})
	l.Acquire(context.Background(), "k", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if l.Acquire(ctx, "k", -1) {
		t.Error("Acquire should fail when ctx ends first")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 1, Per: time.Minute})
	if !l.Acquire(context.Background(), "main:42", 0) {
		t.Fatal("first key rejected")
	}
	if !l.Acquire(context.Background(), "minibot:42", 0) {
		t.Error("a second identity in the same chat should have its own quota")
	}
	if l.Acquire(context.Background(), "main:42", 0) {
		t.Error("first key should be exhausted")
	}
}

func TestMultipleWindows(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 5, Per: time.Second}, Window{Limit: 2, Per: time.Minute})
	l.Acquire(context.Background(), "k", 0)
	l.Acquire(context.Background(), "k", 0)
	if l.Acquire(context.Background(), "k", 0) {
		t.Error("the stricter window should reject the third call")
	}
}

func TestCurrentLoadUnknownKey(t *testing.T) {
	t.Parallel()
	l := New(DefaultWindows...)
	if load := l.CurrentLoad("nobody"); load != 0 {
		t.Errorf("CurrentLoad: got %d", load)
	}
	l.Acquire(context.Background(), "k", 0)
	l.Forget("k")
	if load := l.CurrentLoad("k"); load != 0 {
		t.Errorf("CurrentLoad after Forget: got %d", load)
	}
}

func TestNoWindowsAdmitsAll(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 0, Per: time.Second})
	for range 100 {
		if !l.Acquire(context.Background(), "k", 0) {
			t.Fatal("limiter without windows rejected a call")
		}
	}
}

func TestConcurrentAcquireRespectsCapacity(t *testing.T) {
	t.Parallel()
	l := New(Window{Limit: 10, Per: time.Minute})
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(context.Background(), "k", 0) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 10 {
		t.Errorf("admitted: got %d, want 10", admitted)
	}
}
