package arena

import (
	"sync"
	"testing"

	"github.com/nczempin/uproxy-go-uring/errors"
)

func TestArena_AllocateZeroed(t *testing.T) {
	a := New(64)

	block, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	copy(block, "dirty")
	a.Deallocate(block)

	again, err := a.Allocate(32)
	if err != nil {
		t.Fatalf("Failed to allocate: %v", err)
	}
	for i, c := range again {
		if c != 0 {
			t.Fatalf("Expected zeroed block, byte %d is %d", i, c)
		}
	}
	if len(again) != 32 {
		t.Errorf("Expected block of 32 bytes, got %d", len(again))
	}
}

func TestArena_AllocateTooLarge(t *testing.T) {
	a := New(16)

	_, err := a.Allocate(17)
	if errors.TypeOf(err) != errors.ErrorMemory {
		t.Errorf("Expected memory error, got %v", err)
	}
}

func TestArena_Stats(t *testing.T) {
	a := New(16)
	b1, _ := a.Allocate(16)
	a.Allocate(16)
	a.Deallocate(b1)

	s := a.Stats()
	if s.Allocated != 2 || s.Deallocated != 1 || s.Outstanding != 1 {
		t.Errorf("Expected 2/1/1, got %d/%d/%d", s.Allocated, s.Deallocated, s.Outstanding)
	}
}

func TestArena_CloseRunsCleanup(t *testing.T) {
	a := New(16)

	calls := 0
	a.Register(CleanupFunc(func() { calls++ }))
	unregister := a.Register(CleanupFunc(func() { calls += 100 }))
	unregister()

	a.Close()
	a.Close()

	if calls != 1 {
		t.Errorf("Expected exactly one cleanup call, got %d", calls)
	}
}

func TestArena_RegisterAfterClose(t *testing.T) {
	a := New(16)
	a.Close()

	called := false
	a.Register(CleanupFunc(func() { called = true }))
	if !called {
		t.Error("Expected handler registered after close to run immediately")
	}
}

func TestArena_ConcurrentUse(t *testing.T) {
	a := New(128)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				b, err := a.Allocate(128)
				if err != nil {
					t.Errorf("Failed to allocate: %v", err)
					return
				}
				a.Deallocate(b)
			}
		}()
	}
	wg.Wait()

	if s := a.Stats(); s.Outstanding != 0 {
		t.Errorf("Expected no outstanding blocks, got %d", s.Outstanding)
	}
}
