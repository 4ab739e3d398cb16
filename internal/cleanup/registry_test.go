package cleanup

import (
	"fmt"
	"sync"
	"testing"
)

func TestRegistry_MarkAndCheck(t *testing.T) {
	r := NewRegistry()

	if r.IsTerminated("rt-1") {
		t.Error("fresh registry should not report terminated")
	}

	r.MarkTerminated("rt-1")

	if !r.IsTerminated("rt-1") {
		t.Error("rt-1 should be terminated after MarkTerminated")
	}
	if r.IsTerminated("rt-2") {
		t.Error("rt-2 should not be affected")
	}
}

func TestRegistry_Monotonic(t *testing.T) {
	r := NewRegistry()
	r.MarkTerminated("rt-1")

	// Marking other runtimes must not clear rt-1.
	for i := 0; i < 100; i++ {
		r.MarkTerminated(fmt.Sprintf("rt-%d", i+2))
		if !r.IsTerminated("rt-1") {
			t.Fatal("rt-1 flag was lost")
		}
	}

	// Re-marking is harmless.
	r.MarkTerminated("rt-1")
	if !r.IsTerminated("rt-1") {
		t.Error("rt-1 should remain terminated")
	}
}

func TestRegistry_EmptyUIDIgnored(t *testing.T) {
	r := NewRegistry()
	r.MarkTerminated("")
	if r.IsTerminated("") {
		t.Error("empty uid should never be flagged")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			r.MarkTerminated(fmt.Sprintf("rt-%d", n))
		}(i)
		go func(n int) {
			defer wg.Done()
			r.IsTerminated(fmt.Sprintf("rt-%d", n))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		if !r.IsTerminated(fmt.Sprintf("rt-%d", i)) {
			t.Errorf("rt-%d should be terminated", i)
		}
	}
}
