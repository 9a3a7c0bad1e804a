package session_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/embercoach/voicelink/internal/session"
)

func TestCleanup_LIFOOrder(t *testing.T) {
	t.Parallel()

	var order []string
	c := session.NewCleanup()
	c.Register("capture", func() error { order = append(order, "capture"); return nil })
	c.Register("playback", func() error { order = append(order, "playback"); return nil })
	c.Register("transport", func() error { order = append(order, "transport"); return nil })

	c.Run()

	want := []string{"transport", "playback", "capture"}
	if len(order) != len(want) {
		t.Fatalf("steps run: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestCleanup_RunIdempotent(t *testing.T) {
	t.Parallel()

	var count int
	c := session.NewCleanup()
	c.Register("step", func() error { count++; return nil })

	c.Run()
	c.Run()

	if count != 1 {
		t.Errorf("step ran %d times, want 1", count)
	}
}

func TestCleanup_ConcurrentRun(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var count int
	c := session.NewCleanup()
	c.Register("step", func() error {
		mu.Lock()
		defer mu.Unlock()
		count++
		return nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(c.Run)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("step ran %d times, want 1", count)
	}
}

func TestCleanup_ErrorDoesNotStopTeardown(t *testing.T) {
	t.Parallel()

	var ran []string
	c := session.NewCleanup()
	c.Register("first", func() error { ran = append(ran, "first"); return nil })
	c.Register("failing", func() error {
		ran = append(ran, "failing")
		return errors.New("close failed")
	})

	c.Run()

	if len(ran) != 2 {
		t.Errorf("steps run: got %v, want both", ran)
	}
}

func TestCleanup_RegisterAfterRun_RunsImmediately(t *testing.T) {
	t.Parallel()

	c := session.NewCleanup()
	c.Run()

	var ran bool
	c.Register("late", func() error { ran = true; return nil })
	if !ran {
		t.Error("step registered after Run should execute immediately")
	}
}
