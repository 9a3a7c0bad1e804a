package session

import (
	"log/slog"
	"sync"
)

// Cleanup is a LIFO registry of teardown steps. Steps are registered as
// resources are acquired and released in reverse order, so dependents close
// before their dependencies (capture before transport, playback before the
// output stream).
//
// Run is idempotent under concurrent invocation: every registered step
// executes exactly once, whichever path reaches teardown first (normal end,
// remote close, transport failure, send failure, permission failure). A step
// registered after Run has executed runs immediately, so a resource acquired
// by a racing setup path is still released.
type Cleanup struct {
	mu    sync.Mutex
	steps []cleanupStep
	ran   bool
}

type cleanupStep struct {
	name string
	fn   func() error
}

// NewCleanup returns an empty coordinator.
func NewCleanup() *Cleanup {
	return &Cleanup{}
}

// Register adds a teardown step. Steps run in reverse registration order.
func (c *Cleanup) Register(name string, fn func() error) {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		runStep(cleanupStep{name: name, fn: fn})
		return
	}
	c.steps = append(c.steps, cleanupStep{name: name, fn: fn})
	c.mu.Unlock()
}

// Run executes all registered steps in LIFO order. Errors are logged, never
// propagated: teardown always proceeds to the next step. Concurrent callers
// past the first return once the first caller has claimed the steps.
func (c *Cleanup) Run() {
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return
	}
	c.ran = true
	steps := c.steps
	c.steps = nil
	c.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		runStep(steps[i])
	}
}

func runStep(step cleanupStep) {
	if err := step.fn(); err != nil {
		slog.Warn("session: cleanup step failed", "step", step.name, "error", err)
	}
}
