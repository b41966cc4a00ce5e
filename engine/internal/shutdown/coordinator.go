// Package shutdown coordinates cooperative interruption. The first signal
// requests a drain to the next checkpoint; a second signal arriving within
// the abort window triggers the hard-abort callback (the last checkpoint on
// disk remains valid either way).
package shutdown

import (
	"sync"
	"sync/atomic"
	"time"
)

// abortWindow is how quickly a second signal must follow the first to be
// treated as a demand for immediate abort.
const abortWindow = 2 * time.Second

// Coordinator carries the single should-stop flag shared by the executor and
// the stages.
type Coordinator struct {
	stop      atomic.Bool
	mu        sync.Mutex
	firstAt   time.Time
	onAbort   func()
	now       func() time.Time
}

// NewCoordinator wires the hard-abort callback (typically the CLI exits 130).
func NewCoordinator(onAbort func()) *Coordinator {
	return &Coordinator{onAbort: onAbort, now: time.Now}
}

// SetOnAbort installs or replaces the hard-abort callback.
func (c *Coordinator) SetOnAbort(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAbort = fn
}

// Signal records one interrupt. The first sets the cooperative flag; a
// second within the abort window invokes onAbort.
func (c *Coordinator) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.stop.Load() && !c.firstAt.IsZero() && now.Sub(c.firstAt) <= abortWindow {
		if c.onAbort != nil {
			c.onAbort()
		}
		return
	}
	c.firstAt = now
	c.stop.Store(true)
}

// ShouldStop reports whether a cooperative drain has been requested. The
// executor checks it between stages; stage functions do not consult it, so
// a stage already running completes before the drain takes effect.
func (c *Coordinator) ShouldStop() bool {
	return c.stop.Load()
}

// Reset clears the flag (tests and multi-run embedding).
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop.Store(false)
	c.firstAt = time.Time{}
}
