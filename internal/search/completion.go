package search

import (
	"context"
	"sync"
	"time"
)

// Completion is a one-way latch recording that a query finished executing.
// Once complete it stays complete. Safe for concurrent use.
type Completion struct {
	done chan struct{}
	once sync.Once
}

// NewCompletion creates an incomplete latch.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete marks the latch complete. It reports whether this call flipped it.
func (c *Completion) Complete() bool {
	flipped := false
	c.once.Do(func() {
		close(c.done)
		flipped = true
	})
	return flipped
}

// IsComplete reports whether the latch is complete.
func (c *Completion) IsComplete() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on completion.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Await blocks until completion or until ctx is done, returning ctx.Err() in
// the latter case.
func (c *Completion) Await(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitTimeout blocks until completion or until d elapses. It reports whether
// the latch completed. A timeout is not an error.
func (c *Completion) AwaitTimeout(d time.Duration) bool {
	if c.IsComplete() {
		return true
	}
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.done:
		return true
	case <-timer.C:
		return false
	}
}
