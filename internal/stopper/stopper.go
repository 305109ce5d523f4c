// Package stopper provides cooperative goroutine lifecycle management:
// a *Context is handed to background work instead of a bare
// context.Context, so the thing that started a goroutine can also wait
// for it to actually finish before returning.
package stopper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Context wraps a context.Context with goroutine bookkeeping. It
// implements context.Context itself so it can be passed anywhere a
// plain context is expected.
type Context struct {
	context.Context
	cancel context.CancelFunc

	mu struct {
		sync.Mutex
		wg      sync.WaitGroup
		err     error
		stopped bool
	}
	stopping chan struct{}
}

// WithContext creates a Context bound to parent's cancellation.
func WithContext(parent context.Context) *Context {
	inner, cancel := context.WithCancel(parent)
	return &Context{
		Context:  inner,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
}

// Go runs fn in a new goroutine tracked by this Context. If fn returns
// a non-nil error, it is recorded (the first one wins) and the Context
// is cancelled, unblocking every other goroutine waiting on Done().
// Stopping() is not closed by this; only Stop closes it.
func (c *Context) Go(fn func() error) {
	c.mu.wg.Add(1)
	go func() {
		defer c.mu.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			c.mu.Lock()
			if c.mu.err == nil {
				c.mu.err = err
			}
			c.mu.Unlock()
			c.cancel()
		}
	}()
}

// Stopping returns a channel that closes once Stop has been called, so
// long-running loops can select on it for an explicit stop request.
// Done closes on Stop as well, but also when the parent context is
// cancelled or a goroutine started by Go returns an error.
func (c *Context) Stopping() <-chan struct{} { return c.stopping }

// Stop requests cancellation and blocks until every goroutine started
// via Go has returned, or grace elapses, whichever comes first. It is
// safe to call more than once.
func (c *Context) Stop(grace time.Duration) error {
	c.mu.Lock()
	alreadyStopped := c.mu.stopped
	c.mu.stopped = true
	c.mu.Unlock()
	if !alreadyStopped {
		close(c.stopping)
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.mu.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.err
}
