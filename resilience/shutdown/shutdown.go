/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package shutdown coordinates graceful termination across every
// long-running task: a connection counter, a broadcastable shutdown
// signal, and a drain wait with deadline.
package shutdown

import (
	"sync"
	"time"
)

// Controller holds one shutdown signal and one connection count. Each
// inbound TCP server creates and owns its own Controller; no Controller
// is shared between servers or with the periodic tasks.
type Controller struct {
	mu       sync.Mutex
	active   int
	shutdown bool

	shutdownCh chan struct{}
	drainCh    chan struct{}
	closeOnce  sync.Once
}

// New returns a Controller that has not yet begun shutting down.
func New() *Controller {
	return &Controller{
		shutdownCh: make(chan struct{}),
		drainCh:    make(chan struct{}, 1),
	}
}

// Done returns a channel closed the moment Shutdown is first called.
func (c *Controller) Done() <-chan struct{} {
	return c.shutdownCh
}

// Shutdown initiates graceful termination. Idempotent: only the first
// call has any effect.
func (c *Controller) Shutdown() {
	c.closeOnce.Do(func() {
		close(c.shutdownCh)
	})
}

// IsShutdown reports whether Shutdown has been called.
func (c *Controller) IsShutdown() bool {
	select {
	case <-c.shutdownCh:
		return true
	default:
		return false
	}
}

// ActiveConnections returns the current connection count.
func (c *Controller) ActiveConnections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) connectionStarted() {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
}

func (c *Controller) connectionEnded() {
	c.mu.Lock()
	c.active--
	drained := c.active == 0 && c.shutdown
	c.mu.Unlock()

	if drained {
		c.notifyDrained()
	}
}

func (c *Controller) notifyDrained() {
	select {
	case c.drainCh <- struct{}{}:
	default:
	}
}

// ConnectionGuard is a handle to one active connection. Callers must
// call Release exactly once (typically via defer) when the connection
// ends.
type ConnectionGuard struct {
	controller *Controller
	released   bool
}

// Release decrements the connection count. Safe to call more than once;
// only the first call has any effect.
func (g *ConnectionGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.controller.connectionEnded()
}

// ConnectionGuard increments the active count and returns a handle the
// caller must Release when the connection ends.
func (c *Controller) ConnectionGuard() *ConnectionGuard {
	c.connectionStarted()
	return &ConnectionGuard{controller: c}
}

// WaitForDrain blocks until ActiveConnections reaches zero or deadline
// elapses, returning true if drained, false on timeout.
func (c *Controller) WaitForDrain(deadline time.Duration) bool {
	c.mu.Lock()
	c.shutdown = true
	drained := c.active == 0
	c.mu.Unlock()

	if drained {
		return true
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-c.drainCh:
		return true
	case <-timer.C:
		return false
	}
}
