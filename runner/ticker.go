/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
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

// Package runner provides the periodic-task primitive every background
// loop in this module is built on: the backend reload, the binding TTL
// sweep, the rate-limiter sweep, the registration API's heartbeat sweep,
// the health-check poller, the gossip probe/sweep tickers, and the
// replication flush loop all drive a runner.Ticker
// rather than hand-rolling a `for { select { case <-time.After(...) } }`
// loop.
package runner

import (
	"context"
	"sync"
	"time"
)

// defaultDuration is used whenever New is given a duration too small to
// be a meaningful tick interval.
const defaultDuration = 30 * time.Second

const minDuration = time.Millisecond

// TickFunc is invoked on every tick. A returned error is recorded but
// never stops the ticker.
type TickFunc func(ctx context.Context, tck *time.Ticker) error

// Ticker runs TickFunc on a fixed interval until stopped.
type Ticker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	IsRunning() bool
	Uptime() time.Duration
	ErrorsLast() error
	ErrorsList() []error
}

type ticker struct {
	mu   sync.Mutex
	d    time.Duration
	fn   TickFunc
	done chan struct{}

	running bool
	start   time.Time

	errMu sync.Mutex
	errs  []error
}

// New builds a Ticker firing fn every d. Durations below one millisecond
// fall back to a 30-second default rather than spinning a busy loop. A
// nil fn is accepted and treated as a no-op.
func New(d time.Duration, fn TickFunc) Ticker {
	if d < minDuration {
		d = defaultDuration
	}
	if fn == nil {
		fn = func(context.Context, *time.Ticker) error { return nil }
	}
	return &ticker{d: d, fn: fn}
}

func (t *ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		_ = t.Stop(ctx)
		t.mu.Lock()
	}

	t.errMu.Lock()
	t.errs = nil
	t.errMu.Unlock()

	done := make(chan struct{})
	t.done = done
	t.start = time.Now()
	t.running = true
	t.mu.Unlock()

	go t.loop(ctx, done)
	return nil
}

func (t *ticker) loop(ctx context.Context, done chan struct{}) {
	tk := time.NewTicker(t.d)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			t.markStopped(done)
			return
		case <-done:
			return
		case <-tk.C:
			t.runOnce(ctx, tk)
		}
	}
}

func (t *ticker) runOnce(ctx context.Context, tk *time.Ticker) {
	defer func() {
		if r := recover(); r != nil {
			t.recordErr(panicError{r})
		}
	}()
	if err := t.fn(ctx, tk); err != nil {
		t.recordErr(err)
	}
}

func (t *ticker) recordErr(err error) {
	t.errMu.Lock()
	t.errs = append(t.errs, err)
	t.errMu.Unlock()
}

func (t *ticker) markStopped(done chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-done:
	default:
		close(done)
	}
	t.running = false
	t.start = time.Time{}
}

func (t *ticker) Stop(context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	done := t.done
	t.running = false
	t.start = time.Time{}
	t.mu.Unlock()

	select {
	case <-done:
	default:
		close(done)
	}
	return nil
}

func (t *ticker) Restart(ctx context.Context) error {
	_ = t.Stop(ctx)
	return t.Start(ctx)
}

func (t *ticker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *ticker) Uptime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.start.IsZero() {
		return 0
	}
	return time.Since(t.start)
}

func (t *ticker) ErrorsLast() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if len(t.errs) == 0 {
		return nil
	}
	return t.errs[len(t.errs)-1]
}

func (t *ticker) ErrorsList() []error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	out := make([]error, len(t.errs))
	copy(out, t.errs)
	return out
}

type panicError struct {
	v interface{}
}

func (p panicError) Error() string {
	return "ticker function panicked"
}
