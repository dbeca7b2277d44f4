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

// Package circuitbreaker implements a per-backend Closed/Open/Half-Open
// state machine gating backend dials. Every backend id gets its own
// independent record; a storm of failures against one backend never
// trips the breaker for any other.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of the three circuit positions.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the thresholds governing state transitions.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
	FailureWindow    time.Duration
}

// DefaultConfig trips after 5 failures within a 60s window, waits 30s
// before probing again, and needs 3 consecutive successes to close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 3,
		FailureWindow:    60 * time.Second,
	}
}

type record struct {
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time
}

// Breaker tracks one Config across an arbitrary number of backend ids.
type Breaker struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record
}

// New returns a Breaker using cfg. A zero Config is replaced with
// DefaultConfig.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: cfg, records: make(map[string]*record)}
}

func (b *Breaker) entry(id string) *record {
	r, ok := b.records[id]
	if !ok {
		r = &record{state: Closed}
		b.records[id] = r
	}
	return r
}

// AllowRequest reports whether a dial to backendID is currently
// permitted, transitioning Open → Half-Open once reset_timeout elapses.
func (b *Breaker) AllowRequest(backendID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.entry(backendID)
	now := time.Now()

	switch r.state {
	case Closed:
		return true
	case Open:
		if now.Sub(r.openedAt) >= b.cfg.ResetTimeout {
			r.state = HalfOpen
			r.successes = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful dial/probe against backendID.
func (b *Breaker) RecordSuccess(backendID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.entry(backendID)
	switch r.state {
	case Closed:
		r.failures = 0
	case HalfOpen:
		r.successes++
		if r.successes >= b.cfg.SuccessThreshold {
			r.state = Closed
			r.failures = 0
			r.successes = 0
		}
	}
}

// RecordFailure reports a failed dial/probe against backendID.
func (b *Breaker) RecordFailure(backendID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.entry(backendID)
	now := time.Now()

	switch r.state {
	case Closed:
		if !r.lastFailure.IsZero() && now.Sub(r.lastFailure) > b.cfg.FailureWindow {
			r.failures = 1
		} else {
			r.failures++
		}
		r.lastFailure = now
		if r.failures >= b.cfg.FailureThreshold {
			r.state = Open
			r.openedAt = now
		}
	case HalfOpen:
		r.state = Open
		r.openedAt = now
		r.successes = 0
	}
}

// State returns backendID's current state (Closed for a never-seen id).
func (b *Breaker) State(backendID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[backendID]
	if !ok {
		return Closed
	}
	return r.state
}

// Reset forces backendID back to Closed, clearing its counters.
func (b *Breaker) Reset(backendID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, backendID)
}

// ClearAll forgets every backend's record.
func (b *Breaker) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = make(map[string]*record)
}
