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

// Package ratelimiter implements a token bucket per client IP, held in a
// package cache instance with no TTL; stale clients are removed only by
// Cleanup, which drops buckets not refilled within a given age.
package ratelimiter

import (
	"net"
	"sync"
	"time"

	"github.com/nabbar/geoproxy/cache"
)

// Config tunes the token bucket.
type Config struct {
	MaxRequests uint64
	Window      time.Duration
	BurstSize   uint64
}

// DefaultConfig allows 100 requests per second with a burst of 10.
func DefaultConfig() Config {
	return Config{MaxRequests: 100, Window: time.Second, BurstSize: 10}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// Limiter is a per-IP token bucket rate limiter.
type Limiter struct {
	cfg         Config
	refillPerMs float64
	clients     *cache.Cache[string, *bucket]
}

// New returns a Limiter using cfg. A zero Config is replaced with
// DefaultConfig.
func New(cfg Config) *Limiter {
	if cfg.MaxRequests == 0 || cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:         cfg,
		refillPerMs: float64(cfg.MaxRequests) / float64(cfg.Window.Milliseconds()),
		clients:     cache.New[string, *bucket](0),
	}
}

func (l *Limiter) entry(ip net.IP) *bucket {
	key := ip.String()
	if b, ok := l.clients.Load(key); ok {
		return b
	}
	b := &bucket{tokens: float64(l.cfg.BurstSize), lastRefill: time.Now()}
	l.clients.Store(key, b)
	return b
}

// Check is Allow with cost=1.
func (l *Limiter) Check(ip net.IP) bool {
	return l.Allow(ip, 1)
}

// Allow attempts to consume cost tokens from ip's bucket, refilling first
// based on elapsed time since the last check.
func (l *Limiter) Allow(ip net.IP, cost uint64) bool {
	b := l.entry(ip)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsedMs := float64(now.Sub(b.lastRefill).Milliseconds())
	if elapsedMs > 0 {
		b.tokens += elapsedMs * l.refillPerMs
		if b.tokens > float64(l.cfg.BurstSize) {
			b.tokens = float64(l.cfg.BurstSize)
		}
		b.lastRefill = now
	}

	if b.tokens < float64(cost) {
		return false
	}
	b.tokens -= float64(cost)
	return true
}

// Remaining returns the current token count for ip, or BurstSize if ip
// has never been seen.
func (l *Limiter) Remaining(ip net.IP) uint64 {
	if b, ok := l.clients.Load(ip.String()); ok {
		b.mu.Lock()
		defer b.mu.Unlock()
		return uint64(b.tokens)
	}
	return l.cfg.BurstSize
}

// Clear forgets ip's bucket.
func (l *Limiter) Clear(ip net.IP) {
	l.clients.Delete(ip.String())
}

// ClearAll forgets every tracked client.
func (l *Limiter) ClearAll() {
	var keys []string
	l.clients.Walk(func(key string, _ *bucket) bool {
		keys = append(keys, key)
		return true
	})

	for _, key := range keys {
		l.clients.Delete(key)
	}
}

// ClientCount returns the number of tracked clients.
func (l *Limiter) ClientCount() int {
	return l.clients.Len()
}

// Cleanup removes clients that have not been refilled within maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) int {
	now := time.Now()
	var stale []string

	l.clients.Walk(func(key string, b *bucket) bool {
		b.mu.Lock()
		age := now.Sub(b.lastRefill)
		b.mu.Unlock()
		if age >= maxAge {
			stale = append(stale, key)
		}
		return true
	})

	for _, key := range stale {
		l.clients.Delete(key)
	}
	return len(stale)
}
