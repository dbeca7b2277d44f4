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

// Package cache provides a generic, thread-safe, TTL-expiring key-value
// store. It backs the binding repository, the loopback-client geo cache,
// and the rate limiter's per-IP token-bucket table — anywhere this
// module needs "remember this for a while, forget it automatically."
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val      V
	expireAt time.Time
}

// Cache is a generic TTL-keyed concurrent cache. A zero TTL means
// entries never expire on their own (only explicit Delete removes them).
type Cache[K comparable, V any] struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[K]entry[V]
}

// New returns an empty Cache with the given default TTL.
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{ttl: ttl, data: make(map[K]entry[V])}
}

// Store inserts or overwrites key with val, resetting its TTL.
func (c *Cache[K, V]) Store(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry[V]{val: val, expireAt: c.deadline()}
}

// StoreTTL inserts or overwrites key with val using a per-entry TTL
// override instead of the cache's default.
func (c *Cache[K, V]) StoreTTL(key K, val V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	c.data[key] = entry[V]{val: val, expireAt: deadline}
}

func (c *Cache[K, V]) deadline() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ttl)
}

// Load returns the value for key if present and not expired.
func (c *Cache[K, V]) Load(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expireAt.IsZero() && time.Now().After(e.expireAt) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Delete removes key unconditionally.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Len returns the number of entries currently stored, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Expire removes every entry whose TTL has elapsed. Safe to call
// concurrently with Store/Load; intended to be driven by a periodic
// sweep task (runner/ticker).
func (c *Cache[K, V]) Expire() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.data {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			delete(c.data, k)
		}
	}
}

// Walk calls fn for every non-expired entry. If fn returns false, Walk
// stops early.
func (c *Cache[K, V]) Walk(fn func(key K, val V) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	for k, e := range c.data {
		if !e.expireAt.IsZero() && now.After(e.expireAt) {
			continue
		}
		if !fn(k, e.val) {
			return
		}
	}
}
