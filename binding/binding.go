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

// Package binding holds the sticky client-IP to backend-id table: created
// on first selection, refreshed on every reuse, and swept for age by a
// periodic task. It never expires entries on its own clock — the caller
// decides the TTL and drives the sweep — so the proxy service stays in
// control of when a binding goes stale.
package binding

import (
	"time"

	"github.com/nabbar/geoproxy/cache"
	"github.com/nabbar/geoproxy/model"
)

// Repository is the client-IP to backend-id table.
type Repository interface {
	// Get returns the binding for key, if one exists.
	Get(key model.ClientKey) (model.Binding, bool)

	// Touch refreshes LastSeen on an existing binding. A no-op if the
	// binding is absent.
	Touch(key model.ClientKey)

	// Set creates or replaces the binding for key to backendID, stamping
	// CreatedAt and LastSeen to now.
	Set(key model.ClientKey, backendID string)

	// Remove deletes any binding for key.
	Remove(key model.ClientKey)

	// CleanupExpired removes every binding whose age exceeds ttl,
	// returning the number removed.
	CleanupExpired(ttl time.Duration) int

	// Len returns the number of bindings currently held.
	Len() int
}

// Store is the Repository implementation. It wraps the generic cache
// package with a nil TTL (no self-expiry) since age is judged against
// CreatedAt via model.Binding.Expired, swept explicitly by CleanupExpired.
type Store struct {
	data *cache.Cache[model.ClientKey, model.Binding]
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: cache.New[model.ClientKey, model.Binding](0)}
}

func (s *Store) Get(key model.ClientKey) (model.Binding, bool) {
	return s.data.Load(key)
}

func (s *Store) Touch(key model.ClientKey) {
	b, ok := s.data.Load(key)
	if !ok {
		return
	}
	b.LastSeen = time.Now()
	s.data.Store(key, b)
}

func (s *Store) Set(key model.ClientKey, backendID string) {
	now := time.Now()
	s.data.Store(key, model.Binding{
		Client:    key,
		BackendID: backendID,
		CreatedAt: now,
		LastSeen:  now,
	})
}

func (s *Store) Remove(key model.ClientKey) {
	s.data.Delete(key)
}

func (s *Store) CleanupExpired(ttl time.Duration) int {
	now := time.Now()
	var stale []model.ClientKey

	s.data.Walk(func(key model.ClientKey, b model.Binding) bool {
		if b.Expired(now, ttl) {
			stale = append(stale, key)
		}
		return true
	})

	for _, key := range stale {
		s.data.Delete(key)
	}
	return len(stale)
}

func (s *Store) Len() int {
	return s.data.Len()
}

var _ Repository = (*Store)(nil)
