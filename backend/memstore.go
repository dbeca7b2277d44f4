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

package backend

import (
	"sync"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/model"
)

// MemStore is a process-local Repository backed by a map. Readers never
// block writers out of each other's way beyond a single RWMutex; point
// writes are cheap since the table fits comfortably in memory.
type MemStore struct {
	mu       sync.RWMutex
	backends map[string]model.Backend
	version  uint64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{backends: make(map[string]model.Backend)}
}

func (m *MemStore) Upsert(b model.Backend) errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.ID] = b
	m.version++
	return nil
}

func (m *MemStore) Delete(id string) errors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backends[id]; !ok {
		return errors.CodeError(ErrorNotFound).Error()
	}
	delete(m.backends, id)
	m.version++
	return nil
}

func (m *MemStore) Get(id string) (model.Backend, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backends[id]
	return b, ok
}

func (m *MemStore) All() []model.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Backend, 0, len(m.backends))
	for _, b := range m.backends {
		out = append(out, b)
	}
	return out
}

func (m *MemStore) Healthy() []model.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Backend, 0, len(m.backends))
	for _, b := range m.backends {
		if b.Healthy {
			out = append(out, b)
		}
	}
	return out
}

func (m *MemStore) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

var _ Repository = (*MemStore)(nil)
