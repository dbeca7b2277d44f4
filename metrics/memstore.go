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

package metrics

import "sync"

type backendCounters struct {
	active  uint32
	total   uint64
	lastRTT uint64
	rttSum  uint64
	rttN    uint64
	errors  uint64
}

// MemStore is a process-local, mutex-guarded Store. Suitable for
// single-node deployments and as the default in tests.
type MemStore struct {
	mu       sync.Mutex
	backends map[string]*backendCounters
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{backends: make(map[string]*backendCounters)}
}

func (m *MemStore) entry(id string) *backendCounters {
	c, ok := m.backends[id]
	if !ok {
		c = &backendCounters{}
		m.backends[id] = c
	}
	return c
}

func (m *MemStore) IncrementConnections(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.entry(id)
	c.active++
	c.total++
}

func (m *MemStore) DecrementConnections(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.backends[id]
	if !ok || c.active == 0 {
		return
	}
	c.active--
}

func (m *MemStore) ActiveConnections(id string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.backends[id]; ok {
		return c.active
	}
	return 0
}

func (m *MemStore) RecordRTT(id string, ms uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.entry(id)
	c.lastRTT = ms
	c.rttSum += ms
	c.rttN++
}

func (m *MemStore) LastRTT(id string) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.backends[id]
	if !ok {
		return 0, false
	}
	return c.lastRTT, true
}

func (m *MemStore) AvgRTT(id string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.backends[id]
	if !ok || c.rttN == 0 {
		return 0
	}
	return float64(c.rttSum) / float64(c.rttN)
}

func (m *MemStore) RecordError(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(id).errors++
}

func (m *MemStore) BackendIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.backends))
	for id := range m.backends {
		out = append(out, id)
	}
	return out
}

var _ Store = (*MemStore)(nil)
