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

package gossip

import (
	"sync"
	"time"

	"github.com/nabbar/geoproxy/model"
)

// Table is the concurrent member map shared between the sans-IO
// processor and the driver. It owns every model.Member record; callers
// only ever see snapshots via All/Alive/Get.
type Table struct {
	mu      sync.RWMutex
	members map[string]model.Member
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{members: make(map[string]model.Member)}
}

// Get returns the member record for id, if known.
func (t *Table) Get(id string) (model.Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.members[id]
	return m, ok
}

// Upsert records m as Alive with LastSeen = now, returning true if id was
// not previously known.
func (t *Table) Upsert(m model.Member) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.members[m.NodeID]
	m.State = model.MemberAlive
	m.LastSeen = time.Now()
	t.members[m.NodeID] = m
	return !existed
}

// All returns every known member, regardless of state.
func (t *Table) All() []model.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

// Alive returns every member currently in the Alive state.
func (t *Table) Alive() []model.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Member, 0, len(t.members))
	for _, m := range t.members {
		if m.State == model.MemberAlive {
			out = append(out, m)
		}
	}
	return out
}

// MarkDead transitions every Alive member whose LastSeen is older than
// timeout into Dead, returning the members that actually flipped.
func (t *Table) MarkDead(timeout time.Duration) []model.Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var flipped []model.Member
	for id, m := range t.members {
		if m.State == model.MemberAlive && now.Sub(m.LastSeen) > timeout {
			m.State = model.MemberDead
			t.members[id] = m
			flipped = append(flipped, m)
		}
	}
	return flipped
}

// Len returns the number of known members.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}
