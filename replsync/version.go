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

package replsync

import "sync"

// VersionVector tracks, per origin node, the highest sequence number of
// a changeset already applied. It is the dedup mechanism that makes
// re-delivery of the same changeset (gossip retransmit, replay after a
// reconnect) a no-op.
type VersionVector struct {
	mu       sync.RWMutex
	versions map[string]uint64
}

// NewVersionVector returns an empty vector.
func NewVersionVector() *VersionVector {
	return &VersionVector{versions: make(map[string]uint64)}
}

// Get returns the highest sequence seen for nodeID, or 0 if none.
func (v *VersionVector) Get(nodeID string) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.versions[nodeID]
}

// Update records seq for nodeID if it exceeds what's already recorded.
func (v *VersionVector) Update(nodeID string, seq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if seq > v.versions[nodeID] {
		v.versions[nodeID] = seq
	}
}

// HasSeen reports whether seq from nodeID has already been applied.
func (v *VersionVector) HasSeen(nodeID string, seq uint64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return seq <= v.versions[nodeID]
}

// Merge folds every entry of other into v, keeping the higher sequence
// per node.
func (v *VersionVector) Merge(other *VersionVector) {
	other.mu.RLock()
	snapshot := make(map[string]uint64, len(other.versions))
	for k, val := range other.versions {
		snapshot[k] = val
	}
	other.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range snapshot {
		if val > v.versions[k] {
			v.versions[k] = val
		}
	}
}

// Snapshot returns a copy of the vector's entries.
func (v *VersionVector) Snapshot() map[string]uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]uint64, len(v.versions))
	for k, val := range v.versions {
		out[k] = val
	}
	return out
}
