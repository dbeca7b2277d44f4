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

package model

import (
	"fmt"
	"hash/crc32"
	"time"
)

// HLC is a hybrid logical clock timestamp: wall-clock microseconds, a
// logical counter for ties at the same wall instant, and a node-hash used
// only as a final, deterministic tie-breaker. HLC values are totally
// ordered lexicographically on (WallMicros, Counter, NodeHash).
type HLC struct {
	WallMicros uint64
	Counter    uint32
	NodeHash   uint32
}

// nowFunc is overridable by tests that need deterministic wall time.
var nowFunc = time.Now

func nodeHash(nodeID string) uint32 {
	return crc32.ChecksumIEEE([]byte(nodeID))
}

// NewHLC returns the current HLC for nodeID, with Counter reset to 0.
func NewHLC(nodeID string) HLC {
	return HLC{
		WallMicros: uint64(nowFunc().UnixMicro()),
		Counter:    0,
		NodeHash:   nodeHash(nodeID),
	}
}

// Tick returns a new HLC for nodeID that strictly exceeds both the
// receiver and, if given, other.
func (h HLC) Tick(other *HLC, nodeID string) HLC {
	now := uint64(nowFunc().UnixMicro())
	hash := nodeHash(nodeID)

	maxWall := now
	if h.WallMicros > maxWall {
		maxWall = h.WallMicros
	}
	if other != nil && other.WallMicros > maxWall {
		maxWall = other.WallMicros
	}

	var counter uint32
	switch {
	case other != nil && maxWall == h.WallMicros && maxWall == other.WallMicros:
		counter = maxU32(h.Counter, other.Counter) + 1
	case maxWall == h.WallMicros:
		counter = h.Counter + 1
	case other != nil && maxWall == other.WallMicros:
		counter = other.Counter + 1
	default:
		counter = 0
	}

	return HLC{WallMicros: maxWall, Counter: counter, NodeHash: hash}
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Less reports whether h strictly precedes o in the total order.
func (h HLC) Less(o HLC) bool {
	if h.WallMicros != o.WallMicros {
		return h.WallMicros < o.WallMicros
	}
	if h.Counter != o.Counter {
		return h.Counter < o.Counter
	}
	return h.NodeHash < o.NodeHash
}

// Greater reports whether h strictly follows o in the total order.
func (h HLC) Greater(o HLC) bool {
	return o.Less(h)
}

func (h HLC) String() string {
	return fmt.Sprintf("%d.%d.%08x", h.WallMicros, h.Counter, h.NodeHash)
}
