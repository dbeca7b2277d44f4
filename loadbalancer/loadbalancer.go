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

// Package loadbalancer picks the best backend for a client. It has no
// I/O and takes no locks: callers hand it an already-fetched backend
// snapshot and a connection-count lookup closure.
package loadbalancer

import (
	"math"

	"github.com/nabbar/geoproxy/model"
)

// ConnCounter returns the current connection count for a backend id.
type ConnCounter func(backendID string) uint32

// Pick selects the best healthy backend from candidates for a client
// at clientGeo (nil if unknown), given the local POP's region. Returns
// false if no healthy candidate is under its hard limit.
func Pick(candidates []model.Backend, localRegion model.RegionCode, clientGeo *model.GeoInfo, conns ConnCounter) (model.Backend, bool) {
	var (
		best      model.Backend
		bestScore float64
		found     bool
	)

	for _, b := range candidates {
		if !b.Healthy {
			continue
		}

		current := float64(conns(b.ID))
		hard := float64(b.HardLimit)
		if b.HardLimit == 0 {
			hard = math.MaxFloat64
		}
		if current >= hard {
			continue
		}

		score := geoScore(b, localRegion, clientGeo)*100 + (current/float64(b.EffectiveSoftLimit()))/float64(b.EffectiveWeight())

		if !found || score < bestScore {
			best, bestScore, found = b, score, true
		}
	}

	return best, found
}

// Score is a candidate's computed score, exposed for metrics/debugging
// (mirrors calculate_all_scores from the original domain service).
type Score struct {
	BackendID string
	Value     float64
}

// AllScores computes the score for every healthy candidate without
// picking a winner.
func AllScores(candidates []model.Backend, localRegion model.RegionCode, clientGeo *model.GeoInfo, conns ConnCounter) []Score {
	out := make([]Score, 0, len(candidates))
	for _, b := range candidates {
		if !b.Healthy {
			continue
		}
		current := float64(conns(b.ID))
		score := geoScore(b, localRegion, clientGeo)*100 + (current/float64(b.EffectiveSoftLimit()))/float64(b.EffectiveWeight())
		out = append(out, Score{BackendID: b.ID, Value: score})
	}
	return out
}

// geoScore ranks a backend's geographic proximity to a client: exact
// country match beats region match beats "matches the local POP" beats
// everything else.
func geoScore(b model.Backend, localRegion model.RegionCode, clientGeo *model.GeoInfo) float64 {
	if clientGeo != nil {
		if b.Country == clientGeo.Country {
			return 0
		}
		if b.Region == clientGeo.Region {
			return 1
		}
	}
	if b.Region == localRegion {
		return 2
	}
	return 3
}
