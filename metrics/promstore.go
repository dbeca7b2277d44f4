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

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// readGauge extracts the current float64 value of a single-label-set
// gauge. The Prometheus client does not expose a direct getter, so this
// goes through the same Write-to-dto.Metric path the registry's
// scrape handler uses internally.
func readGauge(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

// PromStore is a Store backed by Prometheus collectors, registered
// under a fixed region label so multi-POP deployments stay
// distinguishable in one scrape target. Wraps the same counters the
// MemStore tracks, but exposes them through prometheus.Collector so an
// operator's existing scrape/registry setup picks them up for free.
type PromStore struct {
	region string

	connectionsTotal *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	activeGauge      *prometheus.GaugeVec
	rttGauge         *prometheus.GaugeVec
	rttAvgGauge      *prometheus.GaugeVec

	mu   sync.Mutex
	rtt  map[string]*rttAccumulator
	seen map[string]struct{}
}

type rttAccumulator struct {
	last uint64
	sum  uint64
	n    uint64
}

// NewPromStore builds a PromStore and registers its collectors into reg.
func NewPromStore(region string, reg prometheus.Registerer) *PromStore {
	s := &PromStore{
		region: region,
		rtt:    make(map[string]*rttAccumulator),
		seen:   make(map[string]struct{}),
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoproxy_backend_connections_total",
			Help: "Total connections established per backend.",
		}, []string{"region", "backend"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoproxy_backend_errors_total",
			Help: "Total connection errors per backend.",
		}, []string{"region", "backend"}),
		activeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geoproxy_backend_connections_active",
			Help: "Current active connections per backend.",
		}, []string{"region", "backend"}),
		rttGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geoproxy_backend_rtt_ms",
			Help: "Last RTT to backend in milliseconds.",
		}, []string{"region", "backend"}),
		rttAvgGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "geoproxy_backend_rtt_avg_ms",
			Help: "Average RTT to backend in milliseconds.",
		}, []string{"region", "backend"}),
	}

	if reg != nil {
		reg.MustRegister(s.connectionsTotal, s.errorsTotal, s.activeGauge, s.rttGauge, s.rttAvgGauge)
	}

	return s
}

func (s *PromStore) markSeen(id string) {
	s.mu.Lock()
	s.seen[id] = struct{}{}
	s.mu.Unlock()
}

func (s *PromStore) IncrementConnections(id string) {
	s.markSeen(id)
	s.connectionsTotal.WithLabelValues(s.region, id).Inc()
	s.activeGauge.WithLabelValues(s.region, id).Inc()
}

func (s *PromStore) DecrementConnections(id string) {
	s.activeGauge.WithLabelValues(s.region, id).Dec()
}

func (s *PromStore) ActiveConnections(id string) uint32 {
	v := readGauge(s.activeGauge.WithLabelValues(s.region, id))
	if v < 0 {
		return 0
	}
	return uint32(v)
}

func (s *PromStore) RecordRTT(id string, ms uint64) {
	s.markSeen(id)

	s.mu.Lock()
	acc, ok := s.rtt[id]
	if !ok {
		acc = &rttAccumulator{}
		s.rtt[id] = acc
	}
	acc.last = ms
	acc.sum += ms
	acc.n++
	avg := float64(acc.sum) / float64(acc.n)
	s.mu.Unlock()

	s.rttGauge.WithLabelValues(s.region, id).Set(float64(ms))
	s.rttAvgGauge.WithLabelValues(s.region, id).Set(avg)
}

func (s *PromStore) LastRTT(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.rtt[id]
	if !ok {
		return 0, false
	}
	return acc.last, true
}

func (s *PromStore) AvgRTT(id string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.rtt[id]
	if !ok || acc.n == 0 {
		return 0
	}
	return float64(acc.sum) / float64(acc.n)
}

func (s *PromStore) RecordError(id string) {
	s.markSeen(id)
	s.errorsTotal.WithLabelValues(s.region, id).Inc()
}

func (s *PromStore) BackendIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for id := range s.seen {
		out = append(out, id)
	}
	return out
}

var _ Store = (*PromStore)(nil)
