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

// Package proxy orchestrates binding lookup, backend selection (for a
// GeoInfo the caller has already resolved) and metrics accounting behind
// a single Service. Every
// inbound adapter (TCP/TLS, DNS) calls through this package rather than
// touching the backend/binding/loadbalancer packages directly, so the
// resolution protocol only has one implementation to keep consistent.
package proxy

import (
	"net"
	"time"

	"github.com/nabbar/geoproxy/backend"
	"github.com/nabbar/geoproxy/binding"
	"github.com/nabbar/geoproxy/loadbalancer"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/metrics"
	"github.com/nabbar/geoproxy/model"
)

// Service resolves client connections to backends and keeps the binding
// table and metrics store in sync with the outcome.
type Service struct {
	backends backend.Repository
	bindings binding.Repository
	metrics  metrics.Store
	region   model.RegionCode
	log      logging.Logger
}

// New wires a Service from its three collaborators plus the local POP's
// region (used as the load balancer's fallback geo tier).
func New(backends backend.Repository, bindings binding.Repository, store metrics.Store, localRegion model.RegionCode, log logging.Logger) *Service {
	if log == nil {
		log = logging.New(nil, "info")
	}
	return &Service{
		backends: backends,
		bindings: bindings,
		metrics:  store,
		region:   localRegion,
		log:      log.With("proxy"),
	}
}

// ResolveBackend resolves a client IP without a pre-computed GeoInfo; the
// load balancer falls back to region-only scoring for that client.
func (s *Service) ResolveBackend(clientIP net.IP) (model.Backend, bool) {
	return s.ResolveBackendWithGeo(clientIP, nil)
}

// ResolveBackendWithGeo reuses a healthy sticky binding if one exists,
// otherwise picks a fresh backend from the healthy set and records the
// new binding.
func (s *Service) ResolveBackendWithGeo(clientIP net.IP, geo *model.GeoInfo) (model.Backend, bool) {
	key := model.NewClientKey(clientIP)

	if b, ok := s.bindings.Get(key); ok {
		s.bindings.Touch(key)
		if backendEntry, found := s.backends.Get(b.BackendID); found && backendEntry.Healthy {
			return backendEntry, true
		}
		s.bindings.Remove(key)
	}

	healthy := s.backends.Healthy()
	if len(healthy) == 0 {
		return model.Backend{}, false
	}

	chosen, ok := loadbalancer.Pick(healthy, s.region, geo, s.metrics.ActiveConnections)
	if !ok {
		return model.Backend{}, false
	}

	s.bindings.Set(key, chosen.ID)
	return chosen, true
}

// ClearBinding removes any sticky binding for clientIP, e.g. after a
// dial failure so the next attempt picks a different backend.
func (s *Service) ClearBinding(clientIP net.IP) {
	s.bindings.Remove(model.NewClientKey(clientIP))
}

func (s *Service) RecordConnectionStart(backendID string) {
	s.metrics.IncrementConnections(backendID)
}

func (s *Service) RecordConnectionEnd(backendID string) {
	s.metrics.DecrementConnections(backendID)
}

func (s *Service) RecordRTT(backendID string, ms uint64) {
	s.metrics.RecordRTT(backendID, ms)
}

// CleanupExpired sweeps the binding table for entries whose age exceeds
// ttl, returning the number removed. Meant to be driven by a
// runner.Ticker on a periodic cadence.
func (s *Service) CleanupExpired(ttl time.Duration) int {
	return s.bindings.CleanupExpired(ttl)
}
