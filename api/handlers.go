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

package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
)

// registerRequest is the wire shape of a backend registering itself.
type registerRequest struct {
	ID        string `json:"id" binding:"required"`
	App       string `json:"app" binding:"required"`
	Region    string `json:"region" binding:"required"`
	Country   string `json:"country"`
	IP        string `json:"ip" binding:"required"`
	Port      uint16 `json:"port" binding:"required"`
	Weight    uint32 `json:"weight"`
	SoftLimit uint32 `json:"soft_limit"`
	HardLimit uint32 `json:"hard_limit"`
}

// replicatedBackend mirrors replsync's backendChange wire shape exactly
// (see replsync/service.go), so a registration this node applies
// locally is replayed identically when a peer applies the broadcast
// changeset.
type replicatedBackend struct {
	App       string `json:"app"`
	Region    string `json:"region"`
	Country   string `json:"country"`
	IP        string `json:"ip"`
	Port      uint16 `json:"port"`
	Healthy   *bool  `json:"healthy"`
	Weight    uint32 `json:"weight"`
	SoftLimit uint32 `json:"soft_limit"`
	HardLimit uint32 `json:"hard_limit"`
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/api/v1")
	v1.POST("/register", s.handleRegister)
	v1.POST("/heartbeat/:id", s.handleHeartbeat)
	v1.DELETE("/backends/:id", s.handleDeregister)
	v1.GET("/backends", s.handleListBackends)
	v1.GET("/backends/:id", s.handleGetBackend)
	v1.GET("/backends/:id/health", s.handleGetBackendHealth)
	s.engine.GET("/health", s.handleHealth)
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	region, ok := model.ParseRegionCode(req.Region)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown region"})
		return
	}

	country := req.Country
	if country == "" {
		country = region.DefaultCountry()
	}
	weight := req.Weight
	if weight == 0 {
		weight = DefaultWeight
	}
	softLimit := req.SoftLimit
	if softLimit == 0 {
		softLimit = DefaultSoftLimit
	}
	hardLimit := req.HardLimit
	if hardLimit == 0 {
		hardLimit = DefaultHardLimit
	}

	now := time.Now()
	b := model.Backend{
		ID:            req.ID,
		App:           req.App,
		Region:        region,
		Country:       country,
		IP:            net.ParseIP(req.IP),
		RawIP:         req.IP,
		Port:          req.Port,
		Healthy:       true,
		Weight:        weight,
		SoftLimit:     softLimit,
		HardLimit:     hardLimit,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	if err := s.backends.Upsert(b); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.hbMu.Lock()
	s.hb[b.ID] = now
	s.hbMu.Unlock()

	s.replicate(b.ID, model.ChangeInsert, replicatedBackend{
		App: b.App, Region: string(b.Region), Country: b.Country, IP: req.IP, Port: b.Port,
		Healthy: boolPtr(true), Weight: weight, SoftLimit: softLimit, HardLimit: hardLimit,
	})

	s.log.Info("registered backend", logging.Fields{"id": b.ID, "app": b.App, "region": string(b.Region)})
	c.JSON(http.StatusCreated, gin.H{"id": b.ID, "registered": true})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	id := c.Param("id")
	b, ok := s.backends.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"id": id, "error": "backend not registered"})
		return
	}

	now := time.Now()
	b.LastHeartbeat = now
	b.Healthy = true
	if err := s.backends.Upsert(b); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.hbMu.Lock()
	s.hb[id] = now
	s.hbMu.Unlock()

	s.log.Debug("heartbeat", logging.Fields{"id": id})
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "ok"})
}

func (s *Server) handleDeregister(c *gin.Context) {
	id := c.Param("id")
	if err := s.backends.Delete(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"id": id, "error": "backend not found"})
		return
	}

	s.hbMu.Lock()
	delete(s.hb, id)
	s.hbMu.Unlock()

	s.replicate(id, model.ChangeDelete, replicatedBackend{})

	s.log.Info("deregistered backend", logging.Fields{"id": id})
	c.JSON(http.StatusOK, gin.H{"id": id, "deregistered": true})
}

type backendStatus struct {
	ID      string `json:"id"`
	App     string `json:"app"`
	Region  string `json:"region"`
	IP      string `json:"ip"`
	Port    uint16 `json:"port"`
	Healthy bool   `json:"healthy"`
}

func (s *Server) status(b model.Backend) backendStatus {
	ip := b.RawIP
	if b.IP != nil {
		ip = b.IP.String()
	}
	return backendStatus{
		ID:      b.ID,
		App:     b.App,
		Region:  string(b.Region),
		IP:      ip,
		Port:    b.Port,
		Healthy: s.isHealthy(b.ID, b.LastHeartbeat),
	}
}

func (s *Server) handleListBackends(c *gin.Context) {
	all := s.backends.All()
	out := make([]backendStatus, 0, len(all))
	for _, b := range all {
		out = append(out, s.status(b))
	}
	c.JSON(http.StatusOK, gin.H{"backends": out, "total": len(out)})
}

func (s *Server) handleGetBackend(c *gin.Context) {
	id := c.Param("id")
	b, ok := s.backends.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
		return
	}
	c.JSON(http.StatusOK, s.status(b))
}

func (s *Server) handleGetBackendHealth(c *gin.Context) {
	id := c.Param("id")
	b, ok := s.backends.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "backend not found"})
		return
	}

	s.hbMu.Lock()
	last, seen := s.hb[id]
	s.hbMu.Unlock()
	if !seen {
		last = b.LastHeartbeat
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         id,
		"healthy":    s.isHealthy(id, last),
		"age_second": time.Since(last).Seconds(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "registered_backends": len(s.backends.All())})
}

// isHealthy computes spec.md §4.5's healthy flag directly from the
// heartbeat clock, rather than trusting the persisted Backend.Healthy
// column, which the sweep never updates (it deletes expired backends
// instead).
func (s *Server) isHealthy(id string, lastHeartbeat time.Time) bool {
	s.hbMu.Lock()
	last, ok := s.hb[id]
	s.hbMu.Unlock()
	if !ok {
		last = lastHeartbeat
	}
	if last.IsZero() {
		return false
	}
	return time.Since(last) < s.cfg.HeartbeatTTL
}

func (s *Server) replicate(id string, kind model.ChangeKind, rb replicatedBackend) {
	if s.repl == nil {
		return
	}
	data, err := json.Marshal(rb)
	if err != nil {
		s.log.Warn("failed to marshal replicated backend change", logging.Fields{"id": id, "error": err.Error()})
		return
	}
	s.repl.RecordChange("backends", id, kind, string(data))
}

// onSweepTick removes every backend whose heartbeat age has reached the
// configured TTL, per spec.md §4.5.
func (s *Server) onSweepTick(_ context.Context, _ *time.Ticker) error {
	now := time.Now()

	s.hbMu.Lock()
	var stale []string
	for id, last := range s.hb {
		if now.Sub(last) >= s.cfg.HeartbeatTTL {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.hb, id)
	}
	s.hbMu.Unlock()

	for _, id := range stale {
		if err := s.backends.Delete(id); err != nil {
			continue
		}
		s.replicate(id, model.ChangeDelete, replicatedBackend{})
		s.log.Info("swept expired backend", logging.Fields{"id": id})
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
