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

// Package healthcheck actively probes each registered backend on a
// timer, either by TCP connect or HTTP GET, and tracks consecutive
// success/failure counts per backend to decide Alive/Dead flips.
package healthcheck

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nabbar/geoproxy/model"
)

// Type selects the probe mechanism.
type Type int

const (
	TCP Type = iota
	HTTP
)

// Config tunes probe cadence and flip thresholds.
type Config struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
	Type               Type

	// Path is the HTTP path to GET when Type == HTTP.
	Path string
}

// DefaultConfig probes every 10s with a 5s timeout, TCP-connect style,
// flipping dead after 3 consecutive failures and alive again after 2
// consecutive successes.
func DefaultConfig() Config {
	return Config{
		Interval:           10 * time.Second,
		Timeout:            5 * time.Second,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
		Type:               TCP,
		Path:               "/health",
	}
}

// Status is the latest known health record for one backend.
type Status struct {
	Alive                bool
	LastCheck            time.Time
	LatencyMs            uint64
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastError            string
}

// OnChange is invoked exactly when a backend's Alive flag flips.
type OnChange func(backendID string, alive bool)

// Checker tracks per-backend Status and runs probes against a dialer.
type Checker struct {
	cfg      Config
	onChange OnChange

	mu     sync.Mutex
	status map[string]*Status

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
	http *http.Client
}

// New returns a Checker using cfg (DefaultConfig if zero-valued) and an
// optional callback fired on every Alive/Dead flip.
func New(cfg Config, onChange OnChange) *Checker {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Checker{
		cfg:      cfg,
		onChange: onChange,
		status:   make(map[string]*Status),
		dial:     net.DialTimeout,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

// RunOnce probes every backend in backends and updates their Status.
// Meant to be driven by a runner.Ticker on Config.Interval.
func (c *Checker) RunOnce(backends []model.Backend) {
	for _, b := range backends {
		latency, err := c.probe(b)
		c.record(b.ID, err, latency)
	}
}

func (c *Checker) probe(b model.Backend) (time.Duration, error) {
	addr := b.Addr()
	start := time.Now()

	var err error
	switch c.cfg.Type {
	case HTTP:
		err = c.httpProbe(addr)
	default:
		err = c.tcpProbe(addr)
	}

	return time.Since(start), err
}

func (c *Checker) tcpProbe(addr string) error {
	conn, err := c.dial("tcp", addr, c.cfg.Timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Checker) httpProbe(addr string) error {
	url := fmt.Sprintf("http://%s%s", addr, c.cfg.Path)
	resp, err := c.http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func (c *Checker) entry(id string) *Status {
	s, ok := c.status[id]
	if !ok {
		s = &Status{Alive: true}
		c.status[id] = s
	}
	return s
}

func (c *Checker) record(id string, err error, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.entry(id)
	s.LastCheck = time.Now()
	s.LatencyMs = uint64(latency.Milliseconds())

	wasAlive := s.Alive

	if err == nil {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.LastError = ""
		if !s.Alive && s.ConsecutiveSuccesses >= c.cfg.HealthyThreshold {
			s.Alive = true
		}
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		s.LastError = err.Error()
		if s.Alive && s.ConsecutiveFailures >= c.cfg.UnhealthyThreshold {
			s.Alive = false
		}
	}

	if wasAlive != s.Alive && c.onChange != nil {
		c.onChange(id, s.Alive)
	}
}

// StatusFor returns the current Status for backendID and whether one has
// been recorded yet.
func (c *Checker) StatusFor(backendID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[backendID]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// IsAlive reports the last known health for backendID, defaulting to
// alive when it has never been probed.
func (c *Checker) IsAlive(backendID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.status[backendID]
	if !ok {
		return true
	}
	return s.Alive
}
