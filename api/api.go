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

// Package api is the backend registration HTTP surface: backends POST
// their presence and heartbeats here, operators GET the current table.
// It is a single gin engine on a single listener, not a pool of named
// servers - see DESIGN.md for why the teacher's httpserver pool
// abstraction isn't used here.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nabbar/geoproxy/backend"
	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/runner"
)

const (
	ErrorListen errors.CodeError = iota + errors.MinPkgAPI
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorListen: "failed to start registration api listener",
	})
}

const (
	DefaultHeartbeatTTL  = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second

	DefaultWeight    = 2
	DefaultSoftLimit = 100
	DefaultHardLimit = 150
)

// Replicator is the subset of agent.Agent the API needs: queuing a
// local mutation so it propagates to every other node in the cluster.
// Kept as an interface so the package is testable without a running
// gossip/transport stack.
type Replicator interface {
	RecordChange(table, pk string, kind model.ChangeKind, data string) model.Change
}

// Config configures the registration listener.
type Config struct {
	ListenAddr string

	// HeartbeatTTL is the age past which a backend is considered
	// unhealthy, then removed entirely by the periodic sweep.
	HeartbeatTTL  time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Server is the registration API: a gin engine wrapping an in-process
// heartbeat clock plus the shared backend repository, served on its own
// http.Server.
type Server struct {
	cfg Config
	log logging.Logger

	backends backend.Repository
	repl     Replicator

	engine *gin.Engine
	http   *http.Server

	sweep runner.Ticker

	hbMu sync.Mutex
	hb   map[string]time.Time
}

// New builds a Server. repl is optional: a nil Replicator means
// registrations are applied locally only, never broadcast.
func New(cfg Config, backends backend.Repository, repl Replicator, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		log:      log.With("api"),
		backends: backends,
		repl:     repl,
		hb:       make(map[string]time.Time),
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()

	s.http = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.engine,
	}
	s.sweep = runner.New(cfg.SweepInterval, s.onSweepTick)
	return s
}

// Engine exposes the underlying gin engine, mainly so tests can drive
// routes directly without a bound listener.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("api request", logging.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// Start binds the listener, serves in the background, and starts the
// periodic heartbeat sweep.
func (s *Server) Start(ctx context.Context) errors.Error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.CodeError(ErrorListen).Error(err)
	}

	go func() {
		if serveErr := s.http.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			s.log.Error("api listener stopped", logging.Fields{"error": serveErr.Error()})
		}
	}()

	_ = s.sweep.Start(ctx)
	s.log.Info("registration api started", logging.Fields{"addr": s.cfg.ListenAddr})
	return nil
}

// Shutdown gracefully stops the HTTP listener and the sweep task.
func (s *Server) Shutdown(ctx context.Context) error {
	_ = s.sweep.Stop(ctx)
	return s.http.Shutdown(ctx)
}
