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

// Package tcp is the inbound TCP/TLS proxy server: it accepts client
// connections, resolves a backend through the proxy service, dials it,
// and pumps bytes both ways until either side closes. No generic socket
// abstraction sits underneath it — the accept/dial/copy pipeline here is
// specific enough (geo-aware backend resolution, half-close propagation,
// per-backend circuit breaking) that a thin wrapper would only cost a
// layer of indirection.
package tcp

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/nabbar/geoproxy/certificates"
	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/geo"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/proxy"
	"github.com/nabbar/geoproxy/resilience/circuitbreaker"
	"github.com/nabbar/geoproxy/resilience/ratelimiter"
	"github.com/nabbar/geoproxy/resilience/shutdown"
)

const (
	ErrorListen errors.CodeError = iota + errors.MinPkgInboundTCP
	ErrorTLSConfig
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorListen:    "failed to start inbound tcp listener",
		ErrorTLSConfig: "failed to build inbound tls configuration",
	})
}

// Defaults for Config fields left unset.
const (
	DefaultDialTimeout      = 5 * time.Second
	DefaultShutdownDeadline = 30 * time.Second
	DefaultPublicIPURL      = "https://checkip.amazonaws.com/"
	DefaultPublicIPTimeout  = 5 * time.Second
)

// Config configures one inbound listener, plain or TLS.
type Config struct {
	ListenAddr string

	TLS      bool
	Domain   string
	CertFile string
	KeyFile  string

	DialTimeout      time.Duration
	ShutdownDeadline time.Duration
	PublicIPURL      string
	PublicIPTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ShutdownDeadline <= 0 {
		c.ShutdownDeadline = DefaultShutdownDeadline
	}
	if c.PublicIPURL == "" {
		c.PublicIPURL = DefaultPublicIPURL
	}
	if c.PublicIPTimeout <= 0 {
		c.PublicIPTimeout = DefaultPublicIPTimeout
	}
	return c
}

// Server is one inbound TCP or TLS listener, proxying every accepted
// connection to a backend chosen by proxy.Service.
type Server struct {
	cfg Config
	log logging.Logger

	proxy   *proxy.Service
	geo     geo.Resolver
	breaker *circuitbreaker.Breaker
	limiter *ratelimiter.Limiter

	shutdown *shutdown.Controller
	tlsConf  *tls.Config

	publicIP publicIPCache

	mu       sync.Mutex
	listener net.Listener
	running  bool
	gone     bool
}

// New builds a Server. geo, breaker and limiter are each optional: a nil
// geo.Resolver disables geo-aware resolution entirely (every client is
// resolved with no GeoInfo), a nil breaker never refuses a dial, and
// a nil limiter never refuses a connection.
func New(cfg Config, svc *proxy.Service, geoResolver geo.Resolver, breaker *circuitbreaker.Breaker, limiter *ratelimiter.Limiter, log logging.Logger) (*Server, errors.Error) {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		log:      log.With("inbound.tcp"),
		proxy:    svc,
		geo:      geoResolver,
		breaker:  breaker,
		limiter:  limiter,
		shutdown: shutdown.New(),
	}

	if cfg.TLS {
		crt, err := certificates.LoadOrGenerate(cfg.Domain, cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.CodeError(ErrorTLSConfig).Error(err)
		}
		s.tlsConf = &tls.Config{
			Certificates: []tls.Certificate{crt},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return s, nil
}

// IsRunning reports whether the accept loop is currently active.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsGone reports whether the server has been closed or shut down.
func (s *Server) IsGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

// OpenConnections returns the number of connections currently being
// proxied.
func (s *Server) OpenConnections() int64 {
	return int64(s.shutdown.ActiveConnections())
}

// Start binds the listener and spawns the accept loop.
func (s *Server) Start(ctx context.Context) errors.Error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.CodeError(ErrorListen).Error(err)
	}

	s.mu.Lock()
	s.listener = ln
	s.running = true
	s.gone = false
	s.mu.Unlock()

	s.log.Info("inbound listener started", logging.Fields{"addr": s.cfg.ListenAddr, "tls": s.cfg.TLS})
	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.IsGone() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown.Done():
				return
			default:
				s.log.Warn("accept failed on inbound listener", logging.Fields{"error": err.Error()})
				return
			}
		}

		guard := s.shutdown.ConnectionGuard()
		go s.serve(ctx, conn, guard)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn, guard *shutdown.ConnectionGuard) {
	defer guard.Release()

	if s.cfg.TLS {
		tlsConn := tls.Server(conn, s.tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.log.Debug("tls handshake failed", logging.Fields{"remote": conn.RemoteAddr().String(), "error": err.Error()})
			_ = conn.Close()
			return
		}
		conn = tlsConn
	}

	s.handleConnection(ctx, conn)
}

// Shutdown stops accepting new connections and waits for active ones to
// drain, up to Config.ShutdownDeadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.running = false
	s.gone = true
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.shutdown.Shutdown()

	deadline := s.cfg.ShutdownDeadline
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < deadline {
			deadline = remaining
		}
	}
	s.shutdown.WaitForDrain(deadline)
	return nil
}

// Close stops accepting new connections immediately, without waiting
// for active ones to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.running = false
	s.gone = true
	s.mu.Unlock()

	s.shutdown.Shutdown()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
