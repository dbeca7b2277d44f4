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

// Package dns answers A queries for backends under an internal domain
// suffix, reusing the same selection logic the TCP listener uses so DNS
// answers and proxied connections agree for a given client.
package dns

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/geo"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/proxy"
)

const (
	ErrorListen errors.CodeError = iota + errors.MinPkgInboundDNS
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorListen: "failed to start inbound dns listener",
	})
}

const (
	DefaultSuffix = "internal"
	DefaultTTL    = 30 * time.Second
)

// Config configures the DNS listener.
type Config struct {
	ListenAddr string

	// Suffix is the domain under which app names resolve, e.g.
	// "internal" for queries of the form "myapp.internal".
	Suffix string

	// TTL is the TTL set on every answer.
	TTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Suffix == "" {
		c.Suffix = DefaultSuffix
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	return c
}

// Server is a UDP DNS listener answering A queries for one internal
// domain suffix.
type Server struct {
	cfg Config
	log logging.Logger

	proxy *proxy.Service
	geo   geo.Resolver

	udp *dns.Server
}

// New builds a Server. geoResolver is optional: a nil resolver makes
// every non-loopback client geo-less, same as the TCP listener.
func New(cfg Config, svc *proxy.Service, geoResolver geo.Resolver, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:   cfg,
		log:   log.With("inbound.dns"),
		proxy: svc,
		geo:   geoResolver,
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.udp = &dns.Server{
		Addr:    cfg.ListenAddr,
		Net:     "udp",
		Handler: mux,
	}
	return s
}

// Start binds the UDP socket and serves in the background. It blocks
// until the listener is actually accepting, matching the teacher's
// pattern of surfacing bind failures synchronously to the caller.
func (s *Server) Start(ctx context.Context) errors.Error {
	started := make(chan error, 1)
	s.udp.NotifyStartedFunc = func() { started <- nil }

	go func() {
		if err := s.udp.ListenAndServe(); err != nil {
			select {
			case started <- err:
			default:
				s.log.Error("dns listener stopped", logging.Fields{"error": err.Error()})
			}
		}
	}()

	select {
	case err := <-started:
		if err != nil {
			return errors.CodeError(ErrorListen).Error(err)
		}
	case <-time.After(2 * time.Second):
		return errors.CodeError(ErrorListen).Error(nil)
	case <-ctx.Done():
		return errors.CodeError(ErrorListen).Error(ctx.Err())
	}

	s.log.Info("dns listener started", logging.Fields{"addr": s.cfg.ListenAddr, "suffix": s.cfg.Suffix})
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.udp.ShutdownContext(ctx)
}

func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	if len(r.Question) != 1 {
		msg.Rcode = dns.RcodeFormatError
		_ = w.WriteMsg(msg)
		return
	}

	q := r.Question[0]
	if q.Qtype != dns.TypeA {
		msg.Rcode = dns.RcodeNotImplemented
		_ = w.WriteMsg(msg)
		return
	}

	clientIP := hostIP(w.RemoteAddr())
	ip, ok := s.resolve(q.Name, clientIP)
	if !ok {
		msg.Rcode = dns.RcodeNameError
		s.log.Debug("dns nxdomain", logging.Fields{"name": q.Name, "client": clientIP.String()})
		_ = w.WriteMsg(msg)
		return
	}

	msg.Answer = append(msg.Answer, &dns.A{
		Hdr: dns.RR_Header{
			Name:   q.Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    uint32(s.cfg.TTL.Seconds()),
		},
		A: ip,
	})

	s.log.Info("dns resolved", logging.Fields{"name": q.Name, "client": clientIP.String(), "ip": ip.String()})
	_ = w.WriteMsg(msg)
}

// resolve implements spec.md §4.4's parsing and selection rules: strip
// the trailing dot, match the configured suffix (the bare suffix itself
// resolves to any backend), resolve the client's geo, and defer backend
// choice to the same selection logic the TCP listener uses. The parsed
// app-name label is intentionally never used to filter candidates —
// the original left that unimplemented, and this keeps the same
// observable behavior rather than silently adding filtering it never
// had.
func (s *Server) resolve(name string, clientIP net.IP) (net.IP, bool) {
	query := strings.TrimSuffix(name, ".")

	suffix := "." + s.cfg.Suffix
	if query != s.cfg.Suffix && !strings.HasSuffix(query, suffix) {
		return nil, false
	}

	g := s.resolveClientGeo(clientIP)

	backend, ok := s.proxy.ResolveBackendWithGeo(clientIP, g)
	if !ok {
		return nil, false
	}

	ip := backend.IP
	if ip == nil {
		ip = net.ParseIP(backend.RawIP)
	}
	v4 := ip.To4()
	if v4 == nil {
		s.log.Warn("backend has no ipv4 address", logging.Fields{"backend": backend.ID})
		return nil, false
	}
	return v4, true
}

// resolveClientGeo mirrors the original handler: loopback clients are
// never geo-resolved here (unlike the TCP listener, the DNS path has no
// public-IP fallback), and a nil geo.Resolver leaves every client
// geo-less.
func (s *Server) resolveClientGeo(clientIP net.IP) *model.GeoInfo {
	if s.geo == nil || clientIP == nil || clientIP.IsLoopback() {
		return nil
	}
	g, err := s.geo.Resolve(clientIP)
	if err != nil {
		s.log.Debug("geo resolution failed", logging.Fields{"client": clientIP.String(), "error": err.Error()})
		return nil
	}
	return &g
}

func hostIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
