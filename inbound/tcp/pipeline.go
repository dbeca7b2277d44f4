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

package tcp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
)

func hostIP(addr net.Addr) net.IP {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// handleConnection runs the full per-connection pipeline: rate limiting,
// geo resolution, backend selection, dial, and bidirectional copy. It
// never returns an error; every failure is logged and the connection is
// simply closed, matching the original's "proxy errors never propagate"
// posture.
func (s *Server) handleConnection(ctx context.Context, client net.Conn) {
	defer func() { _ = client.Close() }()

	clientIP := hostIP(client.RemoteAddr())
	if clientIP == nil {
		s.log.Warn("could not parse client address", logging.Fields{"remote": client.RemoteAddr().String()})
		return
	}

	if s.limiter != nil && !s.limiter.Check(clientIP) {
		s.log.Debug("rate limit exceeded", logging.Fields{"client": clientIP.String()})
		return
	}

	geoInfo := s.resolveGeo(ctx, clientIP)

	backend, ok := s.proxy.ResolveBackendWithGeo(clientIP, geoInfo)
	if !ok {
		s.log.Warn("no backend available", logging.Fields{"client": clientIP.String()})
		return
	}

	if s.breaker != nil && !s.breaker.AllowRequest(backend.ID) {
		s.log.Warn("circuit open, refusing dial", logging.Fields{"backend": backend.ID})
		return
	}

	backendAddr := backend.Addr()
	s.log.Debug("proxying connection", logging.Fields{"client": clientIP.String(), "backend": backend.ID, "addr": backendAddr})

	t0 := time.Now()
	backendConn, err := net.DialTimeout("tcp", backendAddr, s.cfg.DialTimeout)
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure(backend.ID)
		}
		s.proxy.ClearBinding(clientIP)
		s.log.Error("failed to dial backend", logging.Fields{"backend": backend.ID, "addr": backendAddr, "error": err.Error()})
		return
	}
	defer func() { _ = backendConn.Close() }()

	if s.breaker != nil {
		s.breaker.RecordSuccess(backend.ID)
	}
	rtt := uint64(time.Since(t0).Milliseconds())
	s.proxy.RecordRTT(backend.ID, rtt)
	s.proxy.RecordConnectionStart(backend.ID)
	defer s.proxy.RecordConnectionEnd(backend.ID)

	proxyBidirectional(client, backendConn, s.log)
}

// proxyBidirectional copies bytes in both directions until each side's
// read half returns EOF or error, propagating a half-close (CloseWrite)
// to the other connection's write half as each direction finishes. Copy
// errors are expected (peer reset, peer close) and only ever logged at
// trace level.
func proxyBidirectional(client, backend net.Conn, log logging.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, client)
		closeWrite(backend)
		if err != nil {
			log.Trace("client->backend copy ended", logging.Fields{"error": err.Error()})
		}
	}()

	go func() {
		defer wg.Done()
		_, err := io.Copy(client, backend)
		closeWrite(client)
		if err != nil {
			log.Trace("backend->client copy ended", logging.Fields{"error": err.Error()})
		}
	}()

	wg.Wait()
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// resolveGeo implements spec.md §4.3 step 1: loopback clients consult
// the lazily-fetched public-IP geo cache, everyone else resolves
// directly. A nil geo.Resolver (no GeoIP database configured) makes
// every client geo-less, which proxy.Service treats as "no regional
// preference."
func (s *Server) resolveGeo(ctx context.Context, clientIP net.IP) *model.GeoInfo {
	if s.geo == nil {
		return nil
	}

	if clientIP.IsLoopback() {
		g, ok := s.resolveLoopbackGeo(ctx)
		if !ok {
			return nil
		}
		return &g
	}

	g, err := s.geo.Resolve(clientIP)
	if err != nil {
		s.log.Debug("geo resolution failed", logging.Fields{"client": clientIP.String(), "error": err.Error()})
		return nil
	}
	return &g
}
