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
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
)

var errInvalidPublicIP = errors.New("public ip service returned an unparseable address")

// publicIPCache holds this node's own geo location, derived once from
// its public egress IP and reused for every loopback client afterward.
// A failed fetch leaves the cache empty so the next loopback connection
// retries, rather than pinning a permanent "no geo" result.
type publicIPCache struct {
	mu  sync.RWMutex
	geo *model.GeoInfo
}

func (c *publicIPCache) get() (model.GeoInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.geo == nil {
		return model.GeoInfo{}, false
	}
	return *c.geo, true
}

func (c *publicIPCache) set(g model.GeoInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.geo = &g
}

// resolveLoopbackGeo returns the cached geo for this node's public IP,
// fetching and resolving it on first use.
func (s *Server) resolveLoopbackGeo(ctx context.Context) (model.GeoInfo, bool) {
	if g, ok := s.publicIP.get(); ok {
		return g, true
	}

	ip, err := fetchPublicIP(ctx, s.cfg.PublicIPURL, s.cfg.PublicIPTimeout)
	if err != nil {
		s.log.Debug("failed to fetch public ip", logging.Fields{"error": err.Error()})
		return model.GeoInfo{}, false
	}

	g, gerr := s.geo.ResolveLoopback(ip)
	if gerr != nil {
		s.log.Debug("failed to resolve public ip geo", logging.Fields{"ip": ip.String(), "error": gerr.Error()})
		return model.GeoInfo{}, false
	}

	s.publicIP.set(g)
	return g, true
}

// fetchPublicIP asks an external IP-echo service for this node's public
// address. Grounded on the original's use of the AWS checkip endpoint;
// the URL is configurable so tests never make a real network call.
func fetchPublicIP(ctx context.Context, url string, timeout time.Duration) (net.IP, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return nil, errInvalidPublicIP
	}
	return ip, nil
}
