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

package dns_test

import (
	"context"
	"net"
	"time"

	miekgdns "github.com/miekg/dns"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/backend"
	"github.com/nabbar/geoproxy/binding"
	"github.com/nabbar/geoproxy/inbound/dns"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/metrics"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/proxy"
)

func freeUDPAddr() string {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	Expect(err).NotTo(HaveOccurred())
	addr := l.LocalAddr().String()
	Expect(l.Close()).To(Succeed())
	return addr
}

func newTestService(backendIP string, v4 bool, healthy bool) *proxy.Service {
	backends := backend.NewMemStore()
	ip := net.ParseIP(backendIP)
	if v4 {
		Expect(ip.To4()).NotTo(BeNil())
	}
	Expect(backends.Upsert(model.Backend{
		ID:      "b1",
		App:     "web",
		Region:  model.RegionEurope,
		Country: "FR",
		IP:      ip,
		Port:    9000,
		Healthy: healthy,
	})).To(BeNil())

	return proxy.New(backends, binding.New(), metrics.NewMemStore(), model.RegionEurope, logging.Noop())
}

func query(addr, name string, qtype uint16) *miekgdns.Msg {
	m := new(miekgdns.Msg)
	m.SetQuestion(miekgdns.Fqdn(name), qtype)
	c := new(miekgdns.Client)
	c.Timeout = 2 * time.Second
	resp, _, err := c.Exchange(m, addr)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

var _ = Describe("inbound/dns Server", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	It("answers an A query for a name under the configured suffix", func() {
		svc := newTestService("10.0.0.5", true, true)
		addr := freeUDPAddr()

		srv := dns.New(dns.Config{ListenAddr: addr, Suffix: "internal", TTL: 15 * time.Second}, svc, nil, logging.Noop())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Shutdown(context.Background()) }()

		resp := query(addr, "myapp.internal.", miekgdns.TypeA)
		Expect(resp.Rcode).To(Equal(miekgdns.RcodeSuccess))
		Expect(resp.Answer).To(HaveLen(1))
		a, ok := resp.Answer[0].(*miekgdns.A)
		Expect(ok).To(BeTrue())
		Expect(a.A.String()).To(Equal("10.0.0.5"))
		Expect(a.Hdr.Ttl).To(Equal(uint32(15)))
	})

	It("answers the bare suffix with any backend", func() {
		svc := newTestService("10.0.0.6", true, true)
		addr := freeUDPAddr()

		srv := dns.New(dns.Config{ListenAddr: addr}, svc, nil, logging.Noop())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Shutdown(context.Background()) }()

		resp := query(addr, "internal.", miekgdns.TypeA)
		Expect(resp.Rcode).To(Equal(miekgdns.RcodeSuccess))
		Expect(resp.Answer).To(HaveLen(1))
	})

	It("returns NXDOMAIN for a name outside the configured suffix", func() {
		svc := newTestService("10.0.0.7", true, true)
		addr := freeUDPAddr()

		srv := dns.New(dns.Config{ListenAddr: addr}, svc, nil, logging.Noop())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Shutdown(context.Background()) }()

		resp := query(addr, "myapp.example.com.", miekgdns.TypeA)
		Expect(resp.Rcode).To(Equal(miekgdns.RcodeNameError))
	})

	It("returns NXDOMAIN when no healthy backend exists", func() {
		svc := newTestService("10.0.0.8", true, false)
		addr := freeUDPAddr()

		srv := dns.New(dns.Config{ListenAddr: addr}, svc, nil, logging.Noop())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Shutdown(context.Background()) }()

		resp := query(addr, "myapp.internal.", miekgdns.TypeA)
		Expect(resp.Rcode).To(Equal(miekgdns.RcodeNameError))
	})

	It("returns NXDOMAIN for an IPv6-only backend", func() {
		svc := newTestService("2001:db8::1", false, true)
		addr := freeUDPAddr()

		srv := dns.New(dns.Config{ListenAddr: addr}, svc, nil, logging.Noop())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Shutdown(context.Background()) }()

		resp := query(addr, "myapp.internal.", miekgdns.TypeA)
		Expect(resp.Rcode).To(Equal(miekgdns.RcodeNameError))
	})

	It("returns NotImp for a non-A query type", func() {
		svc := newTestService("10.0.0.9", true, true)
		addr := freeUDPAddr()

		srv := dns.New(dns.Config{ListenAddr: addr}, svc, nil, logging.Noop())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Shutdown(context.Background()) }()

		resp := query(addr, "myapp.internal.", miekgdns.TypeAAAA)
		Expect(resp.Rcode).To(Equal(miekgdns.RcodeNotImplemented))
	})
})
