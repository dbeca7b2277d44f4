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

package tcp_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/backend"
	"github.com/nabbar/geoproxy/binding"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/metrics"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/proxy"
	"github.com/nabbar/geoproxy/resilience/circuitbreaker"
	"github.com/nabbar/geoproxy/resilience/ratelimiter"
	tcp "github.com/nabbar/geoproxy/inbound/tcp"
)

func freeAddr() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	addr := l.Addr().String()
	Expect(l.Close()).To(Succeed())
	return addr
}

// echoBackend starts a plain TCP listener that echoes everything it reads
// back to the caller, closing its write half once the caller does.
func echoBackend() (addr string, stop func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), func() { _ = ln.Close() }
}

func newTestService(backendAddr string, healthy bool) *proxy.Service {
	host, portStr, err := net.SplitHostPort(backendAddr)
	Expect(err).NotTo(HaveOccurred())
	var port uint16
	_, err = fmt.Sscanf(portStr, "%d", &port)
	Expect(err).NotTo(HaveOccurred())

	backends := backend.NewMemStore()
	Expect(backends.Upsert(model.Backend{
		ID:      "b1",
		App:     "web",
		Region:  model.RegionEurope,
		Country: "FR",
		IP:      net.ParseIP(host),
		Port:    port,
		Healthy: healthy,
	})).To(BeNil())

	return proxy.New(backends, binding.New(), metrics.NewMemStore(), model.RegionEurope, logging.Noop())
}

func dialAndEcho(addr string, payload string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte(payload)); err != nil {
		return "", err
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", err
	}
	return reply, nil
}

var _ = Describe("inbound/tcp Server", func() {
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

	It("reports its lifecycle through IsRunning/IsGone and proxies a connection end to end", func() {
		backendAddr, stopBackend := echoBackend()
		defer stopBackend()

		svc := newTestService(backendAddr, true)
		listenAddr := freeAddr()

		srv, cerr := tcp.New(tcp.Config{ListenAddr: listenAddr}, svc, nil, nil, nil, logging.Noop())
		Expect(cerr).To(BeNil())

		Expect(srv.IsRunning()).To(BeFalse())
		Expect(srv.Start(ctx)).To(BeNil())
		Expect(srv.IsRunning()).To(BeTrue())
		Expect(srv.IsGone()).To(BeFalse())

		reply, err := dialAndEcho(listenAddr, "hello\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal("hello\n"))

		Eventually(srv.OpenConnections, time.Second, 10*time.Millisecond).Should(Equal(int64(0)))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		Expect(srv.Shutdown(shutdownCtx)).To(Succeed())
		Expect(srv.IsGone()).To(BeTrue())
		Expect(srv.IsRunning()).To(BeFalse())
	})

	It("drops the connection when no backend is reachable", func() {
		svc := newTestService("127.0.0.1:1", false)
		listenAddr := freeAddr()

		srv, cerr := tcp.New(tcp.Config{ListenAddr: listenAddr}, svc, nil, nil, nil, logging.Noop())
		Expect(cerr).To(BeNil())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Close() }()

		conn, err := net.DialTimeout("tcp", listenAddr, 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = conn.Close() }()

		buf := make([]byte, 1)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("refuses a connection once the rate limiter is exhausted", func() {
		backendAddr, stopBackend := echoBackend()
		defer stopBackend()

		svc := newTestService(backendAddr, true)
		listenAddr := freeAddr()

		limiter := ratelimiter.New(ratelimiter.Config{MaxRequests: 1, Window: time.Hour, BurstSize: 0})

		srv, cerr := tcp.New(tcp.Config{ListenAddr: listenAddr}, svc, nil, nil, limiter, logging.Noop())
		Expect(cerr).To(BeNil())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Close() }()

		conn, err := net.DialTimeout("tcp", listenAddr, 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = conn.Close() }()

		buf := make([]byte, 1)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("refuses to dial a backend whose circuit breaker is open", func() {
		backendAddr := freeAddr()
		svc := newTestService(backendAddr, true)
		listenAddr := freeAddr()

		breaker := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: 1,
			ResetTimeout:     time.Minute,
			SuccessThreshold: 1,
			FailureWindow:    time.Minute,
		})
		breaker.RecordFailure("b1")

		srv, cerr := tcp.New(tcp.Config{ListenAddr: listenAddr}, svc, nil, breaker, nil, logging.Noop())
		Expect(cerr).To(BeNil())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Close() }()

		conn, err := net.DialTimeout("tcp", listenAddr, 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = conn.Close() }()

		buf := make([]byte, 1)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("terminates the TLS connection and proxies plaintext to the backend", func() {
		backendAddr, stopBackend := echoBackend()
		defer stopBackend()

		svc := newTestService(backendAddr, true)
		listenAddr := freeAddr()

		srv, cerr := tcp.New(tcp.Config{
			ListenAddr: listenAddr,
			TLS:        true,
			Domain:     "localhost",
		}, svc, nil, nil, nil, logging.Noop())
		Expect(cerr).To(BeNil())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Close() }()

		conn, err := tls.Dial("tcp", listenAddr, &tls.Config{InsecureSkipVerify: true})
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = conn.Close() }()

		_, err = conn.Write([]byte("hi\n"))
		Expect(err).NotTo(HaveOccurred())

		reply, err := bufio.NewReader(conn).ReadString('\n')
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal("hi\n"))
	})

	It("drops the connection silently on a failed TLS handshake", func() {
		backendAddr, stopBackend := echoBackend()
		defer stopBackend()

		svc := newTestService(backendAddr, true)
		listenAddr := freeAddr()

		srv, cerr := tcp.New(tcp.Config{
			ListenAddr: listenAddr,
			TLS:        true,
			Domain:     "localhost",
		}, svc, nil, nil, nil, logging.Noop())
		Expect(cerr).To(BeNil())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Close() }()

		conn, err := net.DialTimeout("tcp", listenAddr, 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = conn.Close() }()

		_, err = conn.Write([]byte("not a tls handshake"))
		Expect(err).NotTo(HaveOccurred())

		buf := make([]byte, 1)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = conn.Read(buf)
		Expect(err).To(HaveOccurred())
	})

	It("resolves a loopback client's geo from a fake public-IP endpoint and caches it", func() {
		backendAddr, stopBackend := echoBackend()
		defer stopBackend()

		svc := newTestService(backendAddr, true)
		listenAddr := freeAddr()

		hits := 0
		fakeIPEcho := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			_, _ = w.Write([]byte("203.0.113.7"))
		}))
		defer fakeIPEcho.Close()

		srv, cerr := tcp.New(tcp.Config{
			ListenAddr:      listenAddr,
			PublicIPURL:     fakeIPEcho.URL,
			PublicIPTimeout: time.Second,
		}, svc, nil, nil, nil, logging.Noop())
		Expect(cerr).To(BeNil())
		Expect(srv.Start(ctx)).To(BeNil())
		defer func() { _ = srv.Close() }()

		// No geo.Resolver is configured, so the fetch never fires: nil
		// resolver means resolveGeo short-circuits before the loopback
		// path tries to reach the echo service at all.
		reply, err := dialAndEcho(listenAddr, "ping\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(reply).To(Equal("ping\n"))
		Expect(hits).To(Equal(0))
	})
})
