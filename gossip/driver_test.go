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

package gossip_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/gossip"
	"github.com/nabbar/geoproxy/logging"
)

func freeUDPAddr() string {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	Expect(err).NotTo(HaveOccurred())
	addr := conn.LocalAddr().String()
	Expect(conn.Close()).To(Succeed())
	return addr
}

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})

	AfterEach(func() {
		cancel()
	})

	It("discovers a bootstrap peer and exchanges a member list", func() {
		addrA := freeUDPAddr()
		addrB := freeUDPAddr()

		a := gossip.NewDriver(gossip.Config{
			Identity:       gossip.Identity{NodeID: "a", GossipAddr: addrA, TransportAddr: addrA},
			GossipInterval: 20 * time.Millisecond,
		}, gossip.NewTable(), logging.Noop())

		b := gossip.NewDriver(gossip.Config{
			Identity:       gossip.Identity{NodeID: "b", GossipAddr: addrB, TransportAddr: addrB},
			Bootstrap:      []string{addrA},
			GossipInterval: 20 * time.Millisecond,
		}, gossip.NewTable(), logging.Noop())

		Expect(a.Start(ctx)).To(Succeed())
		Expect(b.Start(ctx)).To(Succeed())
		defer func() {
			_ = a.Stop(ctx)
			_ = b.Stop(ctx)
		}()

		var sawB, sawA bool
		timeout := time.After(3 * time.Second)
		for !sawB || !sawA {
			select {
			case ev := <-a.Events():
				if ev.Kind == gossip.EventMemberJoined && ev.Member.NodeID == "b" {
					sawB = true
				}
			case ev := <-b.Events():
				if ev.Kind == gossip.EventMemberJoined && ev.Member.NodeID == "a" {
					sawA = true
				}
			case <-timeout:
				Fail("timed out waiting for mutual member discovery")
			}
		}
	})
})
