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

package agent_test

import (
	"context"
	"fmt"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/agent"
	"github.com/nabbar/geoproxy/database"
	"github.com/nabbar/geoproxy/gossip"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/replsync"
	"github.com/nabbar/geoproxy/transport"
)

func freeUDP() string {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	Expect(err).NotTo(HaveOccurred())
	addr := l.LocalAddr().String()
	Expect(l.Close()).To(Succeed())
	return addr
}

func newTestAgent(nodeID, gossipAddr, transportAddr string, bootstrap []string) *agent.Agent {
	models := append([]interface{}{&model.Backend{}}, replsync.Schema...)
	db, err := database.Open(database.Config{DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", nodeID)}, models...)
	Expect(err).To(BeNil())

	cfg := agent.Config{
		NodeID:        nodeID,
		FlushInterval: 30 * time.Millisecond,
		Gossip: gossip.Config{
			Identity: gossip.Identity{
				NodeID:        nodeID,
				GossipAddr:    gossipAddr,
				TransportAddr: transportAddr,
			},
			Bootstrap:       bootstrap,
			GossipInterval:  50 * time.Millisecond,
			FailureInterval: time.Second,
			FailureTimeout:  5 * time.Second,
		},
		Transport: transport.Config{
			ListenAddr: transportAddr,
			Domain:     "localhost",
		},
	}
	return agent.New(cfg, db, logging.Noop())
}

var _ = Describe("Agent", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		a, b   *agent.Agent
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)

		aGossip, aTransport := freeUDP(), freeUDP()
		bGossip, bTransport := freeUDP(), freeUDP()

		a = newTestAgent("agent-a", aGossip, aTransport, nil)
		b = newTestAgent("agent-b", bGossip, bTransport, []string{aGossip})

		Expect(a.Start(ctx)).To(BeNil())
		Expect(b.Start(ctx)).To(BeNil())
	})

	AfterEach(func() {
		_ = a.Stop(ctx)
		_ = b.Stop(ctx)
		cancel()
	})

	It("discovers the peer via gossip, connects transport, and replicates a local change", func() {
		a.RecordChange("backends", "pk1", model.ChangeInsert, `{"app":"web","region":"EU","port":8080}`)

		Eventually(func() int {
			select {
			case ev := <-b.Events():
				if ev.Kind == agent.EventChangeApplied {
					return ev.Applied
				}
			default:
			}
			return 0
		}, 5*time.Second, 50*time.Millisecond).Should(Equal(1))
	})
})
