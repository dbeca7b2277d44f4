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

package transport_test

import (
	"context"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/transport"
)

type fakeHandler struct {
	mu         sync.Mutex
	broadcasts []model.ChangeSet
}

func (h *fakeHandler) HandleBroadcast(cs model.ChangeSet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, cs)
}

func (h *fakeHandler) HandleSyncRequest(fromSeq uint64, table string) []model.ChangeSet {
	return []model.ChangeSet{model.NewChangeSet("server", fromSeq+1, nil)}
}

func (h *fakeHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.broadcasts)
}

func freeAddr() string {
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	Expect(err).NotTo(HaveOccurred())
	addr := l.LocalAddr().String()
	Expect(l.Close()).To(Succeed())
	return addr
}

var _ = Describe("Transport", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		server  *transport.Transport
		client  *transport.Transport
		srvH    *fakeHandler
		srvAddr string
	)

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)

		srvAddr = freeAddr()
		srvH = &fakeHandler{}

		var err error
		server, err = transport.New(transport.Config{ListenAddr: srvAddr, Domain: "localhost"}, srvH, logging.Noop())
		Expect(err).To(BeNil())
		Expect(server.Listen(ctx)).To(BeNil())

		client, err = transport.New(transport.Config{ListenAddr: freeAddr(), Domain: "localhost"}, &fakeHandler{}, logging.Noop())
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		_ = client.Close()
		_ = server.Close()
		cancel()
	})

	It("connects, emits PeerConnected, and delivers a broadcast", func() {
		peer, err := client.Connect(ctx, srvAddr, "server-node")
		Expect(err).To(BeNil())
		Expect(peer.NodeID).To(Equal("server-node"))

		cs := model.NewChangeSet("client-node", 1, []model.Change{
			model.NewChange("backends", "pk1", model.ChangeInsert, "{}", "client-node"),
		})
		sent := client.BroadcastChangeSet(ctx, cs)
		Expect(sent).To(Equal(1))

		Eventually(srvH.count, 2*time.Second, 20*time.Millisecond).Should(Equal(1))
	})

	It("answers a SyncRequest over a bidirectional stream", func() {
		peer, err := client.Connect(ctx, srvAddr, "server-node")
		Expect(err).To(BeNil())

		reply, rerr := peer.Request(ctx, transport.SyncRequest(5, "backends"))
		Expect(rerr).To(BeNil())
		Expect(reply.Kind).To(Equal(transport.KindSyncResponse))
		Expect(reply.ChangeSets).To(HaveLen(1))
		Expect(reply.ChangeSets[0].Seq).To(Equal(uint64(6)))
	})

	It("answers Ping with Pong", func() {
		peer, err := client.Connect(ctx, srvAddr, "server-node")
		Expect(err).To(BeNil())

		reply, rerr := peer.Request(ctx, transport.PingMessage)
		Expect(rerr).To(BeNil())
		Expect(reply.Kind).To(Equal(transport.KindPong))
	})
})
