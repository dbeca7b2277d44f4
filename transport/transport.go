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

package transport

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/nabbar/geoproxy/certificates"
	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
)

const alpn = "geoproxy-replication-v1"

// Handler is implemented by the replication agent to apply inbound
// messages; Transport never touches the sync database itself.
type Handler interface {
	HandleBroadcast(cs model.ChangeSet)
	HandleSyncRequest(fromSeq uint64, table string) []model.ChangeSet
}

// Config configures a Transport's QUIC endpoint.
type Config struct {
	ListenAddr string
	Domain     string
	CertFile   string
	KeyFile    string
}

// Transport is the QUIC-based replication mesh: a listener for inbound
// peers plus a registry of outbound peers this node explicitly
// connected to.
type Transport struct {
	cfg      Config
	handler  Handler
	log      logging.Logger
	listener *quic.Listener

	serverTLS *tls.Config
	clientTLS *tls.Config

	mu    sync.Mutex
	peers map[string]*Peer

	events chan Event
}

// New builds a Transport. Listen must be called before inbound peers
// can be accepted; Connect works regardless.
func New(cfg Config, handler Handler, log logging.Logger) (*Transport, errors.Error) {
	if log == nil {
		log = logging.Noop()
	}

	serverTLS, err := certificates.BuildTLSConfig(cfg.Domain, cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.CodeError(ErrorListen).Error(err)
	}
	serverTLS.NextProtos = []string{alpn}

	return &Transport{
		cfg:       cfg,
		handler:   handler,
		log:       log.With("transport"),
		peers:     make(map[string]*Peer),
		events:    make(chan Event, 64),
		serverTLS: serverTLS,
		clientTLS: &tls.Config{
			InsecureSkipVerify: true, // peer verification disabled within a cluster
			NextProtos:         []string{alpn},
		},
	}, nil
}

// Events returns the channel peer connect/disconnect notifications are
// pushed to.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Listen binds the QUIC endpoint and starts accepting inbound peers.
func (t *Transport) Listen(ctx context.Context) errors.Error {
	ln, err := quic.ListenAddr(t.cfg.ListenAddr, t.serverTLS, nil)
	if err != nil {
		return errors.CodeError(ErrorListen).Error(err)
	}
	t.listener = ln

	go t.acceptLoop(ctx)
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.log.Warn("accept failed on replication listener", logging.Fields{"error": err.Error()})
				return
			}
		}

		addr := conn.RemoteAddr().String()
		peer := &Peer{NodeID: addr, Addr: addr, conn: conn}
		t.register(peer)
		t.emit(Event{Kind: EventPeerConnected, NodeID: peer.NodeID, Addr: addr})
		go t.serveConnection(ctx, peer)
	}
}

// Connect dials addr and registers the resulting connection under
// nodeID, emitting PeerConnected.
func (t *Transport) Connect(ctx context.Context, addr, nodeID string) (*Peer, errors.Error) {
	conn, err := quic.DialAddr(ctx, addr, t.clientTLS, nil)
	if err != nil {
		return nil, errors.CodeError(ErrorDial).Error(err)
	}

	peer := &Peer{NodeID: nodeID, Addr: addr, conn: conn}
	t.register(peer)
	t.emit(Event{Kind: EventPeerConnected, NodeID: nodeID, Addr: addr})
	go t.serveConnection(ctx, peer)
	return peer, nil
}

func (t *Transport) register(p *Peer) {
	t.mu.Lock()
	t.peers[p.NodeID] = p
	t.mu.Unlock()
}

func (t *Transport) unregister(p *Peer) {
	t.mu.Lock()
	if cur, ok := t.peers[p.NodeID]; ok && cur == p {
		delete(t.peers, p.NodeID)
	}
	t.mu.Unlock()
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("dropping transport event, channel full", logging.Fields{"kind": ev.Kind})
	}
}

// serveConnection handles every inbound stream (uni and bidi) a peer's
// connection carries until it closes.
func (t *Transport) serveConnection(ctx context.Context, p *Peer) {
	defer func() {
		p.markClosed()
		t.unregister(p)
		t.emit(Event{Kind: EventPeerDisconnected, NodeID: p.NodeID, Addr: p.Addr})
	}()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			s, err := p.conn.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			go t.handleUniStream(s)
		}
	}()

	go func() {
		defer wg.Done()
		for {
			s, err := p.conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			go t.handleBidiStream(s)
		}
	}()

	wg.Wait()
}

func (t *Transport) handleUniStream(s quic.ReceiveStream) {
	msg, err := ReadFrame(s)
	if err != nil {
		t.log.Warn("discarding malformed replication broadcast", logging.Fields{"error": err.Error()})
		return
	}
	if msg.Kind == KindBroadcast && t.handler != nil {
		t.handler.HandleBroadcast(msg.ChangeSet)
	}
}

func (t *Transport) handleBidiStream(s quic.Stream) {
	defer func() { _ = s.Close() }()

	msg, err := ReadFrame(s)
	if err != nil {
		t.log.Warn("discarding malformed replication request", logging.Fields{"error": err.Error()})
		return
	}

	switch msg.Kind {
	case KindSyncRequest:
		var sets []model.ChangeSet
		if t.handler != nil {
			sets = t.handler.HandleSyncRequest(msg.FromSeq, msg.Table)
		}
		_ = WriteFrame(s, SyncResponse(sets))
	case KindPing:
		_ = WriteFrame(s, PongMessage)
	default:
		// Ack and anything else carries no reply.
	}
}

// Broadcast sends msg on every live peer's unidirectional stream,
// returning the number of successful sends. Peers whose send fails are
// left registered; failure surfaces via the next disconnect event once
// their connection's accept loops observe the closed connection.
func (t *Transport) Broadcast(ctx context.Context, msg Message) int {
	t.mu.Lock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	sent := 0
	for _, p := range peers {
		if err := p.SendBroadcast(ctx, msg); err != nil {
			t.log.Warn("broadcast send failed", logging.Fields{"peer": p.NodeID, "error": err.Error()})
			continue
		}
		sent++
	}
	return sent
}

// BroadcastChangeSet wraps cs in a Broadcast message and sends it to
// every live peer.
func (t *Transport) BroadcastChangeSet(ctx context.Context, cs model.ChangeSet) int {
	return t.Broadcast(ctx, Broadcast(cs))
}

// Close tears down every peer connection and the inbound listener.
func (t *Transport) Close() error {
	t.mu.Lock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
