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
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/nabbar/geoproxy/errors"
)

// EventKind discriminates the two peer lifecycle notifications this
// package emits.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
)

// Event is pushed to Transport.Events whenever a peer connects or
// disconnects.
type Event struct {
	Kind   EventKind
	NodeID string
	Addr   string
}

// Peer is one live QUIC connection to a replication peer, addressed by
// the node ID the caller supplied to Connect (or, for inbound
// connections this node did not dial, the remote socket address).
type Peer struct {
	NodeID string
	Addr   string

	conn quic.Connection

	mu     sync.Mutex
	closed bool
}

// Closed reports whether this peer's connection has been torn down.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Peer) markClosed() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}

// SendBroadcast opens a fresh unidirectional stream and writes msg to
// it, closing the stream once the frame is flushed.
func (p *Peer) SendBroadcast(ctx context.Context, msg Message) errors.Error {
	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return errors.CodeError(ErrorSend).Error(err)
	}
	defer func() { _ = stream.Close() }()

	return WriteFrame(stream, msg)
}

// Request opens a bidirectional stream, writes msg, and waits for the
// single reply frame the peer sends back.
func (p *Peer) Request(ctx context.Context, msg Message) (Message, errors.Error) {
	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return Message{}, errors.CodeError(ErrorSend).Error(err)
	}
	defer func() { _ = stream.Close() }()

	if werr := WriteFrame(stream, msg); werr != nil {
		return Message{}, werr
	}
	return ReadFrame(stream)
}

// Close tears down the underlying QUIC connection.
func (p *Peer) Close() error {
	p.markClosed()
	return p.conn.CloseWithError(0, "closing")
}
