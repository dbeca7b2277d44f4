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

// Package gossip implements a SWIM-like membership and failure-detection
// protocol over UDP: a sans-IO message processor that is pure and
// testable without sockets, plus a small driver that owns the socket and
// the two periodic tickers (gossip ping, failure sweep).
package gossip

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/nabbar/geoproxy/errors"
)

const (
	ErrorEncode errors.CodeError = iota + errors.MinPkgGossip
	ErrorDecode
	ErrorSend
	ErrorListen
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorEncode: "failed to encode gossip message",
		ErrorDecode: "failed to decode gossip message",
		ErrorSend:   "failed to send gossip datagram",
		ErrorListen: "failed to bind gossip UDP socket",
	})
}

// Type is the wire discriminator for a Message.
type Type uint8

const (
	Ping Type = iota
	Ack
	Join
	MemberList
)

func (t Type) String() string {
	switch t {
	case Ping:
		return "ping"
	case Ack:
		return "ack"
	case Join:
		return "join"
	case MemberList:
		return "member_list"
	default:
		return "unknown"
	}
}

// Entry is one row of a MemberList message: a member's identity and
// incarnation, without the liveness state (the receiver always treats an
// announced entry as Alive, which is how Table.Upsert records it).
type Entry struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
	Incarnation   uint64
}

// Message is the single wire envelope for every gossip datagram. Only
// the fields relevant to Type are populated; the rest are zero.
type Message struct {
	Type          Type
	SenderID      string
	GossipAddr    string
	TransportAddr string
	Incarnation   uint64
	Members       []Entry
}

var mh codec.MsgpackHandle

// Encode serializes msg for a single UDP datagram.
func Encode(msg Message) ([]byte, errors.Error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(msg); err != nil {
		return nil, errors.CodeError(ErrorEncode).Error(err)
	}
	return buf.Bytes(), nil
}

// Decode parses a single UDP datagram's payload into a Message.
func Decode(data []byte) (Message, errors.Error) {
	var msg Message
	dec := codec.NewDecoder(bytes.NewReader(data), &mh)
	if err := dec.Decode(&msg); err != nil {
		return Message{}, errors.CodeError(ErrorDecode).Error(err)
	}
	return msg, nil
}
