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

// Package transport is the QUIC-based replication transport: a peer mesh
// where broadcasts travel on unidirectional streams and request/response
// exchanges use bidirectional ones, every stream framed the same way
// (4-byte big-endian length prefix, msgpack payload).
package transport

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/hashicorp/go-msgpack/codec"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/model"
)

const (
	ErrorEncode errors.CodeError = iota + errors.MinPkgTransport
	ErrorDecode
	ErrorOversize
	ErrorDial
	ErrorListen
	ErrorSend
	ErrorClosed
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorEncode:   "failed to encode replication message",
		ErrorDecode:   "failed to decode replication message",
		ErrorOversize: "replication message exceeds the maximum frame size",
		ErrorDial:     "failed to dial replication peer",
		ErrorListen:   "failed to bind replication QUIC listener",
		ErrorSend:     "failed to send replication message",
		ErrorClosed:   "replication peer connection is closed",
	})
}

// MaxMessageSize is the largest frame this transport accepts; larger
// frames are dropped with a warning rather than read into memory.
const MaxMessageSize = 10 * 1024 * 1024

// Kind discriminates the Message variants carried over a stream.
type Kind uint8

const (
	KindBroadcast Kind = iota
	KindSyncRequest
	KindSyncResponse
	KindAck
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindSyncRequest:
		return "sync_request"
	case KindSyncResponse:
		return "sync_response"
	case KindAck:
		return "ack"
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Message is the single wire envelope for every replication stream.
// Only the fields relevant to Kind are populated.
type Message struct {
	Kind Kind

	// KindBroadcast
	ChangeSet model.ChangeSet

	// KindSyncRequest
	FromSeq uint64
	Table   string // empty means "all tables"

	// KindSyncResponse
	ChangeSets []model.ChangeSet

	// KindAck
	Source string
	Seq    uint64
}

// Broadcast builds a Broadcast message wrapping cs.
func Broadcast(cs model.ChangeSet) Message { return Message{Kind: KindBroadcast, ChangeSet: cs} }

// SyncRequest builds a SyncRequest message.
func SyncRequest(fromSeq uint64, table string) Message {
	return Message{Kind: KindSyncRequest, FromSeq: fromSeq, Table: table}
}

// SyncResponse builds a SyncResponse message.
func SyncResponse(sets []model.ChangeSet) Message {
	return Message{Kind: KindSyncResponse, ChangeSets: sets}
}

// AckMessage builds an Ack message.
func AckMessage(source string, seq uint64) Message {
	return Message{Kind: KindAck, Source: source, Seq: seq}
}

var (
	PingMessage = Message{Kind: KindPing}
	PongMessage = Message{Kind: KindPong}
)

var mh codec.MsgpackHandle

func encodePayload(msg Message) ([]byte, errors.Error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(msg); err != nil {
		return nil, errors.CodeError(ErrorEncode).Error(err)
	}
	return buf.Bytes(), nil
}

// WriteFrame writes msg to w as a 4-byte big-endian length prefix
// followed by its msgpack encoding.
func WriteFrame(w io.Writer, msg Message) errors.Error {
	payload, err := encodePayload(msg)
	if err != nil {
		return err
	}
	if len(payload) > MaxMessageSize {
		return errors.CodeError(ErrorOversize).Error()
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, werr := w.Write(hdr[:]); werr != nil {
		return errors.CodeError(ErrorSend).Error(werr)
	}
	if _, werr := w.Write(payload); werr != nil {
		return errors.CodeError(ErrorSend).Error(werr)
	}
	return nil
}

// ReadFrame reads one length-prefixed msgpack frame from r. Frames
// exceeding MaxMessageSize are rejected without consuming the payload
// into memory.
func ReadFrame(r io.Reader) (Message, errors.Error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, errors.CodeError(ErrorDecode).Error(err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxMessageSize {
		return Message{}, errors.CodeError(ErrorOversize).Error()
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, errors.CodeError(ErrorDecode).Error(err)
	}

	var msg Message
	dec := codec.NewDecoder(bytes.NewReader(payload), &mh)
	if err := dec.Decode(&msg); err != nil {
		return Message{}, errors.CodeError(ErrorDecode).Error(err)
	}
	return msg, nil
}
