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
	"bytes"
	"testing"

	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/transport"
)

func TestWriteReadFrameRoundTripBroadcast(t *testing.T) {
	cs := model.NewChangeSet("node-1", 1, []model.Change{
		model.NewChange("backends", "pk1", model.ChangeInsert, "{}", "node-1"),
	})
	msg := transport.Broadcast(cs)

	var buf bytes.Buffer
	if err := transport.WriteFrame(&buf, msg); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	decoded, derr := transport.ReadFrame(&buf)
	if derr != nil {
		t.Fatalf("unexpected read error: %v", derr)
	}
	if decoded.Kind != transport.KindBroadcast {
		t.Fatalf("expected KindBroadcast, got %v", decoded.Kind)
	}
	if decoded.ChangeSet.Seq != 1 || len(decoded.ChangeSet.Changes) != 1 {
		t.Fatalf("unexpected decoded changeset: %+v", decoded.ChangeSet)
	}
}

func TestWriteReadFrameRoundTripSyncRequest(t *testing.T) {
	msg := transport.SyncRequest(42, "backends")

	var buf bytes.Buffer
	if err := transport.WriteFrame(&buf, msg); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	decoded, derr := transport.ReadFrame(&buf)
	if derr != nil {
		t.Fatalf("unexpected read error: %v", derr)
	}
	if decoded.Kind != transport.KindSyncRequest || decoded.FromSeq != 42 || decoded.Table != "backends" {
		t.Fatalf("unexpected decoded sync request: %+v", decoded)
	}
}

func TestWriteReadFrameRoundTripAck(t *testing.T) {
	msg := transport.AckMessage("node-2", 7)

	var buf bytes.Buffer
	if err := transport.WriteFrame(&buf, msg); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	decoded, derr := transport.ReadFrame(&buf)
	if derr != nil {
		t.Fatalf("unexpected read error: %v", derr)
	}
	if decoded.Kind != transport.KindAck || decoded.Source != "node-2" || decoded.Seq != 7 {
		t.Fatalf("unexpected decoded ack: %+v", decoded)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // declares a ~4GiB frame

	if _, err := transport.ReadFrame(&buf); err == nil {
		t.Fatal("expected an error for a frame exceeding MaxMessageSize")
	}
}

func TestReadFrameTruncatedReturnsError(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10}) // declares 16 bytes, supplies none

	if _, err := transport.ReadFrame(&buf); err == nil {
		t.Fatal("expected an error for a truncated frame")
	}
}

func TestKindString(t *testing.T) {
	cases := map[transport.Kind]string{
		transport.KindBroadcast:    "broadcast",
		transport.KindSyncRequest:  "sync_request",
		transport.KindSyncResponse: "sync_response",
		transport.KindAck:          "ack",
		transport.KindPing:         "ping",
		transport.KindPong:         "pong",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
