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

package gossip

import (
	"math/rand"
	"time"

	"github.com/nabbar/geoproxy/model"
)

// Identity is this node's own gossip/transport addressing, supplied to
// ProcessMessage so replies and member-discovery events carry the right
// origin.
type Identity struct {
	NodeID        string
	GossipAddr    string
	TransportAddr string
}

// ActionKind discriminates the two things ProcessMessage can ask the
// driver to do.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionSend
	ActionEmit
)

// Action is one unit of I/O or notification the driver must perform; the
// processor itself never touches a socket.
type Action struct {
	Kind ActionKind

	// To/Message are set when Kind == ActionSend.
	To      string
	Message Message

	// Event is set when Kind == ActionEmit.
	Event Event
}

// EventKind discriminates the membership notifications a caller may
// want to react to (metrics, transport connect-on-join, logging).
type EventKind int

const (
	EventMemberJoined EventKind = iota
	EventMemberLeft
	EventMemberStateChanged
)

// Event is emitted whenever the member table's shape or a member's state
// changes as a result of processing a message or a failure sweep.
type Event struct {
	Kind     EventKind
	Member   model.Member
	NodeID   string
	OldState model.MemberState
	NewState model.MemberState
}

// ProcessResult is the sans-IO output of ProcessMessage: a list of
// Actions for the driver to perform, plus a convenience flag for callers
// that only care whether the member table grew.
type ProcessResult struct {
	Actions          []Action
	MemberDiscovered bool
}

func (r *ProcessResult) send(to string, msg Message) {
	r.Actions = append(r.Actions, Action{Kind: ActionSend, To: to, Message: msg})
}

func (r *ProcessResult) emitJoined(m model.Member) {
	r.MemberDiscovered = true
	r.Actions = append(r.Actions, Action{Kind: ActionEmit, Event: Event{Kind: EventMemberJoined, Member: m}})
}

// ProcessMessage is the pure SWIM-style message processor: given an
// inbound msg from src, the shared member table, and this node's own
// identity, it updates the table and returns the actions the driver
// should perform. It touches no socket and is fully deterministic given
// the table's prior state.
func ProcessMessage(msg Message, src string, table *Table, local Identity) ProcessResult {
	switch msg.Type {
	case Ping:
		return processPing(msg, src, table, local)
	case Ack:
		return processAck(msg, table)
	case Join:
		return processJoin(msg, src, table, local)
	case MemberList:
		return processMemberList(msg, table, local)
	default:
		return ProcessResult{}
	}
}

func processPing(msg Message, src string, table *Table, local Identity) ProcessResult {
	member := model.Member{
		NodeID:        msg.SenderID,
		GossipAddr:    msg.GossipAddr,
		TransportAddr: msg.TransportAddr,
		Incarnation:   msg.Incarnation,
	}
	isNew := table.Upsert(member)

	var result ProcessResult
	result.send(src, Message{
		Type:          Ack,
		SenderID:      local.NodeID,
		GossipAddr:    local.GossipAddr,
		TransportAddr: local.TransportAddr,
		Incarnation:   0,
	})
	if isNew {
		member, _ = table.Get(member.NodeID)
		result.emitJoined(member)
	}
	return result
}

func processAck(msg Message, table *Table) ProcessResult {
	member := model.Member{
		NodeID:        msg.SenderID,
		GossipAddr:    msg.GossipAddr,
		TransportAddr: msg.TransportAddr,
		Incarnation:   msg.Incarnation,
	}
	isNew := table.Upsert(member)

	var result ProcessResult
	if isNew {
		member, _ = table.Get(member.NodeID)
		result.emitJoined(member)
	}
	return result
}

func processJoin(msg Message, src string, table *Table, local Identity) ProcessResult {
	member := model.Member{
		NodeID:        msg.SenderID,
		GossipAddr:    msg.GossipAddr,
		TransportAddr: msg.TransportAddr,
	}
	isNew := table.Upsert(member)

	// The reply must let the joiner learn about this node too, since the
	// local identity is never a row of its own member table.
	entries := []Entry{{NodeID: local.NodeID, GossipAddr: local.GossipAddr, TransportAddr: local.TransportAddr}}
	for _, m := range table.All() {
		entries = append(entries, Entry{
			NodeID:        m.NodeID,
			GossipAddr:    m.GossipAddr,
			TransportAddr: m.TransportAddr,
			Incarnation:   m.Incarnation,
		})
	}

	var result ProcessResult
	result.send(src, Message{Type: MemberList, Members: entries})
	if isNew {
		member, _ = table.Get(member.NodeID)
		result.emitJoined(member)
	}
	return result
}

func processMemberList(msg Message, table *Table, local Identity) ProcessResult {
	var result ProcessResult
	for _, e := range msg.Members {
		if e.NodeID == local.NodeID {
			continue
		}
		member := model.Member{
			NodeID:        e.NodeID,
			GossipAddr:    e.GossipAddr,
			TransportAddr: e.TransportAddr,
			Incarnation:   e.Incarnation,
		}
		if table.Upsert(member) {
			member, _ = table.Get(member.NodeID)
			result.emitJoined(member)
		}
	}
	return result
}

// CheckFailures sweeps table for Alive members that have gone quiet for
// longer than timeout, flipping them to Dead and returning the
// StateChanged + Left events for each.
func CheckFailures(table *Table, timeout time.Duration) []Action {
	var actions []Action
	for _, m := range table.MarkDead(timeout) {
		actions = append(actions,
			Action{Kind: ActionEmit, Event: Event{
				Kind: EventMemberStateChanged, NodeID: m.NodeID,
				OldState: model.MemberAlive, NewState: model.MemberDead,
			}},
			Action{Kind: ActionEmit, Event: Event{Kind: EventMemberLeft, NodeID: m.NodeID}},
		)
	}
	return actions
}

// SelectPingTarget picks a uniformly random Alive member's gossip
// address, or ok=false when no member is Alive.
func SelectPingTarget(table *Table) (string, bool) {
	alive := table.Alive()
	if len(alive) == 0 {
		return "", false
	}
	return alive[rand.Intn(len(alive))].GossipAddr, true
}

// CreatePing builds a Ping message from local's identity.
func CreatePing(local Identity, incarnation uint64) Message {
	return Message{
		Type: Ping, SenderID: local.NodeID, GossipAddr: local.GossipAddr,
		TransportAddr: local.TransportAddr, Incarnation: incarnation,
	}
}

// CreateJoin builds a Join message from local's identity.
func CreateJoin(local Identity) Message {
	return Message{Type: Join, SenderID: local.NodeID, GossipAddr: local.GossipAddr, TransportAddr: local.TransportAddr}
}
