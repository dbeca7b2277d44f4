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

// Package agent is the replication agent: it owns the gossip driver, the
// QUIC transport, and the sync log, and wires the three together. It is
// the only component that knows about all three; gossip, transport and
// replsync remain independently usable and independently testable.
package agent

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/gossip"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/replsync"
	"github.com/nabbar/geoproxy/runner"
	"github.com/nabbar/geoproxy/transport"
)

const (
	ErrorStart errors.CodeError = iota + errors.MinPkgAgent
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorStart: "failed to start replication agent",
	})
}

// DefaultFlushInterval is how often pending local changes are drained
// and broadcast when Config.FlushInterval is unset.
const DefaultFlushInterval = 100 * time.Millisecond

// Config configures an Agent's three sub-services.
type Config struct {
	NodeID        string
	FlushInterval time.Duration
	Gossip        gossip.Config
	Transport     transport.Config
}

func (c Config) withDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// EventKind discriminates the notifications an Agent's caller may
// observe on its public Events channel.
type EventKind int

const (
	EventChangeApplied EventKind = iota
)

// Event is published whenever an inbound changeset has been applied
// through the sync log.
type Event struct {
	Kind      EventKind
	ChangeSet model.ChangeSet
	Applied   int
}

// Agent orchestrates gossip membership, the QUIC replication transport,
// and the local sync log: a periodic flush broadcasts local changes, and
// gossip member-joined events trigger an idempotent transport connect to
// the member's advertised transport address.
type Agent struct {
	cfg Config
	log logging.Logger

	sync      *replsync.Service
	table     *gossip.Table
	gossipD   *gossip.Driver
	transport *transport.Transport

	flushTick runner.Ticker

	events chan Event

	connMu    sync.Mutex
	connected map[string]bool
}

// New builds an Agent over db, which must already have replsync.Schema
// and model.Backend migrated (package database's Open does this).
func New(cfg Config, db *gorm.DB, log logging.Logger) *Agent {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.withDefaults()

	a := &Agent{
		cfg:       cfg,
		log:       log.With("agent"),
		sync:      replsync.New(cfg.NodeID, db, log),
		table:     gossip.NewTable(),
		events:    make(chan Event, 64),
		connected: make(map[string]bool),
	}
	a.transport, _ = transport.New(cfg.Transport, a, log)
	a.gossipD = gossip.NewDriver(cfg.Gossip, a.table, log)
	a.flushTick = runner.New(cfg.FlushInterval, a.onFlushTick)
	return a
}

// Events returns the channel ChangeApplied notifications are pushed to.
func (a *Agent) Events() <-chan Event {
	return a.events
}

// Table exposes the shared gossip membership table for read-only use by
// callers that need to look up a member (e.g. the inbound proxy picking
// a backend's region).
func (a *Agent) Table() *gossip.Table {
	return a.table
}

// Start initializes the sync log, binds the transport listener, starts
// gossip (announcing to its bootstrap peers), and launches the flush
// loop plus the gossip-event watcher.
func (a *Agent) Start(ctx context.Context) errors.Error {
	if err := a.sync.Init(); err != nil {
		return errors.CodeError(ErrorStart).Error(err)
	}
	if err := a.transport.Listen(ctx); err != nil {
		return errors.CodeError(ErrorStart).Error(err)
	}
	if err := a.gossipD.Start(ctx); err != nil {
		return errors.CodeError(ErrorStart).Error(err)
	}

	go a.watchGossipEvents(ctx)
	_ = a.flushTick.Start(ctx)
	return nil
}

// Stop tears down the flush loop, gossip, and the transport.
func (a *Agent) Stop(ctx context.Context) error {
	_ = a.flushTick.Stop(ctx)
	_ = a.gossipD.Stop(ctx)
	return a.transport.Close()
}

// RecordChange queues a local mutation for the next flush.
func (a *Agent) RecordChange(table, pk string, kind model.ChangeKind, data string) model.Change {
	return a.sync.RecordChange(table, pk, kind, data)
}

func (a *Agent) onFlushTick(ctx context.Context, _ *time.Ticker) error {
	cs, ok := a.sync.Flush()
	if !ok {
		return nil
	}
	sent := a.transport.BroadcastChangeSet(ctx, cs)
	a.log.Debug("broadcast flushed changeset", logging.Fields{"seq": cs.Seq, "peers": sent})
	return nil
}

func (a *Agent) watchGossipEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.gossipD.Events():
			if !ok {
				return
			}
			if ev.Kind != gossip.EventMemberJoined {
				continue
			}
			a.connectToMember(ctx, ev.Member)
		}
	}
}

func (a *Agent) connectToMember(ctx context.Context, m model.Member) {
	a.connMu.Lock()
	if a.connected[m.NodeID] {
		a.connMu.Unlock()
		return
	}
	a.connected[m.NodeID] = true
	a.connMu.Unlock()

	if _, err := a.transport.Connect(ctx, m.TransportAddr, m.NodeID); err != nil {
		a.log.Warn("failed to connect replication transport to new member", logging.Fields{"node_id": m.NodeID, "addr": m.TransportAddr, "error": err.Error()})
		a.connMu.Lock()
		delete(a.connected, m.NodeID)
		a.connMu.Unlock()
	}
}

// HandleBroadcast implements transport.Handler: it applies an inbound
// changeset through the sync log and emits ChangeApplied.
func (a *Agent) HandleBroadcast(cs model.ChangeSet) {
	applied, err := a.sync.ApplyChangeSet(cs)
	if err != nil {
		a.log.Warn("failed to apply inbound changeset", logging.Fields{"origin": cs.Origin, "seq": cs.Seq, "error": err.Error()})
		return
	}

	select {
	case a.events <- Event{Kind: EventChangeApplied, ChangeSet: cs, Applied: applied}:
	default:
		a.log.Warn("dropping change-applied event, channel full", logging.Fields{"origin": cs.Origin, "seq": cs.Seq})
	}
}

// HandleSyncRequest implements transport.Handler. The original
// implementation this module is grounded on never finished its
// equivalent (get_changes_since returns empty "for now"); a peer that
// fell behind catches up through the normal flush-broadcast cycle and
// gossip-driven reconnection instead of an explicit backfill.
func (a *Agent) HandleSyncRequest(fromSeq uint64, table string) []model.ChangeSet {
	return nil
}
