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
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/runner"
)

const (
	// DefaultGossipInterval is the spacing between random-member pings.
	DefaultGossipInterval = 500 * time.Millisecond
	// DefaultFailureInterval is the spacing between failure sweeps.
	DefaultFailureInterval = 10 * time.Second
	// DefaultFailureTimeout is how long a member may stay silent before
	// being flipped to Dead.
	DefaultFailureTimeout = 30 * time.Second

	maxDatagramSize = 64 * 1024
)

// Config configures a Driver.
type Config struct {
	Identity        Identity
	Bootstrap       []string
	GossipInterval  time.Duration
	FailureInterval time.Duration
	FailureTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.GossipInterval <= 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.FailureInterval <= 0 {
		c.FailureInterval = DefaultFailureInterval
	}
	if c.FailureTimeout <= 0 {
		c.FailureTimeout = DefaultFailureTimeout
	}
	return c
}

// Driver owns the UDP socket and the gossip/failure tickers; it is the
// only part of this package that touches I/O. ProcessMessage and the
// Table it drives remain pure and independently testable.
type Driver struct {
	cfg   Config
	log   logging.Logger
	table *Table
	conn  *net.UDPConn

	incarnation uint64

	gossipTick  runner.Ticker
	failureTick runner.Ticker

	events chan Event
}

// NewDriver builds a Driver around cfg and table. table may be shared
// with other components that only need read access to membership.
func NewDriver(cfg Config, table *Table, log logging.Logger) *Driver {
	if log == nil {
		log = logging.Noop()
	}
	d := &Driver{
		cfg:    cfg.withDefaults(),
		log:    log.With("gossip"),
		table:  table,
		events: make(chan Event, 64),
	}
	d.gossipTick = runner.New(d.cfg.GossipInterval, d.onGossipTick)
	d.failureTick = runner.New(d.cfg.FailureInterval, d.onFailureTick)
	return d
}

// Events returns the channel membership notifications are pushed to.
// Callers must drain it; the channel is buffered but not unbounded.
func (d *Driver) Events() <-chan Event {
	return d.events
}

// Start binds the UDP socket, announces this node to every bootstrap
// peer via Join, and launches the receive loop plus both tickers.
func (d *Driver) Start(ctx context.Context) errors.Error {
	addr, err := net.ResolveUDPAddr("udp", d.cfg.Identity.GossipAddr)
	if err != nil {
		return errors.CodeError(ErrorListen).Error(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.CodeError(ErrorListen).Error(err)
	}
	d.conn = conn

	for _, peer := range d.cfg.Bootstrap {
		d.sendTo(peer, CreateJoin(d.cfg.Identity))
	}

	go d.receiveLoop(ctx)
	_ = d.gossipTick.Start(ctx)
	_ = d.failureTick.Start(ctx)
	return nil
}

// Stop halts both tickers and closes the socket.
func (d *Driver) Stop(ctx context.Context) error {
	_ = d.gossipTick.Stop(ctx)
	_ = d.failureTick.Stop(ctx)
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}

func (d *Driver) receiveLoop(ctx context.Context) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		msg, derr := Decode(buf[:n])
		if derr != nil {
			d.log.Warn("discarding malformed gossip datagram", logging.Fields{"source": src.String(), "error": derr.Error()})
			continue
		}

		result := ProcessMessage(msg, src.String(), d.table, d.cfg.Identity)
		d.apply(result.Actions)
	}
}

func (d *Driver) onGossipTick(ctx context.Context, _ *time.Ticker) error {
	target, ok := SelectPingTarget(d.table)
	if !ok {
		return nil
	}
	inc := atomic.AddUint64(&d.incarnation, 1)
	d.sendTo(target, CreatePing(d.cfg.Identity, inc))
	return nil
}

func (d *Driver) onFailureTick(ctx context.Context, _ *time.Ticker) error {
	d.apply(CheckFailures(d.table, d.cfg.FailureTimeout))
	return nil
}

func (d *Driver) apply(actions []Action) {
	for _, a := range actions {
		switch a.Kind {
		case ActionSend:
			d.sendTo(a.To, a.Message)
		case ActionEmit:
			select {
			case d.events <- a.Event:
			default:
				d.log.Warn("dropping gossip event, channel full", logging.Fields{"kind": a.Event.Kind})
			}
		}
	}
}

func (d *Driver) sendTo(addr string, msg Message) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		d.log.Warn("cannot resolve gossip peer address", logging.Fields{"address": addr, "error": err.Error()})
		return
	}
	data, eerr := Encode(msg)
	if eerr != nil {
		d.log.Error("failed to encode gossip message", logging.Fields{"error": eerr.Error()})
		return
	}
	if _, err = d.conn.WriteToUDP(data, raddr); err != nil {
		d.log.Warn("failed to send gossip datagram", logging.Fields{"address": addr, "error": err.Error()})
	}
}
