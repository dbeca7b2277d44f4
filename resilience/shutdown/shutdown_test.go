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

package shutdown_test

import (
	"testing"
	"time"

	"github.com/nabbar/geoproxy/resilience/shutdown"
)

func TestNewControllerNotShutdown(t *testing.T) {
	c := shutdown.New()
	if c.IsShutdown() {
		t.Fatal("expected a fresh controller to not be shut down")
	}
	if c.ActiveConnections() != 0 {
		t.Fatalf("expected 0 active connections, got %d", c.ActiveConnections())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	c := shutdown.New()
	c.Shutdown()
	c.Shutdown()
	if !c.IsShutdown() {
		t.Fatal("expected controller to be shut down")
	}
}

func TestDoneChannelClosesOnShutdown(t *testing.T) {
	c := shutdown.New()
	select {
	case <-c.Done():
		t.Fatal("expected Done() to be open before Shutdown")
	default:
	}

	c.Shutdown()
	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done() to be closed after Shutdown")
	}
}

func TestConnectionGuardTracksCount(t *testing.T) {
	c := shutdown.New()

	g1 := c.ConnectionGuard()
	if c.ActiveConnections() != 1 {
		t.Fatalf("expected 1 active connection, got %d", c.ActiveConnections())
	}

	g2 := c.ConnectionGuard()
	if c.ActiveConnections() != 2 {
		t.Fatalf("expected 2 active connections, got %d", c.ActiveConnections())
	}

	g1.Release()
	if c.ActiveConnections() != 1 {
		t.Fatalf("expected 1 active connection after release, got %d", c.ActiveConnections())
	}

	g2.Release()
	if c.ActiveConnections() != 0 {
		t.Fatalf("expected 0 active connections after release, got %d", c.ActiveConnections())
	}
}

func TestConnectionGuardReleaseIsIdempotent(t *testing.T) {
	c := shutdown.New()
	g := c.ConnectionGuard()
	g.Release()
	g.Release()
	if c.ActiveConnections() != 0 {
		t.Fatalf("expected 0 active connections, got %d", c.ActiveConnections())
	}
}

func TestWaitForDrainImmediateWhenNoConnections(t *testing.T) {
	c := shutdown.New()
	c.Shutdown()

	if !c.WaitForDrain(100 * time.Millisecond) {
		t.Fatal("expected immediate drain with no active connections")
	}
}

func TestWaitForDrainSucceedsWhenConnectionEnds(t *testing.T) {
	c := shutdown.New()
	g := c.ConnectionGuard()
	c.Shutdown()

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Release()
	}()

	if !c.WaitForDrain(500 * time.Millisecond) {
		t.Fatal("expected drain to succeed once the connection releases")
	}
}

func TestWaitForDrainTimesOut(t *testing.T) {
	c := shutdown.New()
	_ = c.ConnectionGuard()
	c.Shutdown()

	if c.WaitForDrain(30 * time.Millisecond) {
		t.Fatal("expected drain to time out with a connection still active")
	}
}
