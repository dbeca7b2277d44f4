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

// Package metrics tracks per-backend connection counts, RTT, and
// errors. Store is the interface the proxy service dials against; two
// implementations are provided, an in-process memstore for tests and
// single-node setups, and a Prometheus-backed store for anything that
// needs to be scraped.
package metrics

// Store is the connection-accounting surface the proxy service and the
// load balancer read from.
type Store interface {
	// IncrementConnections records a new connection to backendID,
	// bumping both its active and total counters.
	IncrementConnections(backendID string)
	// DecrementConnections records a connection to backendID closing.
	DecrementConnections(backendID string)
	// ActiveConnections is the load balancer's connection-count input.
	ActiveConnections(backendID string) uint32
	// RecordRTT records a round-trip-time sample in milliseconds.
	RecordRTT(backendID string, ms uint64)
	// LastRTT returns the most recent RTT sample, or (0, false) if none.
	LastRTT(backendID string) (uint64, bool)
	// AvgRTT returns the mean of all RTT samples recorded so far.
	AvgRTT(backendID string) float64
	// RecordError records a connection error against backendID.
	RecordError(backendID string)
	// BackendIDs lists every backend this store has observed.
	BackendIDs() []string
}
