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

package errors

// MinPkgXxx constants partition the CodeError space so that each
// package's error codes never collide with another's. Every consuming
// package declares its own `const ( ErrorXxx = iota + errors.MinPkgYyy )`
// block.
const (
	MinPkgModel          = 100
	MinPkgBackend        = 200
	MinPkgBinding        = 300
	MinPkgGeo            = 400
	MinPkgLoadBalancer   = 500
	MinPkgMetrics        = 600
	MinPkgProxy          = 700
	MinPkgInboundTCP     = 800
	MinPkgInboundDNS     = 900
	MinPkgAPI            = 1000
	MinPkgGossip         = 1100
	MinPkgTransport      = 1200
	MinPkgSync           = 1300
	MinPkgAgent          = 1400
	MinPkgCircuitBreaker = 1500
	MinPkgRateLimiter    = 1600
	MinPkgHealthCheck    = 1700
	MinPkgShutdown       = 1800
	MinPkgCertificates   = 1900
	MinPkgConfig         = 2000
	MinPkgCache          = 2100
	MinPkgDatabase       = 2200

	MinAvailable = 3000
)

// idMsg stores the mapping between error codes and their human-readable
// message, populated by each package's init() via RegisterMessages.
var idMsg = make(map[CodeError]string)

// RegisterMessages lets a package register its whole code→message table
// in one call from its init().
func RegisterMessages(messages map[CodeError]string) {
	for code, msg := range messages {
		idMsg[code] = msg
	}
}

func getMessage(code CodeError) string {
	return idMsg[code]
}
