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

package model

import (
	"net"
	"time"
)

// ClientKey is the normalized map key for a client IP: the dotted/colon
// string form of net.IP, so that IPv4-mapped IPv6 addresses collapse to
// the same key as their IPv4 form.
type ClientKey string

// NewClientKey normalizes ip into a ClientKey.
func NewClientKey(ip net.IP) ClientKey {
	if v4 := ip.To4(); v4 != nil {
		return ClientKey(v4.String())
	}
	return ClientKey(ip.String())
}

func (k ClientKey) String() string {
	return string(k)
}

// Binding is a sticky client-IP to backend-id association.
type Binding struct {
	Client    ClientKey
	BackendID string
	CreatedAt time.Time
	LastSeen  time.Time
}

// Expired reports whether the binding's age exceeds ttl.
func (b Binding) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(b.CreatedAt) > ttl
}
