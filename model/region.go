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

// Package model holds the value types shared across every subsystem of the
// edge proxy: backends, bindings, geo information and the hybrid logical
// clock used by the replication fabric. Nothing in this package performs
// I/O; it is imported by every other package in the module.
package model

import "strings"

// RegionCode is one of the four points-of-presence regions this proxy is
// deployed into. It is a closed set, not an open string, so callers get a
// compile error instead of a typo travelling into a scoring decision.
type RegionCode string

const (
	RegionSouthAmerica RegionCode = "SA"
	RegionNorthAmerica RegionCode = "NA"
	RegionEurope       RegionCode = "EU"
	RegionAsiaPacific  RegionCode = "AP"
)

// ParseRegionCode normalizes a config/API supplied region string (case
// insensitive: "sa", "us", "eu", "ap" are all accepted) into a RegionCode.
func ParseRegionCode(s string) (RegionCode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sa", "south_america", "southamerica":
		return RegionSouthAmerica, true
	case "na", "us", "north_america", "northamerica":
		return RegionNorthAmerica, true
	case "eu", "europe":
		return RegionEurope, true
	case "ap", "asia_pacific", "asiapacific":
		return RegionAsiaPacific, true
	default:
		return "", false
	}
}

// DefaultCountry returns the ISO country code used by the registration API
// when a registering backend omits its country.
func (r RegionCode) DefaultCountry() string {
	switch r {
	case RegionSouthAmerica:
		return "BR"
	case RegionNorthAmerica:
		return "US"
	case RegionEurope:
		return "DE"
	case RegionAsiaPacific:
		return "SG"
	default:
		return ""
	}
}

func (r RegionCode) Valid() bool {
	switch r {
	case RegionSouthAmerica, RegionNorthAmerica, RegionEurope, RegionAsiaPacific:
		return true
	default:
		return false
	}
}

func (r RegionCode) String() string {
	return string(r)
}
