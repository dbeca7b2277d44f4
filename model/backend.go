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
	"strconv"
	"time"
)

// Backend is a registered instance of an application, owned by the backend
// repository and mutated only through registration or replication apply.
type Backend struct {
	ID     string     `json:"id" yaml:"id" mapstructure:"id" gorm:"column:id;primaryKey"`
	App    string     `json:"app" yaml:"app" mapstructure:"app" gorm:"column:app;index"`
	Region RegionCode `json:"region" yaml:"region" mapstructure:"region" gorm:"column:region"`

	// Country is the ISO 3166-1 alpha-2 code of the backend's location.
	Country string `json:"country" yaml:"country" mapstructure:"country" gorm:"column:country"`

	// IP is the reachable address of the backend, IPv4 or IPv6.
	IP   net.IP `json:"-" yaml:"-" mapstructure:"-" gorm:"-"`
	Port uint16 `json:"port" yaml:"port" mapstructure:"port" gorm:"column:port"`

	// RawIP is the persisted string form of IP (gorm/json round-trip).
	RawIP string `json:"ip" yaml:"ip" mapstructure:"ip" gorm:"column:wg_ip"`

	Healthy bool `json:"healthy" yaml:"healthy" mapstructure:"healthy" gorm:"column:healthy"`

	// Weight is the relative preference of this backend; 0 is treated as 1.
	Weight uint32 `json:"weight" yaml:"weight" mapstructure:"weight" gorm:"column:weight"`

	// SoftLimit is the comfort connection threshold; 0 is treated as 1.
	SoftLimit uint32 `json:"soft_limit" yaml:"soft_limit" mapstructure:"soft_limit" gorm:"column:soft_limit"`

	// HardLimit is the absolute connection ceiling; 0 means unlimited.
	HardLimit uint32 `json:"hard_limit" yaml:"hard_limit" mapstructure:"hard_limit" gorm:"column:hard_limit"`

	Deleted bool `json:"-" yaml:"-" mapstructure:"-" gorm:"column:deleted"`

	RegisteredAt   time.Time `json:"registered_at" yaml:"registered_at" mapstructure:"-" gorm:"-"`
	LastHeartbeat  time.Time `json:"last_heartbeat" yaml:"last_heartbeat" mapstructure:"-" gorm:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"updated_at" mapstructure:"-" gorm:"column:updated_at"`
}

func (b Backend) TableName() string {
	return "backends"
}

// EffectiveWeight returns Weight, treating 0 as 1.
func (b Backend) EffectiveWeight() float64 {
	if b.Weight == 0 {
		return 1
	}
	return float64(b.Weight)
}

// EffectiveSoftLimit returns SoftLimit, treating 0 as 1.
func (b Backend) EffectiveSoftLimit() float64 {
	if b.SoftLimit == 0 {
		return 1
	}
	return float64(b.SoftLimit)
}

// HasCapacity reports whether current active connections are still below
// the hard limit. HardLimit == 0 means unbounded.
func (b Backend) HasCapacity(current uint32) bool {
	if b.HardLimit == 0 {
		return true
	}
	return current < b.HardLimit
}

// Addr formats the backend's dial address, bracketing IPv6 addresses so
// the result is a valid host:port pair.
func (b Backend) Addr() string {
	ip := b.RawIP
	if b.IP != nil {
		ip = b.IP.String()
	}
	port := strconv.Itoa(int(b.Port))
	if isIPv6(ip) {
		return "[" + ip + "]:" + port
	}
	return ip + ":" + port
}

func isIPv6(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() == nil
}
