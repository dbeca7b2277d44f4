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

// Package geo resolves a client IP to a country code and region. The
// resolution itself is a pure function over a MaxMind database reader;
// the loopback case — a client dialing over localhost, whose real
// network position is whatever public IP this node egresses through —
// is handled by caching a single lookup rather than re-querying it on
// every accept.
package geo

import (
	"net"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/nabbar/geoproxy/cache"
	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/model"
)

const (
	ErrorOpenDatabase = iota + errors.MinPkgGeo
	ErrorLookup
	ErrorRegionMapping
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorOpenDatabase:  "failed to open geoip database",
		ErrorLookup:        "failed to look up IP address",
		ErrorRegionMapping: "country has no known region mapping",
	})
}

// countryToRegion maps ISO 3166-1 alpha-2 country codes to this
// module's coarser RegionCode. Entries are illustrative, not exhaustive;
// unmapped countries return RegionCode("") and IsZero.
var countryToRegion = map[string]model.RegionCode{
	"BR": model.RegionSouthAmerica, "AR": model.RegionSouthAmerica, "CL": model.RegionSouthAmerica,
	"CO": model.RegionSouthAmerica, "PE": model.RegionSouthAmerica, "UY": model.RegionSouthAmerica,

	"US": model.RegionNorthAmerica, "CA": model.RegionNorthAmerica, "MX": model.RegionNorthAmerica,

	"DE": model.RegionEurope, "FR": model.RegionEurope, "GB": model.RegionEurope, "NL": model.RegionEurope,
	"ES": model.RegionEurope, "IT": model.RegionEurope, "SE": model.RegionEurope, "PL": model.RegionEurope,

	"SG": model.RegionAsiaPacific, "JP": model.RegionAsiaPacific, "AU": model.RegionAsiaPacific,
	"IN": model.RegionAsiaPacific, "KR": model.RegionAsiaPacific, "ID": model.RegionAsiaPacific,
}

// RegionFor returns the RegionCode for an ISO country code, and false
// if the country is not in the mapping table.
func RegionFor(country string) (model.RegionCode, bool) {
	r, ok := countryToRegion[country]
	return r, ok
}

// Resolver turns a client IP into GeoInfo.
type Resolver interface {
	Resolve(ip net.IP) (model.GeoInfo, errors.Error)
	// ResolveLoopback returns GeoInfo for a loopback client, backed by a
	// cached lookup of this node's own public egress IP.
	ResolveLoopback(publicIP net.IP) (model.GeoInfo, errors.Error)
	Close() error
}

type resolver struct {
	db *geoip2.Reader

	loopbackTTL time.Duration
	loopback    *cache.Cache[string, model.GeoInfo]
}

// NewResolver opens the MaxMind City database at dbPath.
func NewResolver(dbPath string, loopbackTTL time.Duration) (Resolver, errors.Error) {
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, errors.CodeError(ErrorOpenDatabase).Error(err)
	}
	if loopbackTTL <= 0 {
		loopbackTTL = 5 * time.Minute
	}
	return &resolver{
		db:          db,
		loopbackTTL: loopbackTTL,
		loopback:    cache.New[string, model.GeoInfo](loopbackTTL),
	}, nil
}

func (r *resolver) Resolve(ip net.IP) (model.GeoInfo, errors.Error) {
	rec, err := r.db.City(ip)
	if err != nil {
		return model.GeoInfo{}, errors.CodeError(ErrorLookup).Error(err)
	}

	country := rec.Country.IsoCode
	region, ok := RegionFor(country)
	if !ok {
		// Unmapped country: still usable by the load balancer (it only
		// ever compares country/region equality), just never matches a
		// region tier.
		return model.GeoInfo{Country: country}, nil
	}

	return model.GeoInfo{Country: country, Region: region}, nil
}

func (r *resolver) ResolveLoopback(publicIP net.IP) (model.GeoInfo, errors.Error) {
	key := publicIP.String()
	if g, ok := r.loopback.Load(key); ok {
		return g, nil
	}

	g, err := r.Resolve(publicIP)
	if err != nil {
		return model.GeoInfo{}, err
	}

	r.loopback.Store(key, g)
	return g, nil
}

func (r *resolver) Close() error {
	return r.db.Close()
}

// IsLoopback reports whether ip is a loopback address, the trigger for
// using ResolveLoopback instead of Resolve.
func IsLoopback(ip net.IP) bool {
	return ip.IsLoopback()
}
