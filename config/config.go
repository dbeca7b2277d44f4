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

// Package config loads and validates the whole node's configuration:
// flags bound through pflag/cobra, layered over environment variables
// (GEOPROXY_*) and an optional YAML file, the way the teacher's own
// cobra/viper wiring layers its sources - simplified here to one flat
// struct instead of the teacher's pluggable component registry, since
// this node has a small, fixed set of subsystems rather than an open
// set of optional ones.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/resilience/healthcheck"
)

const (
	ErrorValidate errors.CodeError = iota + errors.MinPkgConfig
	ErrorUnmarshal
	ErrorReadFile
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorValidate:  "configuration failed validation",
		ErrorUnmarshal: "failed to unmarshal configuration",
		ErrorReadFile:  "failed to read configuration file",
	})
}

// EnvPrefix is the prefix every environment variable override uses,
// e.g. GEOPROXY_TCP_LISTEN for TCPListen.
const EnvPrefix = "geoproxy"

// Config is every tunable of one geoproxy node, flattened into a single
// struct bound by viper from flags, environment, and an optional file.
type Config struct {
	NodeID string     `mapstructure:"node-id" validate:"required"`
	Region string     `mapstructure:"region" validate:"required,oneof=sa na eu ap SA NA EU AP"`
	LogLevel string   `mapstructure:"log-level" validate:"omitempty,oneof=trace debug info warn error"`

	TCPListen        string        `mapstructure:"tcp-listen" validate:"required"`
	TCPTLS           bool          `mapstructure:"tcp-tls"`
	TCPDomain        string        `mapstructure:"tcp-domain"`
	TCPCertFile      string        `mapstructure:"tcp-cert-file"`
	TCPKeyFile       string        `mapstructure:"tcp-key-file"`
	TCPDialTimeout   time.Duration `mapstructure:"tcp-dial-timeout"`
	TCPShutdownGrace time.Duration `mapstructure:"tcp-shutdown-grace"`
	PublicIPURL      string        `mapstructure:"public-ip-url"`

	DNSListen string        `mapstructure:"dns-listen"`
	DNSSuffix string        `mapstructure:"dns-suffix"`
	DNSTTL    time.Duration `mapstructure:"dns-ttl"`

	APIListen        string        `mapstructure:"api-listen" validate:"required"`
	HeartbeatTTL     time.Duration `mapstructure:"heartbeat-ttl"`
	SweepInterval    time.Duration `mapstructure:"sweep-interval"`

	GossipAddr      string        `mapstructure:"gossip-addr" validate:"required"`
	TransportAddr   string        `mapstructure:"transport-addr" validate:"required"`
	TransportDomain string        `mapstructure:"transport-domain"`
	Bootstrap       []string      `mapstructure:"bootstrap"`
	GossipInterval  time.Duration `mapstructure:"gossip-interval"`
	FailureInterval time.Duration `mapstructure:"failure-interval"`
	FailureTimeout  time.Duration `mapstructure:"failure-timeout"`
	FlushInterval   time.Duration `mapstructure:"flush-interval"`

	GeoDBPath   string        `mapstructure:"geo-db-path"`
	LoopbackTTL time.Duration `mapstructure:"loopback-ttl"`

	CircuitFailureThreshold int           `mapstructure:"circuit-failure-threshold"`
	CircuitSuccessThreshold int           `mapstructure:"circuit-success-threshold"`
	CircuitResetTimeout     time.Duration `mapstructure:"circuit-reset-timeout"`
	CircuitFailureWindow    time.Duration `mapstructure:"circuit-failure-window"`

	RateLimitMaxRequests uint64        `mapstructure:"rate-limit-max-requests"`
	RateLimitWindow      time.Duration `mapstructure:"rate-limit-window"`
	RateLimitBurstSize   uint64        `mapstructure:"rate-limit-burst-size"`

	DatabaseDSN                 string        `mapstructure:"database-dsn" validate:"required"`
	DatabasePoolMaxOpenConns    int           `mapstructure:"database-pool-max-open-conns"`
	DatabasePoolConnMaxLifetime time.Duration `mapstructure:"database-pool-conn-max-lifetime"`
	DatabaseVerbose             bool          `mapstructure:"database-verbose"`
	DatabaseReloadInterval      time.Duration `mapstructure:"database-reload-interval"`

	BindingTTL        time.Duration `mapstructure:"binding-ttl"`
	BindingGCInterval time.Duration `mapstructure:"binding-gc-interval"`

	RateLimitMaxIdle          time.Duration `mapstructure:"rate-limit-max-idle"`
	RateLimitCleanupInterval  time.Duration `mapstructure:"rate-limit-cleanup-interval"`

	HealthCheckInterval           time.Duration `mapstructure:"health-check-interval"`
	HealthCheckTimeout            time.Duration `mapstructure:"health-check-timeout"`
	HealthCheckType               string        `mapstructure:"health-check-type" validate:"omitempty,oneof=tcp http TCP HTTP"`
	HealthCheckPath               string        `mapstructure:"health-check-path"`
	HealthCheckUnhealthyThreshold int           `mapstructure:"health-check-unhealthy-threshold"`
	HealthCheckHealthyThreshold   int           `mapstructure:"health-check-healthy-threshold"`
}

// BindFlags registers every configuration key on fs with its default,
// so a cobra command line surfaces `--tcp-listen`, `--region`, and so
// on, each also overridable by a GEOPROXY_-prefixed environment
// variable once bound into a viper.Viper by Load.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("node-id", "", "unique identifier for this node")
	fs.String("region", "", "points-of-presence region for this node (sa, na, eu, ap)")
	fs.String("log-level", "info", "log level: trace, debug, info, warn, error")

	fs.String("tcp-listen", ":8443", "inbound proxy listen address")
	fs.Bool("tcp-tls", false, "terminate TLS on the inbound proxy listener")
	fs.String("tcp-domain", "localhost", "domain name used for the self-signed certificate SAN set")
	fs.String("tcp-cert-file", "", "PEM certificate file for the inbound listener")
	fs.String("tcp-key-file", "", "PEM key file for the inbound listener")
	fs.Duration("tcp-dial-timeout", 5*time.Second, "backend dial timeout")
	fs.Duration("tcp-shutdown-grace", 30*time.Second, "grace period to drain connections on shutdown")
	fs.String("public-ip-url", "https://checkip.amazonaws.com/", "IP-echo service used to resolve this node's own public IP for loopback clients")

	fs.String("dns-listen", ":8453", "inbound DNS listen address")
	fs.String("dns-suffix", "internal", "domain suffix DNS queries must match")
	fs.Duration("dns-ttl", 30*time.Second, "TTL on DNS answers")

	fs.String("api-listen", ":8080", "registration API listen address")
	fs.Duration("heartbeat-ttl", 30*time.Second, "backend heartbeat age before it's considered unhealthy, then swept")
	fs.Duration("sweep-interval", 10*time.Second, "how often the registration API sweeps expired backends")

	fs.String("gossip-addr", "127.0.0.1:7946", "UDP address this node gossips on")
	fs.String("transport-addr", "127.0.0.1:7947", "QUIC address this node replicates on")
	fs.String("transport-domain", "localhost", "domain used for the replication transport's self-signed certificate")
	fs.StringSlice("bootstrap", nil, "gossip addresses of peers to join through")
	fs.Duration("gossip-interval", 500*time.Millisecond, "gossip ping interval")
	fs.Duration("failure-interval", 10*time.Second, "failure-detector sweep interval")
	fs.Duration("failure-timeout", 30*time.Second, "silence duration before a member is marked dead")
	fs.Duration("flush-interval", 100*time.Millisecond, "replication flush interval")

	fs.String("geo-db-path", "", "path to the MaxMind GeoIP2 City database; empty disables geo resolution")
	fs.Duration("loopback-ttl", 0, "expiry of the geo resolver's cached loopback (public IP) lookups; 0 uses 5m")

	fs.Int("circuit-failure-threshold", 5, "consecutive failures before a backend's circuit opens")
	fs.Int("circuit-success-threshold", 3, "consecutive probe successes before a circuit closes")
	fs.Duration("circuit-reset-timeout", 30*time.Second, "time an open circuit waits before probing again")
	fs.Duration("circuit-failure-window", 60*time.Second, "window failures are counted within")

	fs.Uint64("rate-limit-max-requests", 100, "token bucket refill rate per window")
	fs.Duration("rate-limit-window", time.Second, "token bucket refill window")
	fs.Uint64("rate-limit-burst-size", 10, "token bucket burst size")

	fs.String("database-dsn", "file:geoproxy.db?cache=shared&_fk=1", "SQLite DSN for the backend table and replication log")
	fs.Int("database-pool-max-open-conns", 1, "max open database connections")
	fs.Duration("database-pool-conn-max-lifetime", 0, "max lifetime of a pooled database connection")
	fs.Bool("database-verbose", false, "enable GORM statement logging")
	fs.Duration("database-reload-interval", 30*time.Second, "how often the backend table is reloaded from the database")

	fs.Duration("binding-ttl", 5*time.Minute, "client binding age before it's eligible for garbage collection")
	fs.Duration("binding-gc-interval", time.Minute, "how often expired client bindings are swept")

	fs.Duration("rate-limit-max-idle", 5*time.Minute, "client token bucket idle age before it's evicted")
	fs.Duration("rate-limit-cleanup-interval", time.Minute, "how often idle rate-limiter client buckets are swept")

	fs.Duration("health-check-interval", 10*time.Second, "active backend health probe interval")
	fs.Duration("health-check-timeout", 5*time.Second, "active backend health probe timeout")
	fs.String("health-check-type", "tcp", "active health probe mechanism: tcp or http")
	fs.String("health-check-path", "/health", "HTTP path probed when health-check-type is http")
	fs.Int("health-check-unhealthy-threshold", 3, "consecutive probe failures before a backend flips unhealthy")
	fs.Int("health-check-healthy-threshold", 2, "consecutive probe successes before a backend flips healthy again")
}

// Load builds a Config from fs (already parsed) and an optional YAML
// file, with environment variables taking precedence over the file but
// not over explicitly-set flags - the same layering order (flags > env
// > file > defaults) the teacher's cobra/viper wiring uses.
func Load(fs *pflag.FlagSet, file string) (Config, errors.Error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.CodeError(ErrorReadFile).Error(err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, errors.CodeError(ErrorUnmarshal).Error(err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.CodeError(ErrorUnmarshal).Error(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs struct-tag validation over cfg, collecting every failed
// field into a single Error rather than stopping at the first one.
func (c Config) Validate() errors.Error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	verr, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.CodeError(ErrorValidate).Error(err)
	}

	out := errors.CodeError(ErrorValidate).Error()
	for _, fe := range verr {
		out.Add(fmt.Errorf("field %s failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return out
}

// RegionCode resolves the configured Region string into a model.RegionCode,
// the same parsing the registration API applies to an incoming request.
func (c Config) RegionCode() (model.RegionCode, bool) {
	return model.ParseRegionCode(c.Region)
}

// HealthCheck builds a resilience/healthcheck.Config from the configured
// probe tunables, defaulting an unrecognized or empty HealthCheckType to
// TCP.
func (c Config) HealthCheck() healthcheck.Config {
	probe := healthcheck.TCP
	if strings.EqualFold(c.HealthCheckType, "http") {
		probe = healthcheck.HTTP
	}
	return healthcheck.Config{
		Interval:           c.HealthCheckInterval,
		Timeout:            c.HealthCheckTimeout,
		UnhealthyThreshold: c.HealthCheckUnhealthyThreshold,
		HealthyThreshold:   c.HealthCheckHealthyThreshold,
		Type:               probe,
		Path:               c.HealthCheckPath,
	}
}
