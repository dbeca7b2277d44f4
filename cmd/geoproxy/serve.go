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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nabbar/geoproxy/agent"
	"github.com/nabbar/geoproxy/api"
	"github.com/nabbar/geoproxy/backend"
	"github.com/nabbar/geoproxy/binding"
	"github.com/nabbar/geoproxy/config"
	"github.com/nabbar/geoproxy/database"
	"github.com/nabbar/geoproxy/geo"
	"github.com/nabbar/geoproxy/gossip"
	"github.com/nabbar/geoproxy/inbound/dns"
	"github.com/nabbar/geoproxy/inbound/tcp"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/metrics"
	"github.com/nabbar/geoproxy/model"
	"github.com/nabbar/geoproxy/proxy"
	"github.com/nabbar/geoproxy/replsync"
	"github.com/nabbar/geoproxy/resilience/circuitbreaker"
	"github.com/nabbar/geoproxy/resilience/healthcheck"
	"github.com/nabbar/geoproxy/resilience/ratelimiter"
	"github.com/nabbar/geoproxy/runner"
	"github.com/nabbar/geoproxy/transport"
)

func newServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run this node's proxy, DNS, registration API and replication agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), *cfgFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// lifecycle is anything started with a context and stopped with one;
// every wired subsystem below satisfies it, directly or through
// shutdownFunc, so shutdown can walk them in reverse startup order
// without a type switch per component.
type lifecycle interface {
	Shutdown(ctx context.Context) error
}

type startable interface {
	Start(ctx context.Context) error
}

// errStarter adapts the errors.Error-returning Start methods used across
// this module to the plain-error startable shape runServe wants.
type errStarter func(ctx context.Context) error

func (f errStarter) Start(ctx context.Context) error { return f(ctx) }

// shutdownFunc adapts the Stop methods of agent.Agent and runner.Ticker
// to the lifecycle interface's Shutdown name.
type shutdownFunc func(ctx context.Context) error

func (f shutdownFunc) Shutdown(ctx context.Context) error { return f(ctx) }

func runServe(ctx context.Context, cfg config.Config) error {
	log := logging.New(os.Stdout, cfg.LogLevel).With(cfg.NodeID)

	region, ok := cfg.RegionCode()
	if !ok {
		return fmt.Errorf("unknown region %q", cfg.Region)
	}

	db, derr := database.Open(database.Config{
		DSN:                 cfg.DatabaseDSN,
		PoolMaxOpenConns:    cfg.DatabasePoolMaxOpenConns,
		PoolConnMaxLifetime: cfg.DatabasePoolConnMaxLifetime,
		Verbose:             cfg.DatabaseVerbose,
	}, append([]interface{}{&model.Backend{}}, replsync.Schema...)...)
	if derr != nil {
		return derr
	}

	backends := backend.NewSqlStore(db)
	if err := backends.Reload(); err != nil {
		return err
	}
	bindings := binding.New()
	promStore := metrics.NewPromStore(string(region), prometheus.DefaultRegisterer)

	proxySvc := proxy.New(backends, bindings, promStore, region, log)

	var geoResolver geo.Resolver
	if cfg.GeoDBPath != "" {
		geoResolver, derr = geo.NewResolver(cfg.GeoDBPath, cfg.LoopbackTTL)
		if derr != nil {
			return derr
		}
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitFailureThreshold,
		SuccessThreshold: cfg.CircuitSuccessThreshold,
		ResetTimeout:     cfg.CircuitResetTimeout,
		FailureWindow:    cfg.CircuitFailureWindow,
	})
	limiter := ratelimiter.New(ratelimiter.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
		BurstSize:   cfg.RateLimitBurstSize,
	})

	healthChecker := healthcheck.New(cfg.HealthCheck(), onHealthChange(backends, log))

	reloadTick := runner.New(cfg.DatabaseReloadInterval, onReloadTick(backends, log))
	bindingGCTick := runner.New(cfg.BindingGCInterval, onBindingGCTick(proxySvc, cfg.BindingTTL, log))
	rateLimitSweepTick := runner.New(cfg.RateLimitCleanupInterval, onRateLimitSweepTick(limiter, cfg.RateLimitMaxIdle, log))
	healthCheckTick := runner.New(cfg.HealthCheckInterval, onHealthCheckTick(backends, healthChecker))

	repAgent := agent.New(agent.Config{
		NodeID:        cfg.NodeID,
		FlushInterval: cfg.FlushInterval,
		Gossip: gossip.Config{
			Identity: gossip.Identity{
				NodeID:        cfg.NodeID,
				GossipAddr:    cfg.GossipAddr,
				TransportAddr: cfg.TransportAddr,
			},
			Bootstrap:       cfg.Bootstrap,
			GossipInterval:  cfg.GossipInterval,
			FailureInterval: cfg.FailureInterval,
			FailureTimeout:  cfg.FailureTimeout,
		},
		Transport: transport.Config{
			ListenAddr: cfg.TransportAddr,
			Domain:     cfg.TransportDomain,
			CertFile:   cfg.TCPCertFile,
			KeyFile:    cfg.TCPKeyFile,
		},
	}, db, log)

	tcpSrv, terr := tcp.New(tcp.Config{
		ListenAddr:       cfg.TCPListen,
		TLS:              cfg.TCPTLS,
		Domain:           cfg.TCPDomain,
		CertFile:         cfg.TCPCertFile,
		KeyFile:          cfg.TCPKeyFile,
		DialTimeout:      cfg.TCPDialTimeout,
		ShutdownDeadline: cfg.TCPShutdownGrace,
		PublicIPURL:      cfg.PublicIPURL,
	}, proxySvc, geoResolver, breaker, limiter, log)
	if terr != nil {
		return terr
	}

	dnsSrv := dns.New(dns.Config{
		ListenAddr: cfg.DNSListen,
		Suffix:     cfg.DNSSuffix,
		TTL:        cfg.DNSTTL,
	}, proxySvc, geoResolver, log)

	apiSrv := api.New(api.Config{
		ListenAddr:    cfg.APIListen,
		HeartbeatTTL:  cfg.HeartbeatTTL,
		SweepInterval: cfg.SweepInterval,
	}, backends, repAgent, log)

	starters := []startable{
		errStarter(func(c context.Context) error { return repAgent.Start(c) }),
		errStarter(func(c context.Context) error { return tcpSrv.Start(c) }),
		errStarter(func(c context.Context) error { return dnsSrv.Start(c) }),
		errStarter(func(c context.Context) error { return apiSrv.Start(c) }),
		reloadTick,
		bindingGCTick,
		rateLimitSweepTick,
		healthCheckTick,
	}
	stoppers := []lifecycle{
		apiSrv, dnsSrv, tcpSrv, shutdownFunc(repAgent.Stop),
		shutdownFunc(reloadTick.Stop),
		shutdownFunc(bindingGCTick.Stop),
		shutdownFunc(rateLimitSweepTick.Stop),
		shutdownFunc(healthCheckTick.Stop),
	}

	for _, s := range starters {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}
	log.Info("geoproxy node started", logging.Fields{
		"node_id": cfg.NodeID, "region": string(region),
		"tcp": cfg.TCPListen, "dns": cfg.DNSListen, "api": cfg.APIListen,
	})

	waitForShutdownSignal(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.TCPShutdownGrace)
	defer cancel()
	for _, s := range stoppers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("error during shutdown", logging.Fields{"error": err.Error()})
		}
	}
	return nil
}

// onReloadTick refreshes the backend repository's in-memory snapshot
// from the database, picking up rows written by peers replicating into
// the same table outside this node's own registration API.
func onReloadTick(backends *backend.SqlStore, log logging.Logger) runner.TickFunc {
	return func(_ context.Context, _ *time.Ticker) error {
		if err := backends.Reload(); err != nil {
			log.Warn("backend reload failed", logging.Fields{"error": err.Error()})
			return err
		}
		return nil
	}
}

// onBindingGCTick sweeps sticky client bindings older than ttl.
func onBindingGCTick(svc *proxy.Service, ttl time.Duration, log logging.Logger) runner.TickFunc {
	return func(_ context.Context, _ *time.Ticker) error {
		if n := svc.CleanupExpired(ttl); n > 0 {
			log.Debug("swept expired bindings", logging.Fields{"count": n})
		}
		return nil
	}
}

// onRateLimitSweepTick evicts idle rate-limiter client buckets so the
// limiter's client cache doesn't grow unbounded with one-off clients.
func onRateLimitSweepTick(limiter *ratelimiter.Limiter, maxIdle time.Duration, log logging.Logger) runner.TickFunc {
	return func(_ context.Context, _ *time.Ticker) error {
		if n := limiter.Cleanup(maxIdle); n > 0 {
			log.Debug("swept idle rate-limit clients", logging.Fields{"count": n})
		}
		return nil
	}
}

// onHealthCheckTick probes every known backend once and records the
// result against the health checker's per-backend state.
func onHealthCheckTick(backends *backend.SqlStore, checker *healthcheck.Checker) runner.TickFunc {
	return func(_ context.Context, _ *time.Ticker) error {
		checker.RunOnce(backends.All())
		return nil
	}
}

// onHealthChange persists an active probe's Alive/Dead flip onto the
// backend's Healthy column, so proxy selection and the registration
// API's status views see the same health the prober observed.
func onHealthChange(backends *backend.SqlStore, log logging.Logger) healthcheck.OnChange {
	return func(backendID string, alive bool) {
		b, ok := backends.Get(backendID)
		if !ok {
			return
		}
		b.Healthy = alive
		if err := backends.Upsert(b); err != nil {
			log.Warn("failed to persist health flip", logging.Fields{"backend": backendID, "error": err.Error()})
			return
		}
		log.Info("backend health flipped", logging.Fields{"backend": backendID, "alive": alive})
	}
}

// waitForShutdownSignal blocks until SIGINT, SIGTERM, SIGQUIT, or ctx is
// canceled by the caller.
func waitForShutdownSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	}
}
