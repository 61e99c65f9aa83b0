// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — Redis connection for the L2 tier (fail-soft)
//  2. initProviders — LLM provider clients and routing descriptors
//  3. initServices — cache tiers, routing engine, metrics registry
//  4. initGateway  — pipeline + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/edge-proxy/internal/cache"
	"github.com/nulpointcorp/edge-proxy/internal/config"
	"github.com/nulpointcorp/edge-proxy/internal/logger"
	"github.com/nulpointcorp/edge-proxy/internal/metrics"
	"github.com/nulpointcorp/edge-proxy/internal/providers"
	"github.com/nulpointcorp/edge-proxy/internal/proxy"
	"github.com/nulpointcorp/edge-proxy/internal/routing"
)

// drainGrace bounds how long shutdown waits for in-flight cache
// write-behinds and promotions.
const drainGrace = 2 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	l2       *cache.L2
	cacheMgr *cache.Manager

	reqLogger *logger.Logger
	prom      *metrics.Registry

	clients     map[string]providers.Provider
	descriptors []providers.Descriptor
	dispatcher  *routing.Dispatcher

	hc   *proxy.HealthChecker
	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting edge proxy",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("l2_enabled", a.cacheMgr.HasL2()),
		slog.String("strategy", a.cfg.Routing.Strategy),
		slog.Int("providers", len(a.clients)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	<-gctx.Done()
	a.Close()
	if ctx.Err() != nil {
		return nil
	}
	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call
// multiple times in sequence; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.hc != nil {
		a.hc.Close()
		a.hc = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.cacheMgr != nil {
		a.cacheMgr.Drain(drainGrace)
		a.cacheMgr = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	opts.DialTimeout = dialTimeout

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
