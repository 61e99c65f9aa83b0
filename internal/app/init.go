package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/edge-proxy/internal/cache"
	"github.com/nulpointcorp/edge-proxy/internal/config"
	"github.com/nulpointcorp/edge-proxy/internal/logger"
	"github.com/nulpointcorp/edge-proxy/internal/metrics"
	"github.com/nulpointcorp/edge-proxy/internal/providers"
	anthropicprov "github.com/nulpointcorp/edge-proxy/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/edge-proxy/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/edge-proxy/internal/providers/openai"
	openaicompatprov "github.com/nulpointcorp/edge-proxy/internal/providers/openaicompat"
	"github.com/nulpointcorp/edge-proxy/internal/proxy"
	"github.com/nulpointcorp/edge-proxy/internal/ratelimit"
	"github.com/nulpointcorp/edge-proxy/internal/routing"
)

// initInfra establishes the optional Redis connection backing the L2 tier.
// Failure is not fatal — the proxy degrades to L1-only and logs why.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.L2URL == "" {
		return nil
	}

	a.log.Info("connecting to redis for l2 cache")
	rdb, err := connectRedis(ctx, a.cfg.Cache.L2URL, a.cfg.Cache.L2ConnTimeout)
	if err != nil {
		a.log.Warn("l2 cache unavailable, continuing without it",
			slog.String("error", err.Error()),
		)
		return nil
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initProviders builds the provider clients and their routing descriptors.
// At least one provider must be configured — enforced by config validation
// and re-checked here.
func (a *App) initProviders(ctx context.Context) error {
	a.clients = make(map[string]providers.Provider)
	a.descriptors = nil

	for _, name := range config.ProviderOrder() {
		pc := a.cfg.Providers[name]
		if pc.APIKey == "" {
			continue
		}

		client, err := buildProviderClient(ctx, name, pc)
		if err != nil {
			a.log.Warn("provider init failed, skipping",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}

		a.clients[name] = client
		a.descriptors = append(a.descriptors, providers.Descriptor{
			Name:     name,
			Endpoint: pc.BaseURL,
			Priority: pc.Priority,
			UnitCost: pc.UnitCost,
			Enabled:  pc.Enabled,
		})
	}

	if len(a.clients) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.descriptors))
	for _, d := range a.descriptors {
		names = append(names, d.Name)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))
	return nil
}

func buildProviderClient(ctx context.Context, name string, pc config.ProviderConfig) (providers.Provider, error) {
	switch name {
	case "openai":
		var opts []openaiprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(pc.BaseURL))
		}
		return openaiprov.New(pc.APIKey, opts...), nil

	case "anthropic":
		var opts []anthropicprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(pc.BaseURL))
		}
		return anthropicprov.New(pc.APIKey, opts...), nil

	case "gemini":
		var opts []geminiprov.Option
		if pc.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(pc.BaseURL))
		}
		return geminiprov.New(ctx, pc.APIKey, opts...)

	default:
		// OpenAI-compatible services share one generic client.
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = config.DefaultBaseURL(name)
		}
		return openaicompatprov.New(name, pc.APIKey, baseURL), nil
	}
}

// initServices creates the cache tiers, the routing engine, and the
// Prometheus registry.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// L2 — only when Redis connected (initInfra may have degraded).
	if a.rdb != nil {
		a.l2 = cache.NewL2FromClient(a.rdb, cache.L2Config{
			URL:         a.cfg.Cache.L2URL,
			TTL:         a.cfg.Cache.L2TTL,
			Prefix:      a.cfg.Cache.L2Prefix,
			OpTimeout:   a.cfg.Cache.L2OpTimeout,
			ConnTimeout: a.cfg.Cache.L2ConnTimeout,
		})
		a.log.Info("cache: l1 + l2 (redis)")
	} else {
		a.log.Info("cache: l1 only")
	}

	l1 := cache.NewL1(cache.L1Config{
		MaxEntries: a.cfg.Cache.L1MaxEntries,
		TTL:        a.cfg.Cache.L1TTL,
		TTI:        a.cfg.Cache.L1TTI,
	})
	a.cacheMgr = cache.NewManager(a.baseCtx, l1, a.l2, a.log, a.prom)

	// Routing engine.
	strategy, err := routing.NewStrategy(a.cfg.Routing.Strategy)
	if err != nil {
		return err
	}
	circuit := routing.NewCircuitBreaker(routing.BreakerConfig{
		FailureThreshold:  a.cfg.Circuit.FailureThreshold,
		OpenDuration:      a.cfg.Circuit.OpenDuration,
		HalfOpenSuccesses: a.cfg.Circuit.HalfOpenSuccesses,
	})
	tracker := routing.NewHealthTracker()

	descriptors := a.descriptors
	a.dispatcher = routing.NewDispatcher(
		func() []providers.Descriptor { return descriptors },
		strategy,
		circuit,
		tracker,
		routing.RetryConfig{
			MaxAttempts:    a.cfg.Retry.MaxAttempts,
			InitialBackoff: a.cfg.Retry.InitialBackoff,
			Multiplier:     a.cfg.Retry.Multiplier,
			MaxBackoff:     a.cfg.Retry.MaxBackoff,
		},
		a.log,
		a.prom,
	)

	// Async request logger.
	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	exclusions, err := cache.ParseExclusions(a.cfg.Cache.Exclude)
	if err != nil {
		return err
	}

	opts := proxy.GatewayOptions{
		Logger:          a.log,
		Metrics:         a.prom,
		ProviderTimeout: a.cfg.ProviderTimeout,
		Exclusions:      exclusions,
		RequestLogger:   a.reqLogger,
	}

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RPMLimit > 0 {
		opts.RPMLimiter = ratelimit.New(a.rdb, a.cfg.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RPMLimit))
	}

	gw := proxy.NewGateway(a.baseCtx, a.clients, a.descriptors, a.cacheMgr, a.dispatcher, opts)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.hc = proxy.NewHealthChecker(a.baseCtx, a.clients, a.cacheMgr.Ready, a.prom)
	gw.SetHealthChecker(a.hc)

	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	a.gw = gw
	return nil
}
