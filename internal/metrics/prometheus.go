// Package metrics provides a Prometheus metrics registry for the edge proxy.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics. Initialize once at boot and pass the
// handle by reference; every method is safe for concurrent use.
type Registry struct {
	reg *prometheus.Registry

	// edgeproxy_inflight_requests
	inFlight prometheus.Gauge

	// edgeproxy_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// edgeproxy_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// edgeproxy_request_duration_seconds{provider,cache}
	requestDuration *prometheus.HistogramVec

	// provider_requests_total{provider} — one increment per upstream attempt
	providerRequests *prometheus.CounterVec

	// edgeproxy_provider_attempt_duration_seconds{provider,outcome}
	attemptDuration *prometheus.HistogramVec

	// edgeproxy_provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// edgeproxy_cache_hits_total{tier} / edgeproxy_cache_misses_total
	cacheHits   *prometheus.CounterVec
	cacheMisses prometheus.Counter

	// edgeproxy_cache_lookup_duration_seconds
	cacheLookupDuration prometheus.Histogram

	// edgeproxy_cache_stores_total{tier,result}
	cacheStores *prometheus.CounterVec

	// edgeproxy_cache_l2_errors_total{op}
	l2Errors *prometheus.CounterVec

	// edgeproxy_cache_promotions_total
	cachePromotions prometheus.Counter

	// edgeproxy_circuit_state{provider} — 0=closed, 1=open, 2=half-open
	circuitState *prometheus.GaugeVec

	// edgeproxy_circuit_transitions_total{provider,to_state}
	circuitTransitions *prometheus.CounterVec

	// edgeproxy_circuit_rejections_total{provider}
	circuitRejections *prometheus.CounterVec

	// edgeproxy_dispatch_failures_total{reason}
	dispatchFailures *prometheus.CounterVec

	// edgeproxy_tokens_total{provider,direction,cache}
	tokensTotal *prometheus.CounterVec

	// edgeproxy_cost_usd_total{provider}
	costTotal *prometheus.CounterVec

	// edgeproxy_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// edgeproxy_provider_latency_ema_ms{provider}
	providerLatency *prometheus.GaugeVec

	// edgeproxy_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// edgeproxy_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgeproxy_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_http_requests_total",
				Help: "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgeproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgeproxy_request_duration_seconds",
				Help:    "Pipeline request duration in seconds by serving provider and cache outcome",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "cache"},
		),

		providerRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_requests_total",
				Help: "Upstream provider invocations, one per attempt",
			},
			[]string{"provider"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edgeproxy_provider_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_provider_errors_total",
				Help: "Provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_cache_hits_total",
				Help: "Cache hits by serving tier",
			},
			[]string{"tier"},
		),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_cache_misses_total",
			Help: "Lookups that missed every tier",
		}),

		cacheLookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgeproxy_cache_lookup_duration_seconds",
			Help:    "Read-through lookup duration in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		cacheStores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_cache_stores_total",
				Help: "Cache writes by tier and result",
			},
			[]string{"tier", "result"},
		),

		l2Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_cache_l2_errors_total",
				Help: "L2 operations that failed or timed out (degraded, not surfaced)",
			},
			[]string{"op"},
		),

		cachePromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgeproxy_cache_promotions_total",
			Help: "L2 hits promoted into L1",
		}),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgeproxy_circuit_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"provider"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_circuit_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_circuit_rejections_total",
				Help: "Attempts rejected because the provider's circuit was open",
			},
			[]string{"provider"},
		),

		dispatchFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_dispatch_failures_total",
				Help: "Requests that could not be served upstream",
			},
			[]string{"reason"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction", "cache"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_cost_usd_total",
				Help: "Estimated upstream spend in USD",
			},
			[]string{"provider"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgeproxy_provider_health",
				Help: "Provider health status (1=ok, 0=degraded)",
			},
			[]string{"provider"},
		),

		providerLatency: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgeproxy_provider_latency_ema_ms",
				Help: "Exponential moving average of provider latency in milliseconds",
			},
			[]string{"provider"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgeproxy_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "edgeproxy_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestDuration,
		r.providerRequests,
		r.attemptDuration,
		r.providerErrors,
		r.cacheHits,
		r.cacheMisses,
		r.cacheLookupDuration,
		r.cacheStores,
		r.l2Errors,
		r.cachePromotions,
		r.circuitState,
		r.circuitTransitions,
		r.circuitRejections,
		r.dispatchFailures,
		r.tokensTotal,
		r.costTotal,
		r.providerHealth,
		r.providerLatency,
		r.rateLimitTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObservePipeline records per-provider request latency and cache outcome.
// cache is "l1", "l2", "miss", or "bypass".
func (r *Registry) ObservePipeline(provider, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, cache).Observe(dur.Seconds())
}

// RecordProviderAttempt records one upstream invocation and its outcome.
func (r *Registry) RecordProviderAttempt(provider, outcome string, dur time.Duration) {
	r.providerRequests.WithLabelValues(provider).Inc()
	r.attemptDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordProviderError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) RecordCacheHit(tier string) {
	r.cacheHits.WithLabelValues(tier).Inc()
}

func (r *Registry) RecordCacheMiss() {
	r.cacheMisses.Inc()
}

func (r *Registry) ObserveCacheLookup(dur time.Duration) {
	r.cacheLookupDuration.Observe(dur.Seconds())
}

func (r *Registry) RecordCacheStore(tier string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.cacheStores.WithLabelValues(tier, result).Inc()
}

func (r *Registry) RecordL2Error(op string) {
	r.l2Errors.WithLabelValues(op).Inc()
}

func (r *Registry) RecordCachePromotion() {
	r.cachePromotions.Inc()
}

// SetCircuitState sets the circuit state gauge and increments a transition
// counter when the state changes.
func (r *Registry) SetCircuitState(provider string, state int64) {
	r.circuitState.WithLabelValues(provider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[provider]
	if !ok || prev != float64(state) {
		r.lastCBState[provider] = float64(state)
		r.circuitTransitions.WithLabelValues(provider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitRejection(provider string) {
	r.circuitRejections.WithLabelValues(provider).Inc()
}

// RecordDispatchFailure counts a request that could not be served upstream.
// reason is "no_providers", "exhausted", or "unauthorized".
func (r *Registry) RecordDispatchFailure(reason string) {
	r.dispatchFailures.WithLabelValues(reason).Inc()
}

// AddTokens records usage as {input, output, total}.
func (r *Registry) AddTokens(provider string, input, output int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if input > 0 {
		r.tokensTotal.WithLabelValues(provider, "input", cache).Add(float64(input))
	}
	if output > 0 {
		r.tokensTotal.WithLabelValues(provider, "output", cache).Add(float64(output))
	}
	if input+output > 0 {
		r.tokensTotal.WithLabelValues(provider, "total", cache).Add(float64(input + output))
	}
}

func (r *Registry) AddCost(provider string, usd float64) {
	if usd > 0 {
		r.costTotal.WithLabelValues(provider).Add(usd)
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	v := 0.0
	if ok {
		v = 1.0
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetProviderLatency(provider string, emaMs float64) {
	r.providerLatency.WithLabelValues(provider).Set(emaMs)
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
