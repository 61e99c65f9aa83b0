// Package proxy is the core request pipeline.
//
// The Gateway terminates the OpenAI-compatible HTTP surface, derives a
// cache fingerprint for each generation request, serves hits from the
// two-tier cache, and dispatches misses through the routing engine —
// coalescing concurrent identical requests into a single upstream call.
//
// Key design constraints:
//   - A cache miss never waits longer than the L2 operation timeout before
//     dispatching upstream.
//   - L2 and metrics problems are never visible to clients.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming is out of scope; requests with "stream": true are rejected.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/edge-proxy/internal/cache"
	"github.com/nulpointcorp/edge-proxy/internal/logger"
	"github.com/nulpointcorp/edge-proxy/internal/metrics"
	"github.com/nulpointcorp/edge-proxy/internal/providers"
	"github.com/nulpointcorp/edge-proxy/internal/ratelimit"
	"github.com/nulpointcorp/edge-proxy/internal/routing"
	"github.com/nulpointcorp/edge-proxy/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// cacheProviderLabel marks responses served without an upstream call.
	cacheProviderLabel = "cache"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All
// fields have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. Nil disables it.
	Metrics *metrics.Registry

	// ProviderTimeout bounds each upstream attempt. Default: providers.Timeout.
	ProviderTimeout time.Duration

	// Exclusions lists models that bypass the cache entirely.
	Exclusions *cache.Exclusions

	// RequestLogger is the async per-request record sink. Nil disables it.
	RequestLogger *logger.Logger

	// RPMLimiter applies a per-caller requests-per-minute cap. Nil disables it.
	RPMLimiter *ratelimit.Limiter
}

// Gateway is the public entry point consumed by the HTTP boundary. All
// dependencies are injected so tests can swap in stub providers and a
// miniredis-backed cache.
type Gateway struct {
	clients     map[string]providers.Provider
	descriptors map[string]providers.Descriptor
	cacheMgr    *cache.Manager
	dispatcher  *routing.Dispatcher
	health      *HealthChecker
	baseCtx     context.Context
	log         *slog.Logger
	metrics     *metrics.Registry

	providerTimeout time.Duration
	exclusions      *cache.Exclusions
	reqLogger       *logger.Logger
	rpmLimiter      *ratelimit.Limiter

	// flight coalesces concurrent cache misses with the same fingerprint
	// into one upstream call; every waiter receives the shared result.
	flight singleflight.Group

	corsOrigins []string
}

// NewGateway creates a fully wired Gateway.
func NewGateway(
	baseCtx context.Context,
	clients map[string]providers.Provider,
	descriptors []providers.Descriptor,
	cacheMgr *cache.Manager,
	dispatcher *routing.Dispatcher,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.Timeout
	}

	descByName := make(map[string]providers.Descriptor, len(descriptors))
	for _, d := range descriptors {
		descByName[d.Name] = d
	}

	return &Gateway{
		clients:         clients,
		descriptors:     descByName,
		cacheMgr:        cacheMgr,
		dispatcher:      dispatcher,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		exclusions:      opts.Exclusions,
		reqLogger:       opts.RequestLogger,
		rpmLimiter:      opts.RPMLimiter,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetHealthChecker attaches the background prober serving /health and
// /readiness.
func (g *Gateway) SetHealthChecker(hc *HealthChecker) {
	g.health = hc
}

// ── Wire types ───────────────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature *float64         `json:"temperature"`
		MaxTokens   *uint32          `json:"max_tokens"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundMetadata struct {
		Provider  string   `json:"provider"`
		Cached    bool     `json:"cached"`
		CacheTier string   `json:"cache_tier,omitempty"`
		LatencyMs int64    `json:"latency_ms"`
		CostUSD   *float64 `json:"cost_usd,omitempty"`
	}

	outboundResponse struct {
		ID       string           `json:"id"`
		Object   string           `json:"object"`
		Created  int64            `json:"created"`
		Model    string           `json:"model"`
		Choices  []outboundChoice `json:"choices"`
		Usage    outboundUsage    `json:"usage"`
		Metadata outboundMetadata `json:"metadata"`
	}
)

// knownRequestFields are the envelope fields handled explicitly; everything
// else in the body is treated as an extra generation parameter and folded
// into the fingerprint.
var knownRequestFields = map[string]struct{}{
	"model":       {},
	"messages":    {},
	"stream":      {},
	"temperature": {},
	"max_tokens":  {},
}

// dispatchResult is the shared value handed to every single-flight waiter.
type dispatchResult struct {
	resp     *providers.Response
	provider string
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	servedProvider := "unknown"
	cacheLabel := "miss"
	inputTokens, outputTokens := 0, 0
	cached := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObservePipeline(servedProvider, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, inputTokens, outputTokens, cached)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()), "")
		return
	}
	if param, msg := validateRequest(&req); param != "" {
		apierr.WriteValidation(ctx, msg, param)
		return
	}

	// 2. Rate limit check, bucketed per caller.
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx, callerID(ctx))
		if g.metrics != nil {
			switch {
			case err != nil:
				g.metrics.RecordRateLimit("error")
			case allowed:
				g.metrics.RecordRateLimit("allowed")
			default:
				g.metrics.RecordRateLimit("blocked")
			}
		}
		if err == nil && !allowed {
			g.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID))
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	// 3. Derive the cacheable form and its fingerprint.
	cacheReq := buildCacheableRequest(&req, ctx.PostBody())
	fp := cache.Fingerprint(cacheReq)
	shortFP := fp[:16]

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("fingerprint", shortFP),
	)

	// 4. Cache lookup (read-through) unless the model is excluded.
	cacheEligible := !g.exclusions.Excluded(req.Model)
	if !cacheEligible {
		cacheLabel = "bypass"
	}
	if cacheEligible {
		if hit := g.cacheMgr.Lookup(ctx, fp); hit.Hit() {
			cacheLabel = string(hit.Tier)
			cached = true
			servedProvider = cacheProviderLabel
			inputTokens = hit.Response.Tokens.PromptTokens
			outputTokens = hit.Response.Tokens.CompletionTokens

			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("fingerprint", shortFP),
				slog.String("tier", string(hit.Tier)),
			)
			g.writeCachedResponse(ctx, hit, start)
			g.logRequest(reqID, cacheProviderLabel, hit.Response.Model,
				inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, string(hit.Tier))
			return
		}
	}

	// 5. Dispatch upstream. Concurrent misses on the same fingerprint share
	// one provider call; the winner also performs the cache store so a
	// request writes back at most once.
	provReq := buildProviderRequest(&req, reqID)

	result, err := g.dispatch(ctx, fp, cacheReq, provReq, cacheEligible)
	if err != nil {
		g.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("fingerprint", shortFP),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		status := writeDispatchError(ctx, err)
		g.logRequest(reqID, servedProvider, req.Model, 0, 0, time.Since(start), status, "")
		return
	}

	servedProvider = result.provider
	inputTokens = result.resp.Usage.InputTokens
	outputTokens = result.resp.Usage.OutputTokens

	// 6. Build the response envelope.
	totalTokens := inputTokens + outputTokens
	var costUSD *float64
	if desc, ok := g.descriptors[result.provider]; ok && desc.UnitCost > 0 {
		c := desc.Cost(totalTokens)
		costUSD = &c
		if g.metrics != nil {
			g.metrics.AddCost(result.provider, c)
		}
	}

	out := outboundResponse{
		ID:      responseID(result.resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   result.resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: result.resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      totalTokens,
		},
		Metadata: outboundMetadata{
			Provider:  result.provider,
			Cached:    false,
			LatencyMs: time.Since(start).Milliseconds(),
			CostUSD:   costUSD,
		},
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", result.provider),
		slog.String("model", result.resp.Model),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	g.logRequest(reqID, result.provider, result.resp.Model,
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, "")

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	writeJSONBody(ctx, fasthttp.StatusOK, out)
}

// dispatch runs the retry driver, deduplicated per fingerprint. The cache
// store happens inside the flight so it runs exactly once per upstream
// response, and only after success — a failed dispatch never pollutes the
// cache.
func (g *Gateway) dispatch(
	ctx *fasthttp.RequestCtx,
	fp string,
	cacheReq *cache.CacheableRequest,
	provReq *providers.Request,
	cacheEligible bool,
) (*dispatchResult, error) {
	call := func(callCtx context.Context, name string) (*providers.Response, error) {
		prov, ok := g.clients[name]
		if !ok {
			return nil, fmt.Errorf("provider %q not configured", name)
		}
		attemptCtx, cancel := context.WithTimeout(callCtx, g.providerTimeout)
		defer cancel()
		return prov.Request(attemptCtx, provReq)
	}

	run := func() (*dispatchResult, error) {
		resp, name, err := g.dispatcher.Dispatch(ctx, provReq.RequestID, call)
		if err != nil {
			return nil, err
		}
		if cacheEligible {
			g.cacheMgr.Store(ctx, fp, &cache.CachedResponse{
				Content: resp.Content,
				Tokens: cache.TokenUsage{
					PromptTokens:     resp.Usage.InputTokens,
					CompletionTokens: resp.Usage.OutputTokens,
					TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
				},
				Model:    resp.Model,
				CachedAt: time.Now().Unix(),
			})
		}
		return &dispatchResult{resp: resp, provider: name}, nil
	}

	if !cacheEligible {
		// Excluded models are expected to vary per call — don't coalesce.
		return run()
	}

	v, err, _ := g.flight.Do(fp, func() (any, error) { return run() })
	if err != nil {
		return nil, err
	}
	return v.(*dispatchResult), nil
}

// writeCachedResponse renders a hit as a fresh completion envelope.
func (g *Gateway) writeCachedResponse(ctx *fasthttp.RequestCtx, hit cache.Lookup, start time.Time) {
	r := hit.Response
	out := outboundResponse{
		ID:      responseID(""),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   r.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: r.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     r.Tokens.PromptTokens,
			CompletionTokens: r.Tokens.CompletionTokens,
			TotalTokens:      r.Tokens.TotalTokens,
		},
		Metadata: outboundMetadata{
			Provider:  cacheProviderLabel,
			Cached:    true,
			CacheTier: string(hit.Tier),
			LatencyMs: time.Since(start).Milliseconds(),
		},
	}

	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	writeJSONBody(ctx, fasthttp.StatusOK, out)
}

// handleInvalidate removes a request's cache entry from both tiers. The
// body is the same chat-completion envelope the lookup path accepts.
func (g *Gateway) handleInvalidate(ctx *fasthttp.RequestCtx) {
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteValidation(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()), "")
		return
	}
	if param, msg := validateRequest(&req); param != "" {
		apierr.WriteValidation(ctx, msg, param)
		return
	}

	fp := cache.Fingerprint(buildCacheableRequest(&req, ctx.PostBody()))
	g.cacheMgr.Invalidate(ctx, fp)
	writeJSON(ctx, map[string]string{"status": "invalidated", "fingerprint": fp})
}

// handleCacheClear empties both cache tiers.
func (g *Gateway) handleCacheClear(ctx *fasthttp.RequestCtx) {
	g.cacheMgr.Clear(ctx)
	writeJSON(ctx, map[string]string{"status": "cleared"})
}

// validateRequest returns the offending field and message, or "" when the
// request is acceptable.
func validateRequest(req *inboundRequest) (param, msg string) {
	if req.Model == "" {
		return "model", "field 'model' is required"
	}
	if !providers.KnownModel(req.Model) {
		return "model", fmt.Sprintf("unknown model %q", req.Model)
	}
	if len(req.Messages) == 0 {
		return "messages", "field 'messages' must not be empty"
	}
	if req.Stream {
		return "stream", "streaming responses are not supported"
	}
	return "", ""
}

// buildCacheableRequest flattens the conversation and collects the extra
// generation parameters the envelope doesn't model explicitly.
func buildCacheableRequest(req *inboundRequest, body []byte) *cache.CacheableRequest {
	lines := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		lines[i] = m.Role + ": " + m.Content
	}

	var params map[string]any
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err == nil {
		for k, v := range raw {
			if _, known := knownRequestFields[k]; known {
				continue
			}
			var val any
			if err := json.Unmarshal(v, &val); err == nil {
				if params == nil {
					params = make(map[string]any)
				}
				params[k] = val
			}
		}
	}

	return &cache.CacheableRequest{
		Model:       req.Model,
		Prompt:      strings.Join(lines, "\n"),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Params:      params,
	}
}

func buildProviderRequest(req *inboundRequest, reqID string) *providers.Request {
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	maxTokens := 0
	if req.MaxTokens != nil {
		maxTokens = int(*req.MaxTokens)
	}
	return &providers.Request{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
		RequestID:   reqID,
	}
}

// writeDispatchError maps a terminal dispatch error onto the client-facing
// taxonomy and returns the HTTP status written.
func writeDispatchError(ctx *fasthttp.RequestCtx, err error) int {
	switch {
	case errors.Is(err, routing.ErrNoProvidersAvailable):
		apierr.WriteNoProviders(ctx)
	case providers.IsUnauthorized(err):
		apierr.WriteUpstreamUnauthorized(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	case errors.Is(err, routing.ErrAllProvidersFailed):
		apierr.WriteUpstreamFailed(ctx)
	case errors.Is(err, context.Canceled):
		apierr.WriteTimeout(ctx)
	default:
		apierr.WriteInternal(ctx)
	}
	return ctx.Response.StatusCode()
}

// logRequest enqueues an async request record. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	cacheTier string,
) {
	if g.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(requestID)
	g.reqLogger.Log(logger.Record{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    latency.Milliseconds(),
		Status:       status,
		CacheTier:    cacheTier,
		CreatedAt:    time.Now(),
	})
}

// callerID derives a stable rate-limit identity for the client: a digest
// of its Authorization credential when one is presented (so one tenant's
// burst cannot starve another's), falling back to the peer address. The
// raw credential never leaves this function.
func callerID(ctx *fasthttp.RequestCtx) string {
	auth := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if auth != "" {
		sum := sha256.Sum256([]byte(auth))
		return hex.EncodeToString(sum[:8])
	}
	return ctx.RemoteIP().String()
}

func responseID(upstream string) string {
	if upstream != "" {
		return upstream
	}
	return "chatcmpl-" + uuid.NewString()
}

func writeJSONBody(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		apierr.WriteInternal(ctx)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
