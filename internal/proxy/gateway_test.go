package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/edge-proxy/internal/cache"
	"github.com/nulpointcorp/edge-proxy/internal/providers"
	"github.com/nulpointcorp/edge-proxy/internal/routing"
)

// --- helpers ----------------------------------------------------------------

// funcProvider is a stub provider driven by a request function.
type funcProvider struct {
	name      string
	requestFn func(ctx context.Context, req *providers.Request) (*providers.Response, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.requestFn(ctx, req)
}

func (p *funcProvider) HealthCheck(context.Context) error { return nil }

// okProvider always returns a successful response and counts invocations.
func okProvider(name string, calls *int32) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return &providers.Response{
				ID:      "resp-" + req.RequestID,
				Model:   req.Model,
				Content: "hello from " + name,
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

func failProvider(name string, status int, calls *int32) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, _ *providers.Request) (*providers.Response, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return nil, &providers.Error{Provider: name, StatusCode: status, Message: "forced failure"}
		},
	}
}

type gatewayConfig struct {
	clients  map[string]providers.Provider
	descs    []providers.Descriptor
	strategy routing.Strategy
	breaker  routing.BreakerConfig
	retry    routing.RetryConfig
	opts     GatewayOptions
}

func newTestGateway(t *testing.T, cfg gatewayConfig) *Gateway {
	t.Helper()

	if cfg.strategy == nil {
		cfg.strategy = routing.FailoverChain{}
	}
	if cfg.retry.MaxAttempts == 0 {
		cfg.retry = routing.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			Multiplier:     2,
			MaxBackoff:     4 * time.Millisecond,
		}
	}

	ctx := context.Background()
	mgr := cache.NewManager(ctx, cache.NewL1(cache.L1Config{}), nil, nil, nil)

	descs := cfg.descs
	dispatcher := routing.NewDispatcher(
		func() []providers.Descriptor { return descs },
		cfg.strategy,
		routing.NewCircuitBreaker(cfg.breaker),
		routing.NewHealthTracker(),
		cfg.retry,
		nil,
		nil,
	)

	return NewGateway(ctx, cfg.clients, cfg.descs, mgr, dispatcher, cfg.opts)
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's middleware pipeline. Returns an HTTP client routed to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := chain(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/chat/completions":
				gw.dispatchChat(ctx)
			case "/admin/cache/invalidate":
				gw.handleInvalidate(ctx)
			case "/admin/cache/clear":
				gw.handleCacheClear(ctx)
			default:
				ctx.SetStatusCode(fasthttp.StatusNotFound)
			}
		},
		recovery,
		bodyLimit,
		tracing,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

type testMetadata struct {
	Provider  string   `json:"provider"`
	Cached    bool     `json:"cached"`
	CacheTier string   `json:"cache_tier"`
	LatencyMs int64    `json:"latency_ms"`
	CostUSD   *float64 `json:"cost_usd"`
}

type testResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Metadata testMetadata `json:"metadata"`
	Error    *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Param   string `json:"param"`
	} `json:"error"`
}

func postJSON(t *testing.T, client *http.Client, path, body string) (int, *testResponse) {
	t.Helper()

	resp, err := client.Post("http://gateway"+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	var out testResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return resp.StatusCode, &out
}

const basicBody = `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"ping"}],"temperature":0.7,"max_tokens":16}`

func singleProviderConfig(calls *int32) gatewayConfig {
	return gatewayConfig{
		clients: map[string]providers.Provider{"p1": okProvider("p1", calls)},
		descs: []providers.Descriptor{
			{Name: "p1", Priority: 1, UnitCost: 0.01, Enabled: true},
		},
	}
}

// --- tests ------------------------------------------------------------------

func TestGateway_MissThenHit(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, singleProviderConfig(&calls))
	client := serveGateway(t, gw)

	status, first := postJSON(t, client, "/v1/chat/completions", basicBody)
	if status != 200 {
		t.Fatalf("first request status = %d", status)
	}
	if first.Metadata.Cached || first.Metadata.Provider != "p1" {
		t.Errorf("first response metadata = %+v, want uncached via p1", first.Metadata)
	}
	if first.Usage.TotalTokens != 15 {
		t.Errorf("usage total = %d, want 15", first.Usage.TotalTokens)
	}

	status, second := postJSON(t, client, "/v1/chat/completions", basicBody)
	if status != 200 {
		t.Fatalf("second request status = %d", status)
	}
	if !second.Metadata.Cached || second.Metadata.CacheTier != "l1" {
		t.Errorf("second response metadata = %+v, want l1 hit", second.Metadata)
	}
	if second.Metadata.Provider != "cache" {
		t.Errorf("hit provider = %q, want cache", second.Metadata.Provider)
	}
	if second.Choices[0].Message.Content != first.Choices[0].Message.Content {
		t.Error("cached content should match the original response")
	}
	if calls != 1 {
		t.Errorf("provider invoked %d times, want 1 (hits never reach upstream)", calls)
	}
}

func TestGateway_Validation(t *testing.T) {
	gw := newTestGateway(t, singleProviderConfig(nil))
	client := serveGateway(t, gw)

	cases := []struct {
		name  string
		body  string
		param string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"unknown model", `{"model":"gpt-99","messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"empty messages", `{"model":"gpt-3.5-turbo","messages":[]}`, "messages"},
		{"streaming requested", `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"hi"}],"stream":true}`, "stream"},
	}

	for _, c := range cases {
		status, resp := postJSON(t, client, "/v1/chat/completions", c.body)
		if status != 400 {
			t.Errorf("%s: status = %d, want 400", c.name, status)
			continue
		}
		if resp.Error == nil || resp.Error.Param != c.param {
			t.Errorf("%s: error = %+v, want param %q", c.name, resp.Error, c.param)
		}
	}
}

func TestGateway_MalformedJSON(t *testing.T) {
	gw := newTestGateway(t, singleProviderConfig(nil))
	client := serveGateway(t, gw)

	status, _ := postJSON(t, client, "/v1/chat/completions", `{"model": `)
	if status != 400 {
		t.Errorf("malformed JSON status = %d, want 400", status)
	}
}

func TestGateway_FailoverOpensCircuitAndSwitches(t *testing.T) {
	var p1Calls, p2Calls int32
	gw := newTestGateway(t, gatewayConfig{
		clients: map[string]providers.Provider{
			"p1": failProvider("p1", 500, &p1Calls),
			"p2": okProvider("p2", &p2Calls),
		},
		descs: []providers.Descriptor{
			{Name: "p1", Priority: 1, Enabled: true},
			{Name: "p2", Priority: 2, Enabled: true},
		},
		breaker: routing.BreakerConfig{FailureThreshold: 3, OpenDuration: time.Hour},
	})
	client := serveGateway(t, gw)

	status, _ := postJSON(t, client, "/v1/chat/completions", basicBody)
	if status != 502 {
		t.Fatalf("first request status = %d, want 502 (attempts exhausted on p1)", status)
	}
	if p1Calls != 3 {
		t.Errorf("p1 invoked %d times, want exactly 3", p1Calls)
	}

	// p1's circuit is now open; the next request flows to p2 immediately.
	status, resp := postJSON(t, client, "/v1/chat/completions", basicBody)
	if status != 200 {
		t.Fatalf("second request status = %d", status)
	}
	if resp.Metadata.Provider != "p2" {
		t.Errorf("served by %q, want p2", resp.Metadata.Provider)
	}
	if p1Calls != 3 || p2Calls != 1 {
		t.Errorf("calls p1=%d p2=%d, want 3/1", p1Calls, p2Calls)
	}
}

func TestGateway_NoProvidersIs503(t *testing.T) {
	cfg := singleProviderConfig(nil)
	cfg.descs[0].Enabled = false
	gw := newTestGateway(t, cfg)
	client := serveGateway(t, gw)

	status, resp := postJSON(t, client, "/v1/chat/completions", basicBody)
	if status != 503 {
		t.Fatalf("status = %d, want 503", status)
	}
	if resp.Error == nil || resp.Error.Code != "no_providers_available" {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestGateway_UnauthorizedIs502(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, gatewayConfig{
		clients: map[string]providers.Provider{"p1": failProvider("p1", 401, &calls)},
		descs:   []providers.Descriptor{{Name: "p1", Priority: 1, Enabled: true}},
	})
	client := serveGateway(t, gw)

	status, resp := postJSON(t, client, "/v1/chat/completions", basicBody)
	if status != 502 {
		t.Fatalf("status = %d, want 502", status)
	}
	if resp.Error == nil || resp.Error.Code != "provider_unauthorized" {
		t.Errorf("error = %+v", resp.Error)
	}
	if calls != 1 {
		t.Errorf("unauthorized must not retry, calls = %d", calls)
	}
}

func TestGateway_FailureNeverCached(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, gatewayConfig{
		clients: map[string]providers.Provider{"p1": failProvider("p1", 500, &calls)},
		descs:   []providers.Descriptor{{Name: "p1", Priority: 1, Enabled: true}},
		retry:   routing.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, Multiplier: 2, MaxBackoff: time.Millisecond},
	})
	client := serveGateway(t, gw)

	if status, _ := postJSON(t, client, "/v1/chat/completions", basicBody); status != 502 {
		t.Fatalf("status = %d, want 502", status)
	}

	// A second identical request must hit the provider again — the failed
	// dispatch must not have populated the cache.
	if status, _ := postJSON(t, client, "/v1/chat/completions", basicBody); status != 502 {
		t.Fatalf("status = %d, want 502", status)
	}
	if calls != 2 {
		t.Errorf("provider calls = %d, want 2 (no cache pollution)", calls)
	}
}

func TestGateway_SingleFlightCoalesces(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	slow := &funcProvider{
		name: "p1",
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return &providers.Response{
				ID:      "resp-1",
				Model:   req.Model,
				Content: "shared answer",
				Usage:   providers.Usage{InputTokens: 3, OutputTokens: 2},
			}, nil
		},
	}

	gw := newTestGateway(t, gatewayConfig{
		clients: map[string]providers.Provider{"p1": slow},
		descs:   []providers.Descriptor{{Name: "p1", Priority: 1, Enabled: true}},
	})
	client := serveGateway(t, gw)

	const n = 8
	var wg sync.WaitGroup
	contents := make([]string, n)
	statuses := make([]int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, resp := postJSON(t, client, "/v1/chat/completions", basicBody)
			statuses[i] = status
			if len(resp.Choices) > 0 {
				contents[i] = resp.Choices[0].Message.Content
			}
		}(i)
	}

	// Let all requests pile onto the single in-flight upstream call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if statuses[i] != 200 {
			t.Fatalf("request %d status = %d", i, statuses[i])
		}
		if contents[i] != "shared answer" {
			t.Errorf("request %d content = %q", i, contents[i])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("upstream invoked %d times for %d concurrent identical requests, want 1", got, n)
	}
}

func TestGateway_ExtraParamsSplitCacheEntries(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, singleProviderConfig(&calls))
	client := serveGateway(t, gw)

	withTopP := `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"ping"}],"top_p":0.9}`
	withoutTopP := `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"ping"}]}`

	postJSON(t, client, "/v1/chat/completions", withTopP)
	postJSON(t, client, "/v1/chat/completions", withoutTopP)

	if calls != 2 {
		t.Errorf("different extra params should be distinct cache entries, calls = %d", calls)
	}

	// Same params again — both should now hit.
	postJSON(t, client, "/v1/chat/completions", withTopP)
	postJSON(t, client, "/v1/chat/completions", withoutTopP)
	if calls != 2 {
		t.Errorf("repeat requests should hit the cache, calls = %d", calls)
	}
}

func TestGateway_CostReportedOnMiss(t *testing.T) {
	gw := newTestGateway(t, singleProviderConfig(nil))
	client := serveGateway(t, gw)

	_, miss := postJSON(t, client, "/v1/chat/completions", basicBody)
	if miss.Metadata.CostUSD == nil {
		t.Fatal("miss should report cost_usd when the provider has a unit cost")
	}
	// 15 tokens at $0.01 per 1K.
	want := providers.Descriptor{UnitCost: 0.01}.Cost(15)
	if *miss.Metadata.CostUSD != want {
		t.Errorf("cost_usd = %f, want %f", *miss.Metadata.CostUSD, want)
	}

	_, hit := postJSON(t, client, "/v1/chat/completions", basicBody)
	if hit.Metadata.CostUSD != nil {
		t.Error("cache hits cost nothing; cost_usd should be omitted")
	}
}

func TestGateway_CacheExclusions(t *testing.T) {
	var calls int32
	cfg := singleProviderConfig(&calls)
	ex, err := cache.ParseExclusions([]string{"gpt-3.5-turbo"})
	if err != nil {
		t.Fatal(err)
	}
	cfg.opts.Exclusions = ex
	gw := newTestGateway(t, cfg)
	client := serveGateway(t, gw)

	postJSON(t, client, "/v1/chat/completions", basicBody)
	_, second := postJSON(t, client, "/v1/chat/completions", basicBody)

	if second.Metadata.Cached {
		t.Error("excluded model must never be served from cache")
	}
	if calls != 2 {
		t.Errorf("excluded model calls = %d, want 2", calls)
	}
}

func TestGateway_InvalidateEndpoint(t *testing.T) {
	var calls int32
	gw := newTestGateway(t, singleProviderConfig(&calls))
	client := serveGateway(t, gw)

	postJSON(t, client, "/v1/chat/completions", basicBody)

	resp, err := client.Post("http://gateway/admin/cache/invalidate", "application/json",
		bytes.NewBufferString(basicBody))
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("invalidate status = %d", resp.StatusCode)
	}

	_, after := postJSON(t, client, "/v1/chat/completions", basicBody)
	if after.Metadata.Cached {
		t.Error("request after invalidation should miss")
	}
	if calls != 2 {
		t.Errorf("provider calls = %d, want 2", calls)
	}
}

func TestGateway_ResponseHeaders(t *testing.T) {
	gw := newTestGateway(t, singleProviderConfig(nil))
	client := serveGateway(t, gw)

	resp, err := client.Post("http://gateway/v1/chat/completions", "application/json",
		bytes.NewBufferString(basicBody))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID should always be set")
	}

	resp2, err := client.Post("http://gateway/v1/chat/completions", "application/json",
		bytes.NewBufferString(basicBody))
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp2.Body)
	resp2.Body.Close()

	if got := resp2.Header.Get("X-Cache"); got != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", got)
	}
}

func TestGateway_WhitespaceInsensitiveCaching(t *testing.T) {
	// Two bodies that decode to the same request must share a fingerprint
	// regardless of JSON formatting.
	var calls int32
	gw := newTestGateway(t, singleProviderConfig(&calls))
	client := serveGateway(t, gw)

	compact := `{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"ping"}]}`
	spaced := `{
		"messages": [ {"role": "user", "content": "ping"} ],
		"model": "gpt-3.5-turbo"
	}`

	postJSON(t, client, "/v1/chat/completions", compact)
	_, second := postJSON(t, client, "/v1/chat/completions", spaced)

	if !second.Metadata.Cached {
		t.Error("formatting-only differences should still hit the cache")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestGateway_PanicRecovery(t *testing.T) {
	bomb := &funcProvider{
		name: "p1",
		requestFn: func(context.Context, *providers.Request) (*providers.Response, error) {
			panic("kaboom")
		},
	}
	gw := newTestGateway(t, gatewayConfig{
		clients: map[string]providers.Provider{"p1": bomb},
		descs:   []providers.Descriptor{{Name: "p1", Priority: 1, Enabled: true}},
	})
	client := serveGateway(t, gw)

	status, _ := postJSON(t, client, "/v1/chat/completions", basicBody)
	if status != 500 {
		t.Errorf("panicking handler should yield 500, got %d", status)
	}
}

func TestGateway_RoundRobinDistribution(t *testing.T) {
	var p1Calls, p2Calls int32
	// Distinct prompts so every request is a cache miss.
	gw := newTestGateway(t, gatewayConfig{
		clients: map[string]providers.Provider{
			"p1": okProvider("p1", &p1Calls),
			"p2": okProvider("p2", &p2Calls),
		},
		descs: []providers.Descriptor{
			{Name: "p1", Priority: 1, Enabled: true},
			{Name: "p2", Priority: 2, Enabled: true},
		},
		strategy: &routing.RoundRobin{},
	})
	client := serveGateway(t, gw)

	for i := 0; i < 6; i++ {
		body := fmt.Sprintf(`{"model":"gpt-3.5-turbo","messages":[{"role":"user","content":"q-%d"}]}`, i)
		if status, _ := postJSON(t, client, "/v1/chat/completions", body); status != 200 {
			t.Fatalf("request %d status = %d", i, status)
		}
	}

	if p1Calls != 3 || p2Calls != 3 {
		t.Errorf("round robin distribution p1=%d p2=%d, want 3/3", p1Calls, p2Calls)
	}
}
