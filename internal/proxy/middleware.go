package proxy

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/edge-proxy/pkg/apierr"
)

// middleware is one layer of the HTTP handler chain.
type middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// chain wraps h with the given layers. The first layer becomes the
// outermost wrapper (executes first on request, last on response):
//
//	chain(h, mw1, mw2) → mw1(mw2(h))
func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// maxRequestBody caps completion request bodies. Every byte of the body is
// fed through the fingerprint hash before a cache decision can be made, so
// the cap bounds per-request hashing work as well as memory.
const maxRequestBody = 1 << 20 // 1 MiB

// bodyLimit rejects oversized bodies before any parsing or hashing.
func bodyLimit(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if len(ctx.PostBody()) > maxRequestBody {
			apierr.Write(ctx, fasthttp.StatusRequestEntityTooLarge,
				"request body too large",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		next(ctx)
	}
}

// recovery catches panics in any handler and answers with the proxy's
// standard error envelope instead of crashing the server process. The
// panic value is logged at ERROR level.
func recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("path", string(ctx.Path())),
					slog.String("method", string(ctx.Method())),
				)
				ctx.ResetBody()
				apierr.WriteInternal(ctx)
			}
		}()
		next(ctx)
	}
}

// tracing gives every request a correlation ID and stamps the measured
// latency on the way out.
//
// A client-supplied X-Request-ID is honored only when it parses as a UUID —
// the ID lands verbatim in log records and cache diagnostics, so arbitrary
// client strings are replaced rather than propagated. The response carries
// the final ID plus X-Edge-Latency-Ms in the same millisecond unit the
// body's metadata.latency_ms uses, so callers can correlate the two.
func tracing(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-ID", id)
		ctx.SetUserValue("request_id", id)

		start := time.Now()
		next(ctx)
		ctx.Response.Header.Set("X-Edge-Latency-Ms",
			strconv.FormatInt(time.Since(start).Milliseconds(), 10))
	}
}

// proxyHeaders hardens every response that reaches it for what this service
// actually is: a JSON-only API whose caching happens in its own L1/L2 tiers.
// It is the innermost link of the router's chain, so responses written by
// outer links (413 from bodyLimit, CORS preflight 204, panic 500) do not
// carry these headers.
//
//   - Cache-Control: no-store — HTTP intermediaries must not cache
//     completion responses; entry lifetime is governed by the proxy's TTLs
//     and invalidation, which a downstream cache would silently bypass.
//   - No HTML is ever served, so content sniffing and framing are denied
//     outright.
func proxyHeaders(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		h := &ctx.Response.Header
		h.Set("Cache-Control", "no-store")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
	}
}

// corsHandler returns a CORS middleware for the proxy's surface: POST
// completion/admin endpoints and GET health/metrics, nothing else.
//
//   - nil or []string{"*"} → Access-Control-Allow-Origin: *  (open)
//   - specific origins      → joined with ", "  (strict allowlist)
//
// The cache and tracing headers are exposed so browser clients can read
// hit/miss state and the correlation ID. OPTIONS preflight requests are
// answered with 204 No Content and no body.
func corsHandler(origins []string) middleware {
	origin := "*"
	if len(origins) > 0 && !(len(origins) == 1 && origins[0] == "*") {
		origin = strings.Join(origins, ", ")
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Cache, X-Request-ID, X-Edge-Latency-Ms")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}
