package proxy

import (
	"strconv"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

// --- recovery middleware ----------------------------------------------------

func TestRecovery_NoPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	handler := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("mock panic")
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json content type, got %s",
			string(ctx.Response.Header.ContentType()))
	}
	body := string(ctx.Response.Body())
	if !strings.Contains(body, "internal_error") {
		t.Errorf("panic should map to the standard error envelope, got: %s", body)
	}
}

// --- bodyLimit middleware ---------------------------------------------------

func TestBodyLimit_PassesNormalBodies(t *testing.T) {
	reached := false
	handler := bodyLimit(func(ctx *fasthttp.RequestCtx) {
		reached = true
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBodyString(`{"model":"gpt-4o"}`)
	handler(ctx)

	if !reached {
		t.Error("small body should reach the handler")
	}
}

func TestBodyLimit_RejectsOversized(t *testing.T) {
	reached := false
	handler := bodyLimit(func(ctx *fasthttp.RequestCtx) {
		reached = true
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody(make([]byte, maxRequestBody+1))
	handler(ctx)

	if reached {
		t.Error("oversized body must not reach the handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", ctx.Response.StatusCode())
	}
}

// --- tracing middleware -----------------------------------------------------

func TestTracing_GeneratesIDWhenMissing(t *testing.T) {
	handler := tracing(func(ctx *fasthttp.RequestCtx) {
		id, _ := ctx.UserValue("request_id").(string)
		if id == "" {
			t.Error("request_id should be generated")
		}
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if string(ctx.Response.Header.Peek("X-Request-ID")) == "" {
		t.Error("X-Request-ID response header should be set")
	}
}

func TestTracing_PreservesValidUUID(t *testing.T) {
	const id = "9b2d1c44-11f2-4a6f-9c8e-b1f0a3b8f001"
	handler := tracing(func(ctx *fasthttp.RequestCtx) {
		got, _ := ctx.UserValue("request_id").(string)
		if got != id {
			t.Errorf("expected preserved ID, got %s", got)
		}
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", id)
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != id {
		t.Errorf("response ID = %q, want %q", got, id)
	}
}

func TestTracing_ReplacesNonUUID(t *testing.T) {
	// Arbitrary client strings end up in log records; only UUIDs pass.
	handler := tracing(func(ctx *fasthttp.RequestCtx) {})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("X-Request-ID", `not-a-uuid"><script>`)
	handler(ctx)

	got := string(ctx.Response.Header.Peek("X-Request-ID"))
	if got == `not-a-uuid"><script>` || got == "" {
		t.Errorf("malformed client ID should be replaced, got %q", got)
	}
}

func TestTracing_SetsLatencyHeader(t *testing.T) {
	handler := tracing(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	raw := string(ctx.Response.Header.Peek("X-Edge-Latency-Ms"))
	if raw == "" {
		t.Fatal("X-Edge-Latency-Ms header should be set")
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
		t.Errorf("latency header should be integer milliseconds, got %q", raw)
	}
}

// --- proxyHeaders middleware ------------------------------------------------

func TestProxyHeaders_AllSet(t *testing.T) {
	handler := proxyHeaders(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	expected := map[string]string{
		"Cache-Control":             "no-store",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
	}

	for header, want := range expected {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

// --- corsHandler middleware -------------------------------------------------

func TestCORS_OpenByDefault(t *testing.T) {
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Expose-Headers")); !strings.Contains(got, "X-Cache") {
		t.Errorf("X-Cache should be exposed to browser clients, got %q", got)
	}
}

func TestCORS_SpecificOrigins(t *testing.T) {
	handler := corsHandler([]string{"https://a.example", "https://b.example"})(
		func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusOK)
		})

	ctx := &fasthttp.RequestCtx{}
	handler(ctx)

	want := "https://a.example, https://b.example"
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != want {
		t.Errorf("Allow-Origin = %q, want %q", got, want)
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	reached := false
	handler := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) {
		reached = true
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	handler(ctx)

	if reached {
		t.Error("OPTIONS preflight should not reach the handler")
	}
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", ctx.Response.StatusCode())
	}
}

// --- chain ------------------------------------------------------------------

func TestChain_Order(t *testing.T) {
	var order []string
	mk := func(name string) middleware {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	handler := chain(func(*fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mk("outer"), mk("inner"))

	handler(&fasthttp.RequestCtx{})

	want := []string{"outer", "inner", "handler"}
	for i, w := range want {
		if i >= len(order) || order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
