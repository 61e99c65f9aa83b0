// Package apierr provides structured API error types and HTTP status
// mapping compatible with the OpenAI error format. Client-facing messages
// are short and stable — internal detail stays in logs.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeInvalidAPIKey        = "invalid_api_key"
	CodeInternalError        = "internal_error"
	CodeProviderError        = "provider_error"
	CodeProviderUnauthorized = "provider_unauthorized"
	CodeRequestTimeout       = "request_timeout"
	CodeNoProviders          = "no_providers_available"
	CodeInvalidRequest       = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Param   string `json:"param,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteValidation writes a 400 naming the offending field.
func WriteValidation(ctx *fasthttp.RequestCtx, message, param string) {
	ctx.SetStatusCode(fasthttp.StatusBadRequest)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    TypeInvalidRequest,
		Code:    CodeInvalidRequest,
		Param:   param,
	}})
	ctx.SetBody(body)
}

// WriteNoProviders writes a 503 for the case where every provider is
// disabled, unhealthy, or circuit-open.
func WriteNoProviders(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "30")
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no upstream providers available", TypeProviderError, CodeNoProviders)
}

// WriteUpstreamFailed writes a 502 for exhausted retries.
func WriteUpstreamFailed(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway,
		"upstream providers failed", TypeProviderError, CodeProviderError)
}

// WriteUpstreamUnauthorized writes a 502 for bad upstream credentials —
// the client's request was fine, the proxy's configuration is not.
func WriteUpstreamUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadGateway,
		"upstream provider rejected credentials", TypeProviderError, CodeProviderUnauthorized)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"upstream request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInternal writes a 500 without leaking internal detail.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", TypeServerError, CodeInternalError)
}
