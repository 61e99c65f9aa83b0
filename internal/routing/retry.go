package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/edge-proxy/internal/metrics"
	"github.com/nulpointcorp/edge-proxy/internal/providers"
)

var (
	// ErrNoProvidersAvailable — the strategy found no eligible provider
	// (all disabled, unhealthy, or circuit-open).
	ErrNoProvidersAvailable = errors.New("routing: no providers available")

	// ErrAllProvidersFailed — every attempt was consumed without a success.
	ErrAllProvidersFailed = errors.New("routing: all providers failed")

	// ErrCircuitOpen — the selected provider's breaker rejected the call.
	// Consumes the attempt it occurred in; other providers are unaffected.
	ErrCircuitOpen = errors.New("routing: circuit open")
)

// RetryConfig holds retry-loop tuning parameters.
type RetryConfig struct {
	// MaxAttempts is the number of provider attempts per logical call,
	// including the first. Default: 3.
	MaxAttempts int

	// InitialBackoff is the sleep before the second attempt. Default: 100ms.
	InitialBackoff time.Duration

	// Multiplier grows the backoff each attempt. Default: 2.0.
	Multiplier float64

	// MaxBackoff caps the per-attempt sleep. Default: 10s.
	MaxBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	return c
}

// backoff returns the sleep that follows failed attempt number `attempt`
// (0-based): min(initial · multiplier^attempt, max).
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		next := time.Duration(float64(d) * c.Multiplier)
		if next < d { // overflow
			return c.MaxBackoff
		}
		d = next
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}

// CallFunc performs one upstream invocation against the named provider.
type CallFunc func(ctx context.Context, provider string) (*providers.Response, error)

// Dispatcher drives a single logical LLM call to completion across up to
// MaxAttempts attempts. The provider is re-selected on every attempt from
// a fresh candidate snapshot, so a transient failure of one provider can
// route the next attempt elsewhere.
type Dispatcher struct {
	descriptors func() []providers.Descriptor
	strategy    Strategy
	circuit     *CircuitBreaker
	health      *HealthTracker
	cfg         RetryConfig
	log         *slog.Logger
	metrics     *metrics.Registry // nil-safe
}

// NewDispatcher wires the retry driver. descriptors returns the configured
// providers in insertion order (called per attempt so configuration
// reloads take effect mid-flight); log and met may be nil.
func NewDispatcher(
	descriptors func() []providers.Descriptor,
	strategy Strategy,
	circuit *CircuitBreaker,
	health *HealthTracker,
	cfg RetryConfig,
	log *slog.Logger,
	met *metrics.Registry,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		descriptors: descriptors,
		strategy:    strategy,
		circuit:     circuit,
		health:      health,
		cfg:         cfg.withDefaults(),
		log:         log,
		metrics:     met,
	}
}

// Candidates snapshots every configured provider with its current health
// and circuit state, preserving configuration order.
func (d *Dispatcher) Candidates() []Candidate {
	descs := d.descriptors()
	out := make([]Candidate, 0, len(descs))
	for _, desc := range descs {
		out = append(out, Candidate{
			Descriptor: desc,
			Health:     d.health.Snapshot(desc.Name),
			Circuit:    d.circuit.State(desc.Name),
		})
	}
	return out
}

// Dispatch runs call until it succeeds or the attempt budget is spent.
// Returns the response and the name of the provider that served it.
//
// Terminal errors:
//   - ErrNoProvidersAvailable when selection finds no eligible provider.
//   - The provider error itself for unauthorized (401/403) — retrying with
//     the same credentials cannot succeed.
//   - ErrAllProvidersFailed when attempts run out. The last attempt's error
//     appears in the message text only; it is not wrapped.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID string, call CallFunc) (*providers.Response, string, error) {
	var lastErr error

	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, d.cfg.backoff(attempt-1)); err != nil {
				return nil, "", err
			}
		}

		desc, ok := d.strategy.Select(d.Candidates())
		if !ok {
			if d.metrics != nil {
				d.metrics.RecordDispatchFailure("no_providers")
			}
			return nil, "", ErrNoProvidersAvailable
		}
		name := desc.Name

		if !d.circuit.Allow(name) {
			lastErr = fmt.Errorf("%w: provider %s", ErrCircuitOpen, name)
			d.log.WarnContext(ctx, "circuit_rejected_attempt",
				slog.String("request_id", requestID),
				slog.String("provider", name),
				slog.Int("attempt", attempt),
			)
			if d.metrics != nil {
				d.metrics.RecordCircuitRejection(name)
			}
			continue
		}

		start := time.Now()
		resp, err := call(ctx, name)
		dur := time.Since(start)

		d.record(name, dur, err == nil)

		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordProviderAttempt(name, "success", dur)
			}
			return resp, name, nil
		}

		lastErr = err
		reason := providers.ClassifyError(err)
		if d.metrics != nil {
			d.metrics.RecordProviderAttempt(name, reason, dur)
			d.metrics.RecordProviderError(name, reason)
		}
		d.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", requestID),
			slog.String("provider", name),
			slog.String("reason", reason),
			slog.Int("attempt", attempt),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		if providers.IsUnauthorized(err) {
			if d.metrics != nil {
				d.metrics.RecordDispatchFailure("unauthorized")
			}
			return nil, name, err
		}
	}

	if d.metrics != nil {
		d.metrics.RecordDispatchFailure("exhausted")
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return nil, "", fmt.Errorf("%w after %d attempt(s): %v", ErrAllProvidersFailed, d.cfg.MaxAttempts, lastErr)
}

// record updates circuit, health, strategy, and gauges for one attempt.
func (d *Dispatcher) record(provider string, latency time.Duration, success bool) {
	if success {
		d.circuit.RecordSuccess(provider)
	} else {
		d.circuit.RecordFailure(provider)
	}
	d.health.Record(provider, latency, success)
	d.strategy.RecordResult(provider, latency, success)

	if d.metrics != nil {
		d.metrics.SetCircuitState(provider, int64(d.circuit.State(provider)))
		d.metrics.SetProviderLatency(provider, d.health.Snapshot(provider).LatencyEMA)
	}
}

// sleepCtx sleeps for dur but returns early with the context error if the
// caller goes away.
func sleepCtx(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
