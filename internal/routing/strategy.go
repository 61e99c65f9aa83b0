package routing

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/edge-proxy/internal/providers"
)

// Candidate pairs a provider's static descriptor with its live health and
// circuit state at selection time.
type Candidate struct {
	Descriptor providers.Descriptor
	Health     ProviderHealth
	Circuit    CircuitState
}

// Eligible reports whether the candidate may receive traffic: enabled,
// healthy, and circuit not open. A half-open circuit is eligible — that is
// how the probe gets through.
func (c Candidate) Eligible() bool {
	return c.Descriptor.Enabled && c.Health.Healthy() && c.Circuit != StateOpen
}

// Strategy picks one provider out of the eligible candidates. Strategies
// are pure selectors — they hold no references to provider clients and
// candidates arrive in configuration (insertion) order, which breaks ties.
//
// RecordResult lets a strategy observe per-call outcomes; most strategies
// ignore it because the shared HealthTracker already carries the signal.
type Strategy interface {
	Name() string

	// Select returns the chosen provider, or ok=false when no candidate is
	// eligible.
	Select(candidates []Candidate) (providers.Descriptor, bool)

	RecordResult(provider string, latency time.Duration, success bool)
}

// NewStrategy builds the named strategy. Valid names: "round_robin",
// "failover", "least_latency", "cost_optimized".
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "round_robin":
		return &RoundRobin{}, nil
	case "failover":
		return FailoverChain{}, nil
	case "least_latency":
		return LeastLatency{}, nil
	case "cost_optimized":
		return CostOptimized{}, nil
	default:
		return nil, fmt.Errorf("routing: unknown strategy %q", name)
	}
}

func eligible(candidates []Candidate) []Candidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.Eligible() {
			out = append(out, c)
		}
	}
	return out
}

// RoundRobin cycles through the eligible providers with a monotonic
// counter, so any window of N consecutive selections over a stable set of
// N providers contains each exactly once.
type RoundRobin struct {
	next atomic.Uint64
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Select(candidates []Candidate) (providers.Descriptor, bool) {
	el := eligible(candidates)
	if len(el) == 0 {
		return providers.Descriptor{}, false
	}
	n := r.next.Add(1) - 1
	return el[n%uint64(len(el))].Descriptor, true
}

func (r *RoundRobin) RecordResult(string, time.Duration, bool) {}

// FailoverChain always picks the eligible provider with the smallest
// priority value; ties go to the earlier-configured provider.
type FailoverChain struct{}

func (FailoverChain) Name() string { return "failover" }

func (FailoverChain) Select(candidates []Candidate) (providers.Descriptor, bool) {
	el := eligible(candidates)
	if len(el) == 0 {
		return providers.Descriptor{}, false
	}
	best := el[0]
	for _, c := range el[1:] {
		if c.Descriptor.Priority < best.Descriptor.Priority {
			best = c
		}
	}
	return best.Descriptor, true
}

func (FailoverChain) RecordResult(string, time.Duration, bool) {}

// LeastLatency picks the provider with the lowest EMA latency. A provider
// with no recorded latency reads as 0 and is therefore tried first, which
// gives new providers a chance to establish a measurement.
type LeastLatency struct{}

func (LeastLatency) Name() string { return "least_latency" }

func (LeastLatency) Select(candidates []Candidate) (providers.Descriptor, bool) {
	el := eligible(candidates)
	if len(el) == 0 {
		return providers.Descriptor{}, false
	}
	best := el[0]
	for _, c := range el[1:] {
		if c.Health.LatencyEMA < best.Health.LatencyEMA {
			best = c
		}
	}
	return best.Descriptor, true
}

func (LeastLatency) RecordResult(string, time.Duration, bool) {}

// CostOptimized picks the cheapest eligible provider by unit cost.
type CostOptimized struct{}

func (CostOptimized) Name() string { return "cost_optimized" }

func (CostOptimized) Select(candidates []Candidate) (providers.Descriptor, bool) {
	el := eligible(candidates)
	if len(el) == 0 {
		return providers.Descriptor{}, false
	}
	best := el[0]
	for _, c := range el[1:] {
		if c.Descriptor.UnitCost < best.Descriptor.UnitCost {
			best = c
		}
	}
	return best.Descriptor, true
}

func (CostOptimized) RecordResult(string, time.Duration, bool) {}
