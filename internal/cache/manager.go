package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/edge-proxy/internal/metrics"
)

// Manager composes the L1 and L2 tiers behind a read-through /
// write-behind API. It is the only component that talks to both tiers.
//
// L2 problems never become request problems: a timeout or error on lookup
// degrades to a miss, and a failed write-behind is logged and counted but
// not surfaced. A nil L2 (not configured, or failed fail-soft init) makes
// the Manager a pure L1 cache.
type Manager struct {
	l1      *L1
	l2      *L2 // nil when not configured
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry // nil-safe

	// wg tracks fire-and-forget promotions and write-behinds so shutdown
	// can drain them within a bounded grace window.
	wg sync.WaitGroup
}

// NewManager creates a Manager. l2 may be nil; log and met may be nil.
// baseCtx bounds the lifetime of background writes — they are detached
// from request contexts so a disconnecting client does not abort a write
// that has already been decided.
func NewManager(baseCtx context.Context, l1 *L1, l2 *L2, log *slog.Logger, met *metrics.Registry) *Manager {
	if baseCtx == nil {
		panic("cache: manager context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{l1: l1, l2: l2, baseCtx: baseCtx, log: log, metrics: met}
}

// HasL2 reports whether a remote tier is configured.
func (m *Manager) HasL2() bool { return m.l2 != nil }

// Ready reports whether the configured tiers are reachable. An absent L2
// never fails readiness.
func (m *Manager) Ready(ctx context.Context) bool {
	if m.l2 == nil {
		return true
	}
	return m.l2.HealthCheck(ctx) == nil
}

// Lookup is the read-through path: L1 first, then L2. An L2 hit is
// promoted to L1 asynchronously (with a fresh L1 TTL) so the hit is
// returned without waiting on the promotion.
func (m *Manager) Lookup(ctx context.Context, fingerprint string) Lookup {
	start := time.Now()

	if resp := m.l1.Get(fingerprint); resp != nil {
		m.observeLookup(TierL1, start)
		return Lookup{Response: resp, Tier: TierL1}
	}

	if m.l2 == nil {
		m.observeMiss(start)
		return Lookup{}
	}

	resp, err := m.l2.Get(ctx, fingerprint)
	if err != nil {
		m.log.WarnContext(ctx, "l2_lookup_degraded",
			slog.String("fingerprint", shortKey(fingerprint)),
			slog.String("error", err.Error()),
		)
		if m.metrics != nil {
			m.metrics.RecordL2Error("get")
		}
		m.observeMiss(start)
		return Lookup{}
	}
	if resp == nil {
		m.observeMiss(start)
		return Lookup{}
	}

	m.spawn(func() {
		m.l1.Set(fingerprint, resp)
		if m.metrics != nil {
			m.metrics.RecordCachePromotion()
		}
	})

	m.observeLookup(TierL2, start)
	return Lookup{Response: resp, Tier: TierL2}
}

// Store is the write-behind path: L1 synchronously (so the writer can read
// its own write immediately), then L2 in the background. Stores are
// idempotent — concurrent stores for one fingerprint simply overwrite with
// value-equal data.
func (m *Manager) Store(_ context.Context, fingerprint string, resp *CachedResponse) {
	m.l1.Set(fingerprint, resp)
	if m.metrics != nil {
		m.metrics.RecordCacheStore(string(TierL1), true)
	}

	if m.l2 == nil {
		return
	}
	m.spawn(func() {
		if err := m.l2.Set(m.baseCtx, fingerprint, resp); err != nil {
			m.log.Warn("l2_write_behind_failed",
				slog.String("fingerprint", shortKey(fingerprint)),
				slog.String("error", err.Error()),
			)
			if m.metrics != nil {
				m.metrics.RecordL2Error("set")
				m.metrics.RecordCacheStore(string(TierL2), false)
			}
			return
		}
		if m.metrics != nil {
			m.metrics.RecordCacheStore(string(TierL2), true)
		}
	})
}

// Invalidate removes the entry from both tiers. An L2 removal failure is
// logged but not returned — the L1 removal alone already guarantees the
// next local lookup misses.
func (m *Manager) Invalidate(ctx context.Context, fingerprint string) {
	m.l1.Remove(fingerprint)
	if m.l2 == nil {
		return
	}
	if err := m.l2.Remove(ctx, fingerprint); err != nil {
		m.log.WarnContext(ctx, "l2_invalidate_failed",
			slog.String("fingerprint", shortKey(fingerprint)),
			slog.String("error", err.Error()),
		)
		if m.metrics != nil {
			m.metrics.RecordL2Error("del")
		}
	}
}

// Clear empties both tiers. L2 keys are removed by prefix.
func (m *Manager) Clear(ctx context.Context) {
	m.l1.Clear()
	if m.l2 == nil {
		return
	}
	if err := m.l2.Clear(ctx); err != nil {
		m.log.WarnContext(ctx, "l2_clear_failed", slog.String("error", err.Error()))
		if m.metrics != nil {
			m.metrics.RecordL2Error("clear")
		}
	}
}

// Drain blocks until in-flight background writes finish, or the grace
// window elapses.
func (m *Manager) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

// shortKey truncates a fingerprint for log fields.
func shortKey(fingerprint string) string {
	if len(fingerprint) > 16 {
		return fingerprint[:16]
	}
	return fingerprint
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) observeLookup(tier Tier, start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordCacheHit(string(tier))
		m.metrics.ObserveCacheLookup(time.Since(start))
	}
}

func (m *Manager) observeMiss(start time.Time) {
	if m.metrics != nil {
		m.metrics.RecordCacheMiss()
		m.metrics.ObserveCacheLookup(time.Since(start))
	}
}
