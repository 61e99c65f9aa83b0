// Package ratelimit implements per-caller requests-per-minute limiting on
// Redis using the sliding-window-counter approximation: one counter per
// caller per minute bucket, with the previous bucket weighted by how much
// of it still overlaps the sliding window.
//
// Compared to a sorted-set window this costs two small string keys and one
// INCR per request instead of a growing ZSET, at the price of assuming
// arrivals in the previous bucket were roughly uniform. For an RPM cap
// that guards upstream spend — not a billing boundary — the approximation
// is plenty.
//
// The limiter shares the L2 Redis connection, so it is only available when
// a remote cache is configured; when Redis is unreachable it fails open.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingCounterScript checks the weighted two-bucket count and admits the
// request in one atomic round trip.
// KEYS[1] = current-bucket counter
// KEYS[2] = previous-bucket counter
// ARGV[1] = limit (max requests per window)
// ARGV[2] = weight of the previous bucket (fraction of it inside the window)
// ARGV[3] = counter TTL in milliseconds
// Returns: 1 if admitted, 0 if rate limited.
var slidingCounterScript = redis.NewScript(`
		local limit  = tonumber(ARGV[1])
		local weight = tonumber(ARGV[2])
		local ttl    = tonumber(ARGV[3])

		local prev = tonumber(redis.call('GET', KEYS[2]) or '0')
		local curr = tonumber(redis.call('GET', KEYS[1]) or '0')
		if curr + prev * weight >= limit then
			return 0
		end

		local n = redis.call('INCR', KEYS[1])
		if n == 1 then
			redis.call('PEXPIRE', KEYS[1], ttl)
		end
		return 1
`)

const (
	keyPrefix = "edgeproxy:rpm:"
	window    = time.Minute

	// globalCaller is the shared bucket for requests with no caller
	// identity.
	globalCaller = "global"
)

// Limiter checks a per-caller requests-per-minute limit.
type Limiter struct {
	rdb *redis.Client
	rpm int
}

// New creates a Limiter with the given per-caller RPM limit.
// rpm must be > 0; values ≤ 0 would block every request.
func New(rdb *redis.Client, rpm int) *Limiter {
	return &Limiter{rdb: rdb, rpm: rpm}
}

// Allow reports whether the caller's request is within its rate limit.
// caller is any stable opaque identity (a hashed credential, a client
// address); the empty string shares one global bucket. Redis errors fail
// open (true, nil) — losing the limiter must not take down the proxy.
func (l *Limiter) Allow(ctx context.Context, caller string) (bool, error) {
	if caller == "" {
		caller = globalCaller
	}

	now := time.Now()
	bucket := now.UnixMilli() / window.Milliseconds()
	// Fraction of the previous bucket still inside the sliding window.
	elapsed := float64(now.UnixMilli()%window.Milliseconds()) / float64(window.Milliseconds())
	weight := 1.0 - elapsed

	curr := keyPrefix + caller + ":" + strconv.FormatInt(bucket, 10)
	prev := keyPrefix + caller + ":" + strconv.FormatInt(bucket-1, 10)

	// Counters live two windows so the previous bucket is still readable.
	result, err := slidingCounterScript.Run(ctx, l.rdb,
		[]string{curr, prev},
		l.rpm, weight, 2*window.Milliseconds(),
	).Int()
	if err != nil {
		return true, nil
	}

	return result == 1, nil
}
