package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrL2Timeout is returned when an L2 round trip exceeds the per-operation
// deadline. It is distinct from a miss (nil, nil) — the Manager degrades a
// timeout to a miss, but counts and logs it separately.
var ErrL2Timeout = errors.New("cache: l2 operation timed out")

// L2Config controls the Redis-backed cache tier.
type L2Config struct {
	// URL is a redis:// or rediss:// connection URL. Empty disables L2.
	URL string

	// TTL is the expiry applied to every stored value. Default: 1h.
	TTL time.Duration

	// Prefix namespaces every key so multiple deployments can share one
	// Redis. Default: "llm_cache:".
	Prefix string

	// OpTimeout bounds each get/set/remove round trip. Default: 100ms.
	OpTimeout time.Duration

	// ConnTimeout bounds connection establishment and the startup ping.
	// Default: 1s.
	ConnTimeout time.Duration
}

func (c L2Config) withDefaults() L2Config {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.Prefix == "" {
		c.Prefix = "llm_cache:"
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 100 * time.Millisecond
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = time.Second
	}
	return c
}

// L2 is the remote cache tier. Values are the UTF-8 JSON form of
// CachedResponse stored under "<prefix><fingerprint>"; unknown fields in
// stored values are ignored on read so older processes can read newer
// entries.
type L2 struct {
	client *redis.Client
	cfg    L2Config
}

// NewL2 connects to Redis and verifies the connection with a ping.
// A returned error means the tier is unusable — the caller is expected to
// run without L2 rather than fail startup.
func NewL2(ctx context.Context, cfg L2Config) (*L2, error) {
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse l2 url: %w", err)
	}
	opts.DialTimeout = cfg.ConnTimeout

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: l2 ping: %w", err)
	}

	return &L2{client: cli, cfg: cfg}, nil
}

// NewL2FromClient wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewL2FromClient(cli *redis.Client, cfg L2Config) *L2 {
	return &L2{client: cli, cfg: cfg.withDefaults()}
}

// Get fetches the response stored under fingerprint.
// Returns (nil, nil) on a miss, ErrL2Timeout when the operation deadline is
// exceeded, and a wrapped error for any other failure.
func (c *L2) Get(ctx context.Context, fingerprint string) (*CachedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.cfg.Prefix+fingerprint).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrL2Timeout
		}
		return nil, fmt.Errorf("cache: l2 get: %w", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("cache: l2 decode: %w", err)
	}
	return &resp, nil
}

// Set stores resp under fingerprint with the configured TTL in a single
// SET-with-expiry round trip.
func (c *L2) Set(ctx context.Context, fingerprint string, resp *CachedResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: l2 encode: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.cfg.Prefix+fingerprint, data, c.cfg.TTL).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrL2Timeout
		}
		return fmt.Errorf("cache: l2 set: %w", err)
	}
	return nil
}

// Remove deletes the entry for fingerprint, if any.
func (c *L2) Remove(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.cfg.Prefix+fingerprint).Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrL2Timeout
		}
		return fmt.Errorf("cache: l2 del: %w", err)
	}
	return nil
}

// Clear removes every key under the configured prefix. This is an
// administrative operation — it scans in batches under the caller's
// context rather than the per-operation deadline.
func (c *L2) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.cfg.Prefix+"*", 256).Result()
		if err != nil {
			return fmt.Errorf("cache: l2 scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: l2 clear: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// HealthCheck pings the server. Used by readiness probes, never on the
// request hot path.
func (c *L2) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnTimeout)
	defer cancel()
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: l2 ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *L2) Close() error {
	return c.client.Close()
}
