// Package config loads and validates all runtime configuration for the
// edge proxy.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Only one provider API key is strictly required for the proxy to start.
// The Redis L2 tier is optional — leave L2_URL empty to run with the
// in-process L1 cache only.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// Providers holds per-provider settings, keyed by provider name.
	// The order returned by ProviderOrder is the tiebreak order for routing.
	Providers map[string]ProviderConfig

	// Cache controls both cache tiers and the exclusion rules.
	Cache CacheConfig

	// Routing selects the provider-selection strategy.
	Routing RoutingConfig

	// Circuit controls per-provider circuit breaker thresholds.
	Circuit CircuitConfig

	// Retry controls the dispatch retry loop.
	Retry RetryConfig

	// ProviderTimeout bounds each upstream attempt. Default: 30s.
	ProviderTimeout time.Duration

	// RPMLimit is the per-caller requests-per-minute cap. 0 disables rate
	// limiting; it also requires L2_URL (the limiter shares the Redis
	// connection). Default: 0.
	RPMLimit int

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single provider.
type ProviderConfig struct {
	// APIKey enables the provider when non-empty.
	APIKey string

	// BaseURL overrides the provider's default API endpoint. Useful for
	// local mocks; leave empty for the real service.
	BaseURL string

	// Priority orders the failover chain — lower is preferred.
	Priority int

	// UnitCost is the blended USD price per 1000 tokens.
	UnitCost float64

	// Enabled gates the provider out of routing without removing its key.
	Enabled bool
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// L1MaxEntries caps the in-process tier. Default: 1000.
	L1MaxEntries int

	// L1TTL is the in-process entry lifetime. Default: 300s.
	L1TTL time.Duration

	// L1TTI expires entries that go unread. Default: 120s.
	L1TTI time.Duration

	// L2URL is the Redis connection URL. Empty disables the remote tier.
	L2URL string

	// L2TTL is the remote entry lifetime. Default: 3600s.
	L2TTL time.Duration

	// L2OpTimeout bounds each remote round trip. Default: 100ms.
	L2OpTimeout time.Duration

	// L2ConnTimeout bounds connection establishment. Default: 1s.
	L2ConnTimeout time.Duration

	// L2Prefix namespaces remote keys. Default: "llm_cache:".
	L2Prefix string

	// Exclude lists models that bypass the cache. Plain entries match
	// exactly; "re:"-prefixed entries are regular expressions.
	Exclude []string
}

// RoutingConfig selects the provider-selection strategy.
type RoutingConfig struct {
	// Strategy is one of: round_robin, failover, least_latency,
	// cost_optimized. Default: failover.
	Strategy string
}

// CircuitConfig controls per-provider circuit breakers.
type CircuitConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker. Default: 5.
	FailureThreshold int

	// OpenDuration is the cooldown before a probe is allowed. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenSuccesses closes the breaker after this many consecutive
	// probe successes. Default: 2.
	HalfOpenSuccesses int
}

// RetryConfig controls the dispatch retry loop.
type RetryConfig struct {
	// MaxAttempts is the number of provider attempts per request,
	// including the first. Default: 3.
	MaxAttempts int

	// InitialBackoff is the sleep before the second attempt. Default: 100ms.
	InitialBackoff time.Duration

	// Multiplier grows the backoff each attempt. Default: 2.0.
	Multiplier float64

	// MaxBackoff caps the per-attempt sleep. Default: 10s.
	MaxBackoff time.Duration
}

// providerDefaults fixes the provider set, its configuration env prefix,
// and the default priority/cost for each. Order here is the routing
// tiebreak order.
var providerDefaults = []struct {
	Name     string
	Env      string
	BaseURL  string
	Priority int
	UnitCost float64
}{
	{"openai", "OPENAI", "", 1, 0.0100},
	{"anthropic", "ANTHROPIC", "", 2, 0.0120},
	{"gemini", "GEMINI", "", 3, 0.0050},
	{"mistral", "MISTRAL", "https://api.mistral.ai/v1", 4, 0.0040},
	{"groq", "GROQ", "https://api.groq.com/openai/v1", 5, 0.0010},
	{"deepseek", "DEEPSEEK", "https://api.deepseek.com/v1", 6, 0.0008},
	{"together", "TOGETHER", "https://api.together.xyz/v1", 7, 0.0020},
}

// ProviderOrder returns the fixed provider names in configuration order.
func ProviderOrder() []string {
	out := make([]string, len(providerDefaults))
	for i, p := range providerDefaults {
		out[i] = p.Name
	}
	return out
}

// DefaultBaseURL returns the built-in endpoint for an OpenAI-compatible
// provider, or "" for providers with native SDK defaults.
func DefaultBaseURL(name string) string {
	for _, p := range providerDefaults {
		if p.Name == name {
			return p.BaseURL
		}
	}
	return ""
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Cache tiers.
	v.SetDefault("L1_MAX_ENTRIES", 1000)
	v.SetDefault("L1_TTL", "300s")
	v.SetDefault("L1_TTI", "120s")
	v.SetDefault("L2_TTL", "3600s")
	v.SetDefault("L2_OP_TIMEOUT", "100ms")
	v.SetDefault("L2_CONN_TIMEOUT", "1s")
	v.SetDefault("L2_PREFIX", "llm_cache:")

	// Routing.
	v.SetDefault("ROUTING_STRATEGY", "failover")

	// Circuit breaker.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_OPEN_DURATION", "30s")
	v.SetDefault("CB_HALF_OPEN_SUCCESS", 2)

	// Retry.
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_INITIAL_BACKOFF", "100ms")
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_MAX_BACKOFF", "10s")

	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("RPM_LIMIT", 0)

	// Per-provider defaults.
	for _, p := range providerDefaults {
		v.SetDefault(p.Env+"_PRIORITY", p.Priority)
		v.SetDefault(p.Env+"_UNIT_COST", p.UnitCost)
		v.SetDefault(p.Env+"_ENABLED", true)
	}

	// ── Build config ──────────────────────────────────────────────────────────
	provs := make(map[string]ProviderConfig, len(providerDefaults))
	for _, p := range providerDefaults {
		provs[p.Name] = ProviderConfig{
			APIKey:   v.GetString(p.Env + "_API_KEY"),
			BaseURL:  v.GetString(p.Env + "_BASE_URL"),
			Priority: v.GetInt(p.Env + "_PRIORITY"),
			UnitCost: v.GetFloat64(p.Env + "_UNIT_COST"),
			Enabled:  v.GetBool(p.Env + "_ENABLED"),
		}
	}

	cfg := &Config{
		Port:      v.GetInt("PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		Providers: provs,

		Cache: CacheConfig{
			L1MaxEntries:  v.GetInt("L1_MAX_ENTRIES"),
			L1TTL:         v.GetDuration("L1_TTL"),
			L1TTI:         v.GetDuration("L1_TTI"),
			L2URL:         v.GetString("L2_URL"),
			L2TTL:         v.GetDuration("L2_TTL"),
			L2OpTimeout:   v.GetDuration("L2_OP_TIMEOUT"),
			L2ConnTimeout: v.GetDuration("L2_CONN_TIMEOUT"),
			L2Prefix:      v.GetString("L2_PREFIX"),
			Exclude:       v.GetStringSlice("CACHE_EXCLUDE"),
		},

		Routing: RoutingConfig{
			Strategy: strings.ToLower(v.GetString("ROUTING_STRATEGY")),
		},

		Circuit: CircuitConfig{
			FailureThreshold:  v.GetInt("CB_FAILURE_THRESHOLD"),
			OpenDuration:      v.GetDuration("CB_OPEN_DURATION"),
			HalfOpenSuccesses: v.GetInt("CB_HALF_OPEN_SUCCESS"),
		},

		Retry: RetryConfig{
			MaxAttempts:    v.GetInt("RETRY_MAX_ATTEMPTS"),
			InitialBackoff: v.GetDuration("RETRY_INITIAL_BACKOFF"),
			Multiplier:     v.GetFloat64("RETRY_MULTIPLIER"),
			MaxBackoff:     v.GetDuration("RETRY_MAX_BACKOFF"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		RPMLimit:        v.GetInt("RPM_LIMIT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	configured := false
	for _, p := range c.Providers {
		if p.APIKey != "" {
			configured = true
			break
		}
	}
	if !configured {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, MISTRAL_API_KEY, " +
				"GROQ_API_KEY, DEEPSEEK_API_KEY, or TOGETHER_API_KEY)",
		)
	}

	switch c.Routing.Strategy {
	case "round_robin", "failover", "least_latency", "cost_optimized":
	default:
		return fmt.Errorf(
			"config: invalid ROUTING_STRATEGY %q; must be one of: round_robin, failover, least_latency, cost_optimized",
			c.Routing.Strategy,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Cache.L1MaxEntries < 1 {
		return fmt.Errorf("config: L1_MAX_ENTRIES must be ≥ 1, got %d", c.Cache.L1MaxEntries)
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Circuit.FailureThreshold)
	}
	if c.Circuit.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.Retry.MaxAttempts)
	}
	if c.RPMLimit > 0 && c.Cache.L2URL == "" {
		return fmt.Errorf("config: RPM_LIMIT requires L2_URL (the limiter shares the Redis connection)")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
