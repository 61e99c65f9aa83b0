package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Cache.L1MaxEntries != 1000 {
		t.Errorf("L1MaxEntries = %d, want 1000", cfg.Cache.L1MaxEntries)
	}
	if cfg.Cache.L1TTL != 300*time.Second {
		t.Errorf("L1TTL = %v, want 300s", cfg.Cache.L1TTL)
	}
	if cfg.Cache.L1TTI != 120*time.Second {
		t.Errorf("L1TTI = %v, want 120s", cfg.Cache.L1TTI)
	}
	if cfg.Cache.L2URL != "" {
		t.Errorf("L2URL should default to disabled, got %q", cfg.Cache.L2URL)
	}
	if cfg.Cache.L2TTL != time.Hour {
		t.Errorf("L2TTL = %v, want 1h", cfg.Cache.L2TTL)
	}
	if cfg.Cache.L2OpTimeout != 100*time.Millisecond {
		t.Errorf("L2OpTimeout = %v, want 100ms", cfg.Cache.L2OpTimeout)
	}
	if cfg.Cache.L2Prefix != "llm_cache:" {
		t.Errorf("L2Prefix = %q", cfg.Cache.L2Prefix)
	}
	if cfg.Routing.Strategy != "failover" {
		t.Errorf("Strategy = %q, want failover", cfg.Routing.Strategy)
	}
	if cfg.Circuit.FailureThreshold != 5 || cfg.Circuit.OpenDuration != 30*time.Second || cfg.Circuit.HalfOpenSuccesses != 2 {
		t.Errorf("circuit defaults = %+v", cfg.Circuit)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialBackoff != 100*time.Millisecond ||
		cfg.Retry.Multiplier != 2.0 || cfg.Retry.MaxBackoff != 10*time.Second {
		t.Errorf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.ProviderTimeout != 30*time.Second {
		t.Errorf("ProviderTimeout = %v", cfg.ProviderTimeout)
	}

	openai := cfg.Providers["openai"]
	if openai.APIKey != "sk-test" || !openai.Enabled || openai.Priority != 1 {
		t.Errorf("openai provider = %+v", openai)
	}
}

func TestLoad_RequiresAProviderKey(t *testing.T) {
	// Clear provider API key env vars in case the host environment has any set.
	for _, name := range ProviderOrder() {
		t.Setenv(strings.ToUpper(name)+"_API_KEY", "")
	}

	if _, err := Load(); err == nil {
		t.Error("Load without any API key should fail")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("ROUTING_STRATEGY", "least_latency")
	t.Setenv("L1_MAX_ENTRIES", "50")
	t.Setenv("L2_URL", "redis://localhost:6379")
	t.Setenv("CB_FAILURE_THRESHOLD", "7")
	t.Setenv("ANTHROPIC_PRIORITY", "9")
	t.Setenv("ANTHROPIC_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Routing.Strategy != "least_latency" {
		t.Errorf("Strategy = %q", cfg.Routing.Strategy)
	}
	if cfg.Cache.L1MaxEntries != 50 {
		t.Errorf("L1MaxEntries = %d", cfg.Cache.L1MaxEntries)
	}
	if cfg.Cache.L2URL != "redis://localhost:6379" {
		t.Errorf("L2URL = %q", cfg.Cache.L2URL)
	}
	if cfg.Circuit.FailureThreshold != 7 {
		t.Errorf("FailureThreshold = %d", cfg.Circuit.FailureThreshold)
	}

	anthropic := cfg.Providers["anthropic"]
	if anthropic.Priority != 9 || anthropic.Enabled {
		t.Errorf("anthropic overrides not applied: %+v", anthropic)
	}
}

func TestLoad_InvalidStrategy(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ROUTING_STRATEGY", "cheapest_always")

	if _, err := Load(); err == nil {
		t.Error("invalid strategy should fail validation")
	}
}

func TestLoad_RPMRequiresL2(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("RPM_LIMIT", "100")

	if _, err := Load(); err == nil {
		t.Error("RPM_LIMIT without L2_URL should fail validation")
	}
}

func TestProviderOrder_Stable(t *testing.T) {
	order := ProviderOrder()
	if len(order) == 0 || order[0] != "openai" {
		t.Errorf("provider order = %v", order)
	}
}
